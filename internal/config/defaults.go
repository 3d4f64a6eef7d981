package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultStrategies maps impact categories to mitigation strategies.
var DefaultStrategies = map[string][]string{
	"process_structure": {
		"version the process definition and migrate new instances only",
		"run the changed definition side by side on a sample of new threads",
	},
	"data_context": {
		"validate task input schemas against recent contexts before rollout",
		"replay representative contexts through the changed tasks",
	},
	"in_flight": {
		"drain or pause active threads before deploying the change",
		"notify assignees of active threads about the change window",
	},
	"quality": {
		"review low-rated executions with domain owners before rollout",
	},
}

// DefaultImpactTiers are the tier bounds used when none are configured.
var DefaultImpactTiers = ImpactTiers{Low: 0.2, Medium: 0.4, High: 0.6, Critical: 0.8}

// DefaultRoleCredibility is the weight given to feedback by author role.
var DefaultRoleCredibility = map[string]float64{
	"admin":    1.0,
	"reviewer": 0.9,
	"operator": 0.8,
	"member":   0.6,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "prod")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_addr", ":8443")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "insight")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "insight")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.apply_migrations", true)

	v.SetDefault("redis.enable", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "insight:lifecycle")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("redis.publish_timeout", 2*time.Second)

	v.SetDefault("context_store.driver", "bbolt")
	v.SetDefault("context_store.path", "data/contexts.db")
	v.SetDefault("context_store.max_blob_bytes", 4<<20)
	v.SetDefault("context_store.retention", 90*24*time.Hour)
	v.SetDefault("context_store.sweep_interval", 6*time.Hour)

	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("ingest.reorder_window", 64)
	v.SetDefault("ingest.reorder_timeout", 30*time.Second)
	v.SetDefault("ingest.flush_interval", 5*time.Second)
	v.SetDefault("ingest.completion_buffer", 1024)

	v.SetDefault("embedding.url", "http://localhost:8000")
	v.SetDefault("embedding.model", "default")
	v.SetDefault("embedding.timeout", 5*time.Second)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.initial_backoff", 200*time.Millisecond)
	v.SetDefault("embedding.max_backoff", 2*time.Second)
	v.SetDefault("embedding.cache_ttl", 30*time.Minute)
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("similarity.top_k", 10)
	v.SetDefault("similarity.threshold", 0.5)
	v.SetDefault("similarity.query_timeout", 2*time.Second)
	v.SetDefault("similarity.tie_break", "id")
	v.SetDefault("similarity.weights.structural", 0.3)
	v.SetDefault("similarity.weights.context", 0.5)
	v.SetDefault("similarity.weights.outcome", 0.2)
	v.SetDefault("similarity.max_text_chars", 8000)
	v.SetDefault("similarity.content_fields", []string{
		"prompt", "content", "text", "description", "instructions", "summary", "title", "question", "answer", "message",
	})
	v.SetDefault("similarity.best_practice_quality", 0.7)
	v.SetDefault("similarity.avoid_quality", 0.4)
	v.SetDefault("similarity.backfill_interval", 10*time.Minute)

	v.SetDefault("feedback.min_rating", 1)
	v.SetDefault("feedback.max_rating", 5)
	v.SetDefault("feedback.precision", 2)
	v.SetDefault("feedback.roles", []string{"admin", "reviewer", "operator", "member"})

	v.SetDefault("impact.max_horizon_days", 365)
	v.SetDefault("impact.max_depth", 3)
	v.SetDefault("impact.max_candidates", 5000)
	v.SetDefault("impact.parallelism", 8)
	v.SetDefault("impact.weights.structural", 0.4)
	v.SetDefault("impact.weights.similarity", 0.3)
	v.SetDefault("impact.weights.recency", 0.2)
	v.SetDefault("impact.weights.frequency", 0.1)
	v.SetDefault("impact.tiers.low", DefaultImpactTiers.Low)
	v.SetDefault("impact.tiers.medium", DefaultImpactTiers.Medium)
	v.SetDefault("impact.tiers.high", DefaultImpactTiers.High)
	v.SetDefault("impact.tiers.critical", DefaultImpactTiers.Critical)
	v.SetDefault("impact.escalation_fraction", 0.25)
	v.SetDefault("impact.recency.policy", "exponential")
	v.SetDefault("impact.recency.half_life", 30*24*time.Hour)
	v.SetDefault("impact.strategies", DefaultStrategies)
	v.SetDefault("impact.dependencies", map[string][]string{})

	v.SetDefault("health.interval", 15*time.Second)

	v.SetDefault("auth.role_claim", "role")
	v.SetDefault("auth.default_role", "member")
	v.SetDefault("auth.role_credibility", DefaultRoleCredibility)

	v.SetDefault("tls.enable", false)
}
