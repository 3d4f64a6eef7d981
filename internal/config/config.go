package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	Redis        RedisConfig        `mapstructure:"redis"`
	ContextStore ContextStoreConfig `mapstructure:"context_store"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Similarity   SimilarityConfig   `mapstructure:"similarity"`
	Feedback     FeedbackConfig     `mapstructure:"feedback"`
	Impact       ImpactConfig       `mapstructure:"impact"`
	Health       HealthConfig       `mapstructure:"health"`
	Auth         AuthConfig         `mapstructure:"auth"`
	TLS          TLSConfig          `mapstructure:"tls"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `mapstructure:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	TLSAddr         string        `mapstructure:"tls_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StorageConfig selects the backend for threads, feedback and analyses.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory | postgres
}

type DBConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Name            string `mapstructure:"name"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxConns        int32  `mapstructure:"max_conns"`
	ApplyMigrations bool   `mapstructure:"apply_migrations"`
}

// DSN renders the connection string understood by pgx and golang-migrate.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Enable         bool          `mapstructure:"enable"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	Stream         string        `mapstructure:"stream"`
	MaxLen         int64         `mapstructure:"max_len"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type ContextStoreConfig struct {
	Driver        string        `mapstructure:"driver"` // memory | bbolt | postgres
	Path          string        `mapstructure:"path"`
	MaxBlobBytes  int           `mapstructure:"max_blob_bytes"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type IngestConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	ReorderWindow    int           `mapstructure:"reorder_window"`
	ReorderTimeout   time.Duration `mapstructure:"reorder_timeout"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	CompletionBuffer int           `mapstructure:"completion_buffer"`
}

type EmbeddingConfig struct {
	URL            string        `mapstructure:"url"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      uint64        `mapstructure:"cache_size"`
}

type SimilarityWeights struct {
	Structural float64 `mapstructure:"structural"`
	Context    float64 `mapstructure:"context"`
	Outcome    float64 `mapstructure:"outcome"`
}

type SimilarityConfig struct {
	TopK                int               `mapstructure:"top_k"`
	Threshold           float64           `mapstructure:"threshold"`
	QueryTimeout        time.Duration     `mapstructure:"query_timeout"`
	TieBreak            string            `mapstructure:"tie_break"` // id | recency
	Weights             SimilarityWeights `mapstructure:"weights"`
	MaxTextChars        int               `mapstructure:"max_text_chars"`
	ContentFields       []string          `mapstructure:"content_fields"`
	BestPracticeQuality float64           `mapstructure:"best_practice_quality"`
	AvoidQuality        float64           `mapstructure:"avoid_quality"`
	BackfillInterval    time.Duration     `mapstructure:"backfill_interval"`
}

type FeedbackConfig struct {
	MinRating int      `mapstructure:"min_rating"`
	MaxRating int      `mapstructure:"max_rating"`
	Precision int      `mapstructure:"precision"`
	Roles     []string `mapstructure:"roles"`
}

type ImpactWeights struct {
	Structural float64 `mapstructure:"structural"`
	Similarity float64 `mapstructure:"similarity"`
	Recency    float64 `mapstructure:"recency"`
	Frequency  float64 `mapstructure:"frequency"`
}

// ImpactTiers are the lower score bounds of each tier above negligible.
type ImpactTiers struct {
	Low      float64 `mapstructure:"low"`
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

type RecencyConfig struct {
	Policy   string        `mapstructure:"policy"` // exponential | linear
	HalfLife time.Duration `mapstructure:"half_life"`
}

type ImpactConfig struct {
	MaxHorizonDays     int                 `mapstructure:"max_horizon_days"`
	MaxDepth           int                 `mapstructure:"max_depth"`
	MaxCandidates      int                 `mapstructure:"max_candidates"`
	Parallelism        int                 `mapstructure:"parallelism"`
	Weights            ImpactWeights       `mapstructure:"weights"`
	Tiers              ImpactTiers         `mapstructure:"tiers"`
	EscalationFraction float64             `mapstructure:"escalation_fraction"`
	Recency            RecencyConfig       `mapstructure:"recency"`
	Strategies         map[string][]string `mapstructure:"strategies"`
	Dependencies       map[string][]string `mapstructure:"dependencies"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	OktaDomain      string             `mapstructure:"okta_domain"`
	ClientID        string             `mapstructure:"client_id"`
	ClientSecret    string             `mapstructure:"client_secret"`
	RedirectURL     string             `mapstructure:"redirect_url"`
	SwaggerClientID string             `mapstructure:"swagger_client_id"`
	RoleClaim       string             `mapstructure:"role_claim"`
	DefaultRole     string             `mapstructure:"default_role"`
	RoleCredibility map[string]float64 `mapstructure:"role_credibility"`
}

type TLSConfig struct {
	Enable    bool     `mapstructure:"enable"`
	CertFile  string   `mapstructure:"cert_file"`
	KeyFile   string   `mapstructure:"key_file"`
	Hostnames []string `mapstructure:"hostnames"`
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches for config.yaml in the working directory and ./config;
// a missing file is not an error in that case and defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&config, hook); err != nil {
		return nil, err
	}
	config.ConfigFile = v.ConfigFileUsed()

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// IsDev reports whether the service runs in the development environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "dev")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
