package logging

// Structured field names used across the service.
const (
	ThreadIDKey     = "thread_id"
	TaskIDKey       = "task_id"
	SequenceKey     = "sequence"
	EventKindKey    = "event_kind"
	AnomalyKey      = "anomaly"
	HashKey         = "hash"
	SizeKey         = "size"
	TargetIDKey     = "target_id"
	TargetTypeKey   = "target_type"
	FeedbackIDKey   = "feedback_id"
	AnalysisIDKey   = "analysis_id"
	ModelKey        = "model"
	DependencyKey   = "dependency"
	AttemptKey      = "attempt"
	DurationKey     = "duration_ms"
	WorkerKey       = "worker"
	ErrorKey        = "error"
	CandidatesKey   = "candidates"
	RiskKey         = "risk"
	NeighborsKey    = "neighbors"
	NotificationKey = "notification"
)

