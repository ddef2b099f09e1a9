package observability

import "context"

// Event names emitted by the RAG core. The emitter decides transport;
// the default implementation logs and counts them.
const (
	EventRetryAttempt     = "retry.attempt"
	EventRetrySuccess     = "retry.success"
	EventRetryExhausted   = "retry.exhausted"
	EventExtractCacheHit  = "extract.cache.hit"
	EventExtractCacheMiss = "extract.cache.miss"
	EventMergeCompleted   = "merge.completed"
	EventQueryCompleted   = "query.completed"
	EventIngestCompleted  = "ingest.completed"
)

// EventEmitter publishes structured events. Fields always include the
// contextual attributes the caller has: project_id, operation, attempt.
type EventEmitter interface {
	Emit(ctx context.Context, name string, fields map[string]interface{})
}

// LogEmitter writes events through a Logger and bumps a counter per event.
type LogEmitter struct {
	logger  Logger
	metrics MetricsClient
}

// NewLogEmitter creates the default emitter.
func NewLogEmitter(logger Logger, metrics MetricsClient) *LogEmitter {
	return &LogEmitter{
		logger:  logger.WithPrefix("events"),
		metrics: metrics,
	}
}

// Emit logs the event at INFO and increments its counter.
func (e *LogEmitter) Emit(ctx context.Context, name string, fields map[string]interface{}) {
	e.logger.Info(name, fields)
	e.metrics.IncrementCounter("events_total", map[string]string{"event": name})
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements EventEmitter.
func (NoopEmitter) Emit(context.Context, string, map[string]interface{}) {}

// NewNoopEmitter creates an emitter that discards everything.
func NewNoopEmitter() EventEmitter { return NoopEmitter{} }
