package audit

import (
	"context"
	"time"

	"directory-auth/internal/observability"
)

// Emitter builds and appends audit events. It never returns an error: a
// failed write is logged and counted so the calling operation can proceed.
type Emitter struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type EmitterOption func(*Emitter)

func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

func WithEmitterMetrics(m *observability.Metrics) EmitterOption {
	return func(e *Emitter) {
		e.metrics = m
	}
}

func NewEmitter(store Store, logger *observability.Logger, opts ...EmitterOption) *Emitter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Emitter{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) Emit(ctx context.Context, category Category, description string, success bool, opts ...Option) {
	event, err := NewEvent(category, description, success, e.now(), opts...)
	if err != nil {
		e.logger.Error("audit_event_invalid", map[string]any{
			"category": string(category),
			"error":    err.Error(),
		})
		e.countFailure()
		return
	}

	if e.store == nil {
		return
	}
	if err := e.store.Append(ctx, event); err != nil {
		e.logger.Error("audit_append_failed", map[string]any{
			"category": string(category),
			"event_id": event.ID,
			"user_id":  event.UserID,
			"error":    err.Error(),
		})
		e.countFailure()
	}
}

func (e *Emitter) countFailure() {
	if e.metrics != nil {
		e.metrics.AuditWriteFailures.Inc()
	}
}
