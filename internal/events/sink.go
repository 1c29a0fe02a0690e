package events

import (
	"context"
	"errors"
	"time"

	"ghostline/internal/domain"
)

// Closure is emitted once per assessment that left the active feed.
type Closure struct {
	JobGUID    string                   `json:"job_guid"`
	Monitor    domain.AssessmentMonitor `json:"monitor"`
	DetectedAt time.Time                `json:"detected_at"`
	ActorID    string                   `json:"actor_id"`
}

// Sink consumes closure notifications.
type Sink interface {
	AssessmentClosed(ctx context.Context, c Closure) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c Closure) error

func (f SinkFunc) AssessmentClosed(ctx context.Context, c Closure) error { return f(ctx, c) }

// LogSink stores closures in the event log, once per job and last snapshot date.
// Stored events are picked up by the webhook dispatcher.
type LogSink struct {
	Writer Writer
}

func (s LogSink) AssessmentClosed(ctx context.Context, c Closure) error {
	dedupe := c.Monitor.LastSnapshotDate
	if dedupe == "" {
		dedupe = "none"
	}
	_, err := s.Writer.Append(ctx, nil, Entry{
		Type:       TypeAssessmentClosed,
		EntityKind: "assessment",
		EntityID:   c.JobGUID,
		ActorID:    c.ActorID,
		DedupeKey:  dedupe,
		Payload: EventPayload{
			"job_guid":           c.JobGUID,
			"monitor":            c.Monitor,
			"detected_at":        c.DetectedAt.UTC().Format(time.RFC3339),
			"last_snapshot_date": c.Monitor.LastSnapshotDate,
		},
	})
	return err
}

// Fanout delivers each closure to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) AssessmentClosed(ctx context.Context, c Closure) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.AssessmentClosed(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
