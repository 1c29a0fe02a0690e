package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeAssessmentClosed = "assessment.closed"
	TypePeriodOpened     = "ghost.period.opened"
	TypePeriodResolved   = "ghost.period.resolved"
	TypePeriodDeleted    = "ghost.period.deleted"
	TypeUnitDetected     = "ghost.unit.detected"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one event to append. A non-empty DedupeKey makes the append a no-op when an
// event with the same type, entity id and key already exists.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	DedupeKey  string
	Payload    EventPayload
}

// Append writes the entry inside tx and reports whether a new row was stored.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}
	exec := w.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT OR IGNORE INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json,dedupe_key) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data), nullable(e.DedupeKey))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
