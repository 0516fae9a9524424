package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrVersionConflict is returned when an append races another writer for the
// same review stream.
var ErrVersionConflict = errors.New("event version conflict")

// Writer appends to the per-review event streams. Appends are transactional so
// a command either records exactly one event or nothing.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append records one event at the given stream version. expectedVersion is the
// version of the last event the caller observed; the new event is stored at
// expectedVersion+1 and the unique (review_id, version) index rejects stale
// writers.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, reviewID, evtType, actorID string, expectedVersion int64, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(review_id,version,type,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?)`,
		reviewID, expectedVersion+1, evtType, actorID, ts, string(data))
	if err != nil && isUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
