package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodyline/internal/db"
)

// Custody event types, mirroring the program's emitted events.
const (
	BatchCreated       = "BatchCreated"
	StageAdded         = "StageAdded"
	CustodyTransferred = "CustodyTransferred"
	BatchFinalized     = "BatchFinalized"
	BatchRepaired      = "BatchRepaired"
)

type Writer struct {
	Driver string
	Now    func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx. Ids are UUIDv7 so they sort by time.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, batchAddress, actorKey, signature string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO custody_events(id,ts,type,batch_address,actor_key,signature,payload_json) VALUES (?,?,?,?,?,?,?)`),
		id.String(), ts, evtType, batchAddress, nullable(actorKey), nullable(signature), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
