package repo

import (
	"context"
	"strings"

	"custodyline/internal/domain"
)

// LatestEvents returns up to limit events, newest first, optionally for one batch.
// A non-empty before cursor skips events with ids at or after it.
func (r Repo) LatestEvents(ctx context.Context, limit int, batchAddress, before string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if batchAddress != "" {
		clauses = append(clauses, "batch_address=?")
		args = append(args, batchAddress)
	}
	if before != "" {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	query := `SELECT id,ts,type,batch_address,COALESCE(actor_key,''),COALESCE(signature,''),payload_json FROM custody_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BatchAddress, &e.ActorKey, &e.Signature, &e.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
