package repo

import (
	"context"
	"database/sql"
	"strings"

	"custodyline/internal/domain"
)

const batchColumns = `address,onchain_id,brand_owner_key,producer_name,data_hash,current_holder_key,status,next_stage_index,holder_slot,COALESCE(creation_signature,''),COALESCE(onchain_created_at,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b    domain.Batch
		slot int64
	)
	err := row.Scan(&b.Address, &b.OnchainID, &b.BrandOwnerKey, &b.ProducerName, &b.DataHash, &b.CurrentHolderKey,
		&b.Status, &b.NextStageIndex, &slot, &b.CreationSignature, &b.OnchainCreatedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.HolderSlot = uint64(slot)
	return b, err
}

// InsertBatch adds a batch row. It reports false when a row for the address
// already exists, leaving that row untouched.
func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) (bool, error) {
	now := r.now()
	if b.CreatedAt == "" {
		b.CreatedAt = now
	}
	if b.UpdatedAt == "" {
		b.UpdatedAt = now
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO batches(address,onchain_id,brand_owner_key,producer_name,data_hash,current_holder_key,status,next_stage_index,holder_slot,creation_signature,onchain_created_at,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		b.Address, b.OnchainID, b.BrandOwnerKey, b.ProducerName, b.DataHash, b.CurrentHolderKey, b.Status,
		b.NextStageIndex, int64(b.HolderSlot), nullable(b.CreationSignature), nullable(b.OnchainCreatedAt), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetBatch(ctx context.Context, address string) (domain.Batch, error) {
	return scanBatch(r.DB.QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE address=?`), address))
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, address string) (domain.Batch, error) {
	return scanBatch(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE address=?`), address))
}

func (r Repo) GetBatchByOnchainID(ctx context.Context, onchainID string) (domain.Batch, error) {
	return scanBatch(r.DB.QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE onchain_id=?`), onchainID))
}

// ListBatchesForUser returns batches the key owns or currently holds, newest first.
func (r Repo) ListBatchesForUser(ctx context.Context, userKey string, limit int, cursorCreatedAt, cursorAddress string) ([]domain.Batch, error) {
	clauses := []string{"(brand_owner_key=? OR current_holder_key=?)"}
	args := []any{userKey, userKey}
	if cursorCreatedAt != "" && cursorAddress != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND address < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorAddress)
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, address DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.listBatches(ctx, query, args...)
}

// ListBatches pages through every cached batch in address order.
func (r Repo) ListBatches(ctx context.Context, after string, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE address > ? ORDER BY address LIMIT ?`, after, limit)
}

func (r Repo) listBatches(ctx context.Context, query string, args ...any) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// AdvanceStageIndex raises next_stage_index to next. It never lowers it.
func (r Repo) AdvanceStageIndex(ctx context.Context, tx *sql.Tx, address string, next int) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE batches SET next_stage_index=?, updated_at=? WHERE address=? AND next_stage_index < ?`),
		next, r.now(), address, next)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetHolder records holder as observed at ledger slot. Observations from a slot
// not newer than the stored one are ignored. It reports whether the holder
// changed; a newer slot naming the same holder only advances holder_slot.
func (r Repo) SetHolder(ctx context.Context, tx *sql.Tx, address, holder string, slot uint64) (bool, error) {
	c := r.conn(tx)
	res, err := c.ExecContext(ctx, r.q(`UPDATE batches SET current_holder_key=?, holder_slot=?, updated_at=? WHERE address=? AND holder_slot < ? AND current_holder_key <> ?`),
		holder, int64(slot), r.now(), address, int64(slot), holder)
	if err != nil {
		return false, err
	}
	changed, err := affected(res)
	if err != nil || changed {
		return changed, err
	}
	_, err = c.ExecContext(ctx, r.q(`UPDATE batches SET holder_slot=? WHERE address=? AND holder_slot < ?`), int64(slot), address, int64(slot))
	return false, err
}

// MarkCompleted moves a batch from inProgress to completed. Completed is terminal.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, address string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE batches SET status=?, updated_at=? WHERE address=? AND status=?`),
		domain.StatusCompleted, r.now(), address, domain.StatusInProgress)
	if err != nil {
		return false, err
	}
	return affected(res)
}
