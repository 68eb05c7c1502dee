package repo

import (
	"context"
	"database/sql"
	"strings"

	"custodyline/internal/domain"
)

const partnerColumns = `p.id,p.public_key,p.name,p.role,COALESCE(p.contact_email,''),p.brand_owner_key,p.created_at`

func scanPartner(row rowScanner) (domain.Partner, error) {
	var p domain.Partner
	err := row.Scan(&p.ID, &p.PublicKey, &p.Name, &p.Role, &p.ContactEmail, &p.BrandOwnerKey, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// InsertPartner stores a partner. A second partner with the same public key
// under the same brand owner is rejected with ErrConflict.
func (r Repo) InsertPartner(ctx context.Context, p domain.Partner) error {
	if p.CreatedAt == "" {
		p.CreatedAt = r.now()
	}
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO partners(id,public_key,name,role,contact_email,brand_owner_key,created_at) VALUES (?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		p.ID, p.PublicKey, p.Name, p.Role, nullable(p.ContactEmail), p.BrandOwnerKey, p.CreatedAt)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetPartner(ctx context.Context, id string) (domain.Partner, error) {
	return scanPartner(r.DB.QueryRowContext(ctx, r.q(`SELECT `+partnerColumns+` FROM partners p WHERE p.id=?`), id))
}

// ListPartners returns partners registered by owner, or every partner when owner is empty.
func (r Repo) ListPartners(ctx context.Context, owner string) ([]domain.Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners p`
	var args []any
	if owner != "" {
		query += ` WHERE p.brand_owner_key=?`
		args = append(args, owner)
	}
	query += ` ORDER BY p.created_at, p.id`
	return r.listPartners(ctx, r.DB, query, args...)
}

// MissingPartners returns the ids in ids that have no partner row.
func (r Repo) MissingPartners(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id FROM partners WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// AddParticipants links partners to a batch. Existing links are kept.
func (r Repo) AddParticipants(ctx context.Context, tx *sql.Tx, batchAddress string, partnerIDs []string) error {
	for _, id := range partnerIDs {
		if _, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO batch_participants(batch_address,partner_id) VALUES (?,?) ON CONFLICT DO NOTHING`), batchAddress, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListParticipants(ctx context.Context, batchAddress string) ([]domain.Partner, error) {
	return r.listPartners(ctx, r.DB, `SELECT `+partnerColumns+` FROM partners p
		JOIN batch_participants bp ON bp.partner_id = p.id
		WHERE bp.batch_address=? ORDER BY p.created_at, p.id`, batchAddress)
}

// GetParticipant returns the partner only if it belongs to the batch cast.
func (r Repo) GetParticipant(ctx context.Context, batchAddress, partnerID string) (domain.Partner, error) {
	return scanPartner(r.DB.QueryRowContext(ctx, r.q(`SELECT `+partnerColumns+` FROM partners p
		JOIN batch_participants bp ON bp.partner_id = p.id
		WHERE bp.batch_address=? AND p.id=?`), batchAddress, partnerID))
}

func (r Repo) listPartners(ctx context.Context, q querier, query string, args ...any) ([]domain.Partner, error) {
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
