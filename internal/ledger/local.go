package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"custodyline/internal/address"
	"custodyline/internal/db"
	"custodyline/internal/logging"
	"custodyline/internal/migrate"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Local is an embedded single-node ledger running the custody program over a
// SQLite file. Every transaction is applied under one lock inside one SQL
// transaction, so accounts only ever move between committed states.
type Local struct {
	DB      *sql.DB
	Deriver address.Deriver
	Now     func() time.Time
	Log     *zap.Logger

	mu sync.Mutex
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenLocal opens (and migrates) the ledger file at path.
func OpenLocal(path string, d address.Deriver, log *zap.Logger) (*Local, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger db")
	}
	return NewLocal(conn, d, log)
}

// NewLocal migrates conn and returns a ledger on top of it.
func NewLocal(conn *sql.DB, d address.Deriver, log *zap.Logger) (*Local, error) {
	if err := migrate.Apply(conn, schemaFS, "schema"); err != nil {
		return nil, errors.Wrap(err, "migrate ledger db")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{DB: conn, Deriver: d, Now: time.Now, Log: log}, nil
}

func (l *Local) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Submit verifies and applies tx. Resubmitting an already processed signature
// returns the recorded outcome without applying it again.
func (l *Local) Submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, errors.Wrap(ErrUnreachable, err.Error())
	}
	if err := Verify(tx); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.status(ctx, l.DB, tx.Signature)
	if err != nil {
		return Receipt{}, err
	}
	switch prev.State {
	case TxCommitted:
		return Receipt{Signature: tx.Signature, Slot: prev.Slot}, nil
	case TxFailed:
		return Receipt{}, prev.Err
	}

	sqlTx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "begin ledger tx")
	}
	defer sqlTx.Rollback()

	slot, err := l.nextSlot(ctx, sqlTx)
	if err != nil {
		return Receipt{}, err
	}
	now := l.now()
	if applyErr := l.apply(ctx, sqlTx, tx, slot, now); applyErr != nil {
		if Code(applyErr) == "Unknown" {
			return Receipt{}, applyErr
		}
		_ = sqlTx.Rollback()
		if err := l.record(ctx, l.DB, tx, 0, TxFailed, applyErr, now); err != nil {
			l.Log.Warn("record failed transaction", logging.WithSignature(tx.Signature), zap.Error(err))
		}
		l.Log.Debug("transaction rejected",
			logging.WithSignature(tx.Signature),
			logging.WithOperation(string(tx.Operation)),
			zap.Error(applyErr))
		return Receipt{}, applyErr
	}
	if err := l.record(ctx, sqlTx, tx, slot, TxCommitted, nil, now); err != nil {
		return Receipt{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return Receipt{}, errors.Wrap(err, "commit ledger tx")
	}
	l.Log.Debug("transaction committed",
		logging.WithSignature(tx.Signature),
		logging.WithOperation(string(tx.Operation)),
		logging.WithSlot(slot))
	return Receipt{Signature: tx.Signature, Slot: slot}, nil
}

func (l *Local) apply(ctx context.Context, q querier, tx *Transaction, slot uint64, now time.Time) error {
	switch tx.Operation {
	case OpCreateBatch:
		return l.createBatch(ctx, q, tx, slot, now)
	case OpAddStage:
		return l.addStage(ctx, q, tx, slot, now)
	case OpTransferCustody:
		return l.transferCustody(ctx, q, tx, slot)
	case OpFinalizeBatch:
		return l.finalizeBatch(ctx, q, tx, slot)
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown operation %q", tx.Operation)
	}
}

func requireAccounts(tx *Transaction, n int) error {
	if len(tx.Accounts) != n {
		return errors.Wrapf(ErrInvalidArgument, "%s expects %d accounts, got %d", tx.Operation, n, len(tx.Accounts))
	}
	return nil
}

func (l *Local) createBatch(ctx context.Context, q querier, tx *Transaction, slot uint64, now time.Time) error {
	if err := requireAccounts(tx, 3); err != nil {
		return err
	}
	id, producer, hash := tx.Args["id"], tx.Args["producer_name"], tx.Args["data_hash"]
	switch {
	case id == "" || len(id) > MaxBatchIDLen:
		return errors.Wrapf(ErrInvalidArgument, "batch id must be 1..%d bytes", MaxBatchIDLen)
	case len(producer) > MaxProducerNameLen:
		return errors.Wrapf(ErrInvalidArgument, "producer name exceeds %d bytes", MaxProducerNameLen)
	case len(hash) > MaxDataHashLen:
		return errors.Wrapf(ErrInvalidArgument, "data hash exceeds %d bytes", MaxDataHashLen)
	}
	want, err := l.Deriver.Batch(id)
	if err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if want != tx.Accounts[0] {
		return errors.Wrap(ErrInvalidArgument, "batch account does not match id seed")
	}
	if _, err := l.fetch(ctx, q, want); err == nil {
		return errors.Wrapf(ErrDuplicateAddress, "batch %s", want)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	b := BatchAccount{
		Address:       want,
		Creator:       tx.Accounts[1],
		ID:            id,
		ProducerName:  producer,
		CreatedAt:     now,
		DataHash:      hash,
		Status:        StatusInProgress,
		CurrentHolder: tx.Accounts[2],
	}
	return l.put(ctx, q, want, KindBatch, slot, b)
}

func (l *Local) addStage(ctx context.Context, q querier, tx *Transaction, slot uint64, now time.Time) error {
	if err := requireAccounts(tx, 3); err != nil {
		return err
	}
	b, err := l.batch(ctx, q, tx.Accounts[0])
	if err != nil {
		return err
	}
	if b.NextStageIndex == math.MaxUint16 {
		return errors.Wrap(ErrInvalidArgument, "stage index overflow")
	}
	want, err := l.Deriver.Stage(b.Address, b.NextStageIndex)
	if err != nil {
		return err
	}
	if want != tx.Accounts[1] {
		return errors.Wrapf(ErrStaleState, "stage account is not index %d", b.NextStageIndex)
	}
	if b.Status == StatusCompleted {
		return ErrBatchFinalized
	}
	actor := tx.Accounts[2]
	if actor != b.CurrentHolder {
		return errors.Wrapf(ErrUnauthorized, "actor %s is not the current holder", actor)
	}
	name, hash := tx.Args["stage_name"], tx.Args["stage_data_hash"]
	if name == "" || len(name) > MaxStageNameLen {
		return errors.Wrapf(ErrInvalidArgument, "stage name must be 1..%d bytes", MaxStageNameLen)
	}
	if len(hash) > MaxDataHashLen {
		return errors.Wrapf(ErrInvalidArgument, "stage data hash exceeds %d bytes", MaxDataHashLen)
	}
	if _, err := l.fetch(ctx, q, want); err == nil {
		return errors.Wrapf(ErrDuplicateAddress, "stage %s", want)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	st := StageAccount{
		Address:       want,
		Batch:         b.Address,
		Index:         b.NextStageIndex,
		StageName:     name,
		Timestamp:     now,
		Actor:         actor,
		StageDataHash: hash,
	}
	if err := l.put(ctx, q, want, KindStage, slot, st); err != nil {
		return err
	}
	b.NextStageIndex++
	return l.put(ctx, q, b.Address, KindBatch, slot, b)
}

func (l *Local) transferCustody(ctx context.Context, q querier, tx *Transaction, slot uint64) error {
	if err := requireAccounts(tx, 3); err != nil {
		return err
	}
	b, err := l.batch(ctx, q, tx.Accounts[0])
	if err != nil {
		return err
	}
	if b.Status == StatusCompleted {
		return ErrBatchFinalized
	}
	if tx.Accounts[1] != b.CurrentHolder {
		return errors.Wrapf(ErrUnauthorized, "%s is not the current holder", tx.Accounts[1])
	}
	b.CurrentHolder = tx.Accounts[2]
	return l.put(ctx, q, b.Address, KindBatch, slot, b)
}

func (l *Local) finalizeBatch(ctx context.Context, q querier, tx *Transaction, slot uint64) error {
	if err := requireAccounts(tx, 2); err != nil {
		return err
	}
	b, err := l.batch(ctx, q, tx.Accounts[0])
	if err != nil {
		return err
	}
	if tx.Accounts[1] != b.Creator {
		return errors.Wrapf(ErrUnauthorized, "%s is not the brand owner", tx.Accounts[1])
	}
	if b.Status == StatusCompleted {
		return ErrBatchFinalized
	}
	b.Status = StatusCompleted
	return l.put(ctx, q, b.Address, KindBatch, slot, b)
}

func (l *Local) batch(ctx context.Context, q querier, addr address.Address) (BatchAccount, error) {
	acct, err := l.fetch(ctx, q, addr)
	if err != nil {
		return BatchAccount{}, err
	}
	return DecodeBatch(acct)
}

func (l *Local) fetch(ctx context.Context, q querier, addr address.Address) (Account, error) {
	var (
		kind string
		slot int64
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT kind, slot, data FROM ledger_accounts WHERE address=?`, addr.String()).Scan(&kind, &slot, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, errors.Wrapf(ErrAccountNotFound, "%s", addr)
	}
	if err != nil {
		return Account{}, errors.Wrap(err, "read account")
	}
	return Account{Address: addr, Kind: Kind(kind), Slot: uint64(slot), Data: json.RawMessage(data)}, nil
}

func (l *Local) put(ctx context.Context, q querier, addr address.Address, kind Kind, slot uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode account")
	}
	_, err = q.ExecContext(ctx, `INSERT INTO ledger_accounts(address,kind,slot,data) VALUES (?,?,?,?)
		ON CONFLICT(address) DO UPDATE SET slot=excluded.slot, data=excluded.data`,
		addr.String(), string(kind), int64(slot), string(data))
	return errors.Wrap(err, "write account")
}

func (l *Local) nextSlot(ctx context.Context, q querier) (uint64, error) {
	var slot int64
	err := q.QueryRowContext(ctx, `SELECT slot FROM ledger_slot LIMIT 1`).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := q.ExecContext(ctx, `INSERT INTO ledger_slot(slot) VALUES (0)`); err != nil {
			return 0, errors.Wrap(err, "init slot")
		}
		slot = 0
	} else if err != nil {
		return 0, errors.Wrap(err, "read slot")
	}
	slot++
	if _, err := q.ExecContext(ctx, `UPDATE ledger_slot SET slot=?`, slot); err != nil {
		return 0, errors.Wrap(err, "advance slot")
	}
	return uint64(slot), nil
}

func (l *Local) record(ctx context.Context, q querier, tx *Transaction, slot uint64, state TxState, txErr error, now time.Time) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "encode transaction")
	}
	var code any
	if txErr != nil {
		code = Code(txErr)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO ledger_transactions(signature,slot,operation,status,error_code,payload,ts) VALUES (?,?,?,?,?,?,?)`,
		tx.Signature, int64(slot), string(tx.Operation), string(state), code, string(payload), now.Format(time.RFC3339Nano))
	return errors.Wrap(err, "record transaction")
}

func (l *Local) status(ctx context.Context, q querier, signature string) (TxStatus, error) {
	var (
		slot  int64
		state string
		code  sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT slot, status, error_code FROM ledger_transactions WHERE signature=?`, signature).Scan(&slot, &state, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return TxStatus{Signature: signature, State: TxUnknown}, nil
	}
	if err != nil {
		return TxStatus{}, errors.Wrap(err, "read transaction")
	}
	st := TxStatus{Signature: signature, State: TxState(state), Slot: uint64(slot)}
	if code.Valid {
		st.Err = FromCode(code.String)
	}
	return st, nil
}

// FetchAccount returns the committed state of addr.
func (l *Local) FetchAccount(ctx context.Context, addr address.Address) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, errors.Wrap(ErrUnreachable, err.Error())
	}
	return l.fetch(ctx, l.DB, addr)
}

// SignatureStatus reports whether a signature committed, failed, or was never seen.
func (l *Local) SignatureStatus(ctx context.Context, signature string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, errors.Wrap(ErrUnreachable, err.Error())
	}
	return l.status(ctx, l.DB, signature)
}

// ListAccounts pages through accounts of one kind in address order.
func (l *Local) ListAccounts(ctx context.Context, kind Kind, after string, limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT address, slot, data FROM ledger_accounts WHERE kind=? AND address > ? ORDER BY address LIMIT ?`,
		string(kind), after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var (
			addrStr string
			slot    int64
			data    string
		)
		if err := rows.Scan(&addrStr, &slot, &data); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		addr, err := address.Parse(addrStr)
		if err != nil {
			return nil, err
		}
		out = append(out, Account{Address: addr, Kind: kind, Slot: uint64(slot), Data: json.RawMessage(data)})
	}
	return out, rows.Err()
}

// Close releases the ledger database.
func (l *Local) Close() error {
	return l.DB.Close()
}
