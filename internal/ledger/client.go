package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"custodyline/internal/address"
	"custodyline/internal/logging"
	"custodyline/internal/metrics"
)

const defaultSubmitTimeout = 10 * time.Second

// UnknownOutcomeError is returned when a signed transaction may or may not have
// committed. Callers must look the signature up rather than resubmit.
type UnknownOutcomeError struct {
	Signature string
	Err       error
}

func (e *UnknownOutcomeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: outcome of %s unknown: %v", e.Signature, e.Err)
	}
	return fmt.Sprintf("ledger: outcome of %s unknown", e.Signature)
}

func (e *UnknownOutcomeError) Unwrap() error { return ErrUnreachable }

// Client is the typed entry point to the custody program.
type Client struct {
	Ledger        Ledger
	Signer        *Signer
	Deriver       address.Deriver
	SubmitTimeout time.Duration
	// ConfirmAttempts bounds status lookups after an unreachable submission.
	ConfirmAttempts uint64
	Log             *zap.Logger
}

type CreateBatchParams struct {
	ID           string
	Creator      address.Address
	Holder       address.Address
	ProducerName string
	DataHash     string
}

type AddStageParams struct {
	Batch         address.Address
	Index         uint16
	Actor         address.Address
	StageName     string
	StageDataHash string
}

func (c *Client) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// CreateBatch initializes the batch account for p.ID.
func (c *Client) CreateBatch(ctx context.Context, p CreateBatchParams) (Receipt, address.Address, error) {
	addr, err := c.Deriver.Batch(p.ID)
	if err != nil {
		return Receipt{}, address.Address{}, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	rcpt, err := c.submit(ctx, &Transaction{
		Operation: OpCreateBatch,
		Accounts:  []address.Address{addr, p.Creator, p.Holder},
		Args: map[string]string{
			"id":            p.ID,
			"producer_name": p.ProducerName,
			"data_hash":     p.DataHash,
		},
	})
	return rcpt, addr, err
}

// AddStage records stage p.Index. The index must be the batch's current
// next-stage index on the ledger, otherwise the program rejects it as stale.
func (c *Client) AddStage(ctx context.Context, p AddStageParams) (Receipt, address.Address, error) {
	stage, err := c.Deriver.Stage(p.Batch, p.Index)
	if err != nil {
		return Receipt{}, address.Address{}, err
	}
	rcpt, err := c.submit(ctx, &Transaction{
		Operation: OpAddStage,
		Accounts:  []address.Address{p.Batch, stage, p.Actor},
		Args: map[string]string{
			"stage_name":      p.StageName,
			"stage_data_hash": p.StageDataHash,
		},
	})
	return rcpt, stage, err
}

func (c *Client) TransferCustody(ctx context.Context, batch, from, to address.Address) (Receipt, error) {
	return c.submit(ctx, &Transaction{
		Operation: OpTransferCustody,
		Accounts:  []address.Address{batch, from, to},
	})
}

func (c *Client) FinalizeBatch(ctx context.Context, batch, owner address.Address) (Receipt, error) {
	return c.submit(ctx, &Transaction{
		Operation: OpFinalizeBatch,
		Accounts:  []address.Address{batch, owner},
	})
}

// FetchBatch reads the committed batch account.
func (c *Client) FetchBatch(ctx context.Context, batch address.Address) (BatchAccount, error) {
	acct, err := c.Ledger.FetchAccount(ctx, batch)
	if err != nil {
		return BatchAccount{}, err
	}
	return DecodeBatch(acct)
}

// FetchStage reads stage index of batch.
func (c *Client) FetchStage(ctx context.Context, batch address.Address, index uint16) (StageAccount, error) {
	addr, err := c.Deriver.Stage(batch, index)
	if err != nil {
		return StageAccount{}, err
	}
	acct, err := c.Ledger.FetchAccount(ctx, addr)
	if err != nil {
		return StageAccount{}, err
	}
	return DecodeStage(acct)
}

// ListBatches returns up to limit batch accounts with addresses after the cursor.
func (c *Client) ListBatches(ctx context.Context, after string, limit int) ([]BatchAccount, error) {
	accts, err := c.Ledger.ListAccounts(ctx, KindBatch, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]BatchAccount, 0, len(accts))
	for _, a := range accts {
		b, err := DecodeBatch(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Confirm resolves the outcome of a signature that was submitted but not
// acknowledged. It polls a few times while the ledger has not seen it.
func (c *Client) Confirm(ctx context.Context, signature string) (Receipt, error) {
	attempts := c.ConfirmAttempts
	if attempts == 0 {
		attempts = 3
	}
	var st TxStatus
	op := func() error {
		var err error
		st, err = c.Ledger.SignatureStatus(ctx, signature)
		if err != nil {
			return err
		}
		if st.State == TxUnknown {
			return errors.New("signature not yet seen")
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
	switch {
	case err != nil && st.State == "":
		return Receipt{}, &UnknownOutcomeError{Signature: signature, Err: err}
	case st.State == TxCommitted:
		return Receipt{Signature: signature, Slot: st.Slot}, nil
	case st.State == TxFailed:
		return Receipt{}, st.Err
	default:
		return Receipt{}, &UnknownOutcomeError{Signature: signature}
	}
}

func (c *Client) submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	tx.Nonce = uuid.NewString()
	if err := c.Signer.Sign(tx); err != nil {
		return Receipt{}, err
	}
	timeout := c.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	start := time.Now()
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	rcpt, err := c.Ledger.Submit(subCtx, tx)
	cancel()
	if err != nil && (IsUnreachable(err) || errors.Is(err, context.DeadlineExceeded)) {
		c.logger().Warn("submission outcome unknown, confirming",
			logging.WithSignature(tx.Signature),
			logging.WithOperation(string(tx.Operation)),
			zap.Error(err))
		rcpt, err = c.Confirm(ctx, tx.Signature)
	}
	metrics.LedgerSubmitDuration.WithLabelValues(string(tx.Operation)).Observe(time.Since(start).Seconds())
	metrics.LedgerSubmissions.WithLabelValues(string(tx.Operation), resultLabel(err)).Inc()
	if err != nil {
		return Receipt{}, err
	}
	return rcpt, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "committed"
	case IsUnreachable(err):
		return "unknown"
	default:
		return Code(err)
	}
}

// DecodeBatch decodes a batch account.
func DecodeBatch(a Account) (BatchAccount, error) {
	if a.Kind != KindBatch {
		return BatchAccount{}, errors.Wrapf(ErrAccountNotFound, "%s is a %s account", a.Address, a.Kind)
	}
	var b BatchAccount
	if err := json.Unmarshal(a.Data, &b); err != nil {
		return BatchAccount{}, errors.Wrap(err, "decode batch account")
	}
	b.Address = a.Address
	b.Slot = a.Slot
	return b, nil
}

// DecodeStage decodes a stage account.
func DecodeStage(a Account) (StageAccount, error) {
	if a.Kind != KindStage {
		return StageAccount{}, errors.Wrapf(ErrAccountNotFound, "%s is a %s account", a.Address, a.Kind)
	}
	var s StageAccount
	if err := json.Unmarshal(a.Data, &s); err != nil {
		return StageAccount{}, errors.Wrap(err, "decode stage account")
	}
	s.Address = a.Address
	s.Slot = a.Slot
	return s, nil
}
