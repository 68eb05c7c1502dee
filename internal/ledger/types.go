// Package ledger talks to the custody program: it builds and signs transactions,
// submits them, and reads back program accounts.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"custodyline/internal/address"
)

// Field limits enforced by the program.
const (
	MaxBatchIDLen      = 32
	MaxProducerNameLen = 64
	MaxStageNameLen    = 32
	MaxDataHashLen     = 64
)

type Operation string

const (
	OpCreateBatch     Operation = "create_batch"
	OpAddStage        Operation = "add_stage"
	OpTransferCustody Operation = "transfer_custody"
	OpFinalizeBatch   Operation = "finalize_batch"
)

type Kind string

const (
	KindBatch Kind = "batch"
	KindStage Kind = "stage"
)

type Status string

const (
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
)

// Transaction is one program instruction. Accounts are ordered per operation:
//
//	create_batch:     batch, creator, initial holder
//	add_stage:        batch, stage, actor
//	transfer_custody: batch, current holder, new holder
//	finalize_batch:   batch, brand owner
type Transaction struct {
	Operation Operation         `json:"operation"`
	Accounts  []address.Address `json:"accounts"`
	Args      map[string]string `json:"args,omitempty"`
	Payer     string            `json:"payer"`
	Nonce     string            `json:"nonce"`
	Signature string            `json:"-"`
}

// Digest is the hash the payer signs. json.Marshal sorts map keys, so equal
// transactions always hash the same.
func (tx *Transaction) Digest() ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Receipt identifies a committed transaction.
type Receipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// Account is a raw program account.
type Account struct {
	Address address.Address `json:"address"`
	Kind    Kind            `json:"kind"`
	Slot    uint64          `json:"slot"`
	Data    json.RawMessage `json:"data"`
}

// BatchAccount is the decoded state of a batch account.
type BatchAccount struct {
	Address        address.Address `json:"address"`
	Creator        address.Address `json:"creator"`
	ID             string          `json:"id"`
	ProducerName   string          `json:"producer_name"`
	CreatedAt      time.Time       `json:"created_at"`
	NextStageIndex uint16          `json:"next_stage_index"`
	DataHash       string          `json:"batch_data_hash"`
	Status         Status          `json:"status"`
	CurrentHolder  address.Address `json:"current_holder"`
	// Slot of the last write to the account.
	Slot uint64 `json:"-"`
}

// StageAccount is one recorded processing stage.
type StageAccount struct {
	Address       address.Address `json:"address"`
	Batch         address.Address `json:"batch"`
	Index         uint16          `json:"index"`
	StageName     string          `json:"stage_name"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         address.Address `json:"actor"`
	StageDataHash string          `json:"stage_data_hash"`
	Slot          uint64          `json:"-"`
}

type TxState string

const (
	TxUnknown   TxState = "unknown"
	TxCommitted TxState = "committed"
	TxFailed    TxState = "failed"
)

// TxStatus is the ledger's view of a submitted signature. Err is set when State
// is TxFailed.
type TxStatus struct {
	Signature string
	State     TxState
	Slot      uint64
	Err       error
}

// Ledger is the program endpoint. Implementations must apply each transaction
// atomically and serialize writes to the same account.
type Ledger interface {
	Submit(ctx context.Context, tx *Transaction) (Receipt, error)
	FetchAccount(ctx context.Context, addr address.Address) (Account, error)
	SignatureStatus(ctx context.Context, signature string) (TxStatus, error)
	// ListAccounts pages through accounts of a kind ordered by address, starting
	// after the given address string ("" for the first page).
	ListAccounts(ctx context.Context, kind Kind, after string, limit int) ([]Account, error)
}
