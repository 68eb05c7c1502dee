package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"custodyline/internal/address"
)

const programID = "Gm7ooEjFuvi9hS5vLUk6uK3xavwVm7rJXP7yjc6WHfbq"

type fixture struct {
	local  *Local
	client *Client
	owner  address.Address
	holder address.Address
	other  address.Address
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	d := address.NewDeriver(address.MustParse(programID))
	local, err := OpenLocal(filepath.Join(t.TempDir(), "ledger.db"), d, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	local.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	signer, err := GenerateSigner()
	require.NoError(t, err)
	return fixture{
		local:  local,
		client: &Client{Ledger: local, Signer: signer, Deriver: d, SubmitTimeout: 5 * time.Second},
		owner:  address.Address{1},
		holder: address.Address{2},
		other:  address.Address{3},
	}
}

func (f fixture) create(t *testing.T, id string) address.Address {
	t.Helper()
	_, addr, err := f.client.CreateBatch(context.Background(), CreateBatchParams{
		ID: id, Creator: f.owner, Holder: f.holder, ProducerName: "Fazenda Santa Nina", DataHash: strings.Repeat("a", 64),
	})
	require.NoError(t, err)
	return addr
}

func TestSignerRoundTrip(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)
	loaded, err := SignerFromHex(s.Hex())
	require.NoError(t, err)
	require.Equal(t, s.PublicKey(), loaded.PublicKey())

	tx := &Transaction{Operation: OpFinalizeBatch, Accounts: []address.Address{{1}, {2}}, Nonce: "n"}
	require.NoError(t, loaded.Sign(tx))
	require.NoError(t, Verify(tx))

	tx.Accounts[1] = address.Address{9}
	require.ErrorIs(t, Verify(tx), ErrInvalidSignature)

	_, err = SignerFromHex("zz")
	require.Error(t, err)
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.create(t, "FSN-2024-001")

	b, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "FSN-2024-001", b.ID)
	require.Equal(t, f.owner, b.Creator)
	require.Equal(t, f.holder, b.CurrentHolder)
	require.Equal(t, StatusInProgress, b.Status)
	require.Equal(t, uint16(0), b.NextStageIndex)
	require.NotZero(t, b.Slot)

	_, _, err = f.client.CreateBatch(ctx, CreateBatchParams{ID: "FSN-2024-001", Creator: f.owner, Holder: f.holder})
	require.ErrorIs(t, err, ErrDuplicateAddress)

	_, _, err = f.client.CreateBatch(ctx, CreateBatchParams{ID: "x", Creator: f.owner, Holder: f.holder, ProducerName: strings.Repeat("p", 65)})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAddStageRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.create(t, "FSN-2024-001")

	for i, name := range []string{"colheita", "torra"} {
		_, stage, err := f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: uint16(i), Actor: f.holder, StageName: name, StageDataHash: "h"})
		require.NoError(t, err)
		got, err := f.client.FetchStage(ctx, addr, uint16(i))
		require.NoError(t, err)
		require.Equal(t, stage, got.Address)
		require.Equal(t, name, got.StageName)
		require.Equal(t, uint16(i), got.Index)
		require.Equal(t, f.holder, got.Actor)
	}

	// stale index
	_, _, err := f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: 1, Actor: f.holder, StageName: "moagem"})
	require.ErrorIs(t, err, ErrStaleState)

	// wrong actor
	_, _, err = f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: 2, Actor: f.other, StageName: "moagem"})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: 2, Actor: f.holder, StageName: strings.Repeat("s", 33)})
	require.ErrorIs(t, err, ErrInvalidArgument)

	b, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint16(2), b.NextStageIndex)

	_, err = f.client.FetchStage(ctx, addr, 2)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTransferAndFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.create(t, "FSN-2024-001")

	_, err := f.client.TransferCustody(ctx, addr, f.other, f.owner)
	require.ErrorIs(t, err, ErrUnauthorized)

	first, err := f.client.TransferCustody(ctx, addr, f.holder, f.other)
	require.NoError(t, err)
	b, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, f.other, b.CurrentHolder)
	require.Equal(t, first.Slot, b.Slot)

	_, err = f.client.FinalizeBatch(ctx, addr, f.holder)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.client.FinalizeBatch(ctx, addr, f.owner)
	require.NoError(t, err)

	_, err = f.client.FinalizeBatch(ctx, addr, f.owner)
	require.ErrorIs(t, err, ErrBatchFinalized)
	_, err = f.client.TransferCustody(ctx, addr, f.other, f.holder)
	require.ErrorIs(t, err, ErrBatchFinalized)
	_, _, err = f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: 0, Actor: f.other, StageName: "torra"})
	require.ErrorIs(t, err, ErrBatchFinalized)
}

func TestConcurrentStagesSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.create(t, "FSN-2024-002")

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = f.client.AddStage(ctx, AddStageParams{Batch: addr, Index: 0, Actor: f.holder, StageName: "colheita"})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrStaleState)
	}
	require.Equal(t, 1, ok)
}

func TestSignatureStatusAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr, err := f.client.Deriver.Batch("FSN-2024-003")
	require.NoError(t, err)
	tx := &Transaction{
		Operation: OpCreateBatch,
		Accounts:  []address.Address{addr, f.owner, f.holder},
		Args:      map[string]string{"id": "FSN-2024-003"},
		Nonce:     "fixed",
	}
	require.NoError(t, f.client.Signer.Sign(tx))

	st, err := f.local.SignatureStatus(ctx, tx.Signature)
	require.NoError(t, err)
	require.Equal(t, TxUnknown, st.State)

	rcpt, err := f.local.Submit(ctx, tx)
	require.NoError(t, err)
	again, err := f.local.Submit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, rcpt, again)

	st, err = f.local.SignatureStatus(ctx, tx.Signature)
	require.NoError(t, err)
	require.Equal(t, TxCommitted, st.State)
	require.Equal(t, rcpt.Slot, st.Slot)

	bad := &Transaction{Operation: OpFinalizeBatch, Accounts: []address.Address{addr, f.holder}, Nonce: "x"}
	require.NoError(t, f.client.Signer.Sign(bad))
	_, err = f.local.Submit(ctx, bad)
	require.ErrorIs(t, err, ErrUnauthorized)
	st, err = f.local.SignatureStatus(ctx, bad.Signature)
	require.NoError(t, err)
	require.Equal(t, TxFailed, st.State)
	require.ErrorIs(t, st.Err, ErrUnauthorized)
}

// dropAck commits the transaction but reports the link as down.
type dropAck struct {
	Ledger
}

func (d dropAck) Submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	if _, err := d.Ledger.Submit(ctx, tx); err != nil {
		return Receipt{}, err
	}
	return Receipt{}, ErrUnreachable
}

// dropAll never delivers anything.
type dropAll struct {
	Ledger
}

func (dropAll) Submit(context.Context, *Transaction) (Receipt, error) {
	return Receipt{}, ErrUnreachable
}

func TestUnknownOutcomeIsConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.create(t, "FSN-2024-004")

	f.client.Ledger = dropAck{Ledger: f.local}
	rcpt, err := f.client.TransferCustody(ctx, addr, f.holder, f.other)
	require.NoError(t, err)
	require.NotEmpty(t, rcpt.Signature)
	require.NotZero(t, rcpt.Slot)

	f.client.Ledger = dropAll{Ledger: f.local}
	f.client.ConfirmAttempts = 1
	_, err = f.client.TransferCustody(ctx, addr, f.other, f.holder)
	var unknown *UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)
	require.NotEmpty(t, unknown.Signature)
	require.True(t, IsUnreachable(err))

	b, err := f.local.FetchAccount(ctx, addr)
	require.NoError(t, err)
	decoded, err := DecodeBatch(b)
	require.NoError(t, err)
	require.Equal(t, f.other, decoded.CurrentHolder)
}

func TestListBatchesPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		f.create(t, id)
	}
	_, _, err := f.client.AddStage(ctx, AddStageParams{Batch: mustBatch(t, f, "A"), Index: 0, Actor: f.holder, StageName: "colheita"})
	require.NoError(t, err)

	first, err := f.client.ListBatches(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := f.client.ListBatches(ctx, first[1].Address.String(), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	seen := map[string]bool{}
	for _, b := range append(first, rest...) {
		seen[b.ID] = true
	}
	require.Equal(t, map[string]bool{"A": true, "B": true, "C": true}, seen)
}

func mustBatch(t *testing.T, f fixture, id string) address.Address {
	t.Helper()
	a, err := f.client.Deriver.Batch(id)
	require.NoError(t, err)
	return a
}
