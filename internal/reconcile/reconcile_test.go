package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"custodyline/internal/address"
	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/events"
	"custodyline/internal/ledger"
	"custodyline/internal/migrate"
	"custodyline/internal/repo"
)

const programID = "Gm7ooEjFuvi9hS5vLUk6uK3xavwVm7rJXP7yjc6WHfbq"

var (
	owner  = address.Address{0x01}
	holder = address.Address{0x02}
)

type fixture struct {
	repo   repo.Repo
	client *ledger.Client
	rec    *Reconciler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.OpenSQLite(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	d := address.NewDeriver(address.MustParse(programID))
	local, err := ledger.OpenLocal(filepath.Join(dir, "ledger.db"), d, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	signer, err := ledger.GenerateSigner()
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	client := &ledger.Client{Ledger: local, Signer: signer, Deriver: d, SubmitTimeout: 5 * time.Second}
	return fixture{
		repo:   r,
		client: client,
		rec:    &Reconciler{Ledger: client, Cache: r, Events: events.Writer{}},
	}
}

func (f fixture) ledgerBatch(t *testing.T, id string, stages int) address.Address {
	t.Helper()
	ctx := context.Background()
	_, addr, err := f.client.CreateBatch(ctx, ledger.CreateBatchParams{
		ID: id, Creator: owner, Holder: holder, ProducerName: "Fazenda Santa Nina", DataHash: strings.Repeat("a", 64),
	})
	require.NoError(t, err)
	for i := 0; i < stages; i++ {
		_, _, err := f.client.AddStage(ctx, ledger.AddStageParams{
			Batch: addr, Index: uint16(i), Actor: holder, StageName: fmt.Sprintf("etapa-%d", i), StageDataHash: strings.Repeat("b", 64),
		})
		require.NoError(t, err)
	}
	return addr
}

func (f fixture) countEvents(t *testing.T, typ string) int {
	t.Helper()
	var n int
	require.NoError(t, f.repo.DB.QueryRow(`SELECT COUNT(*) FROM custody_events WHERE type=?`, typ).Scan(&n))
	return n
}

func TestRepairInsertsMissingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledgerBatch(t, "FSN-2024-001", 2)

	out, err := f.rec.RepairBatch(ctx, addr)
	require.NoError(t, err)
	require.True(t, out.Inserted)

	b, err := f.repo.GetBatch(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, "FSN-2024-001", b.OnchainID)
	require.Equal(t, 2, b.NextStageIndex)
	require.Equal(t, holder.String(), b.CurrentHolderKey)
	require.NotEmpty(t, b.OnchainCreatedAt)
	require.Equal(t, 1, f.countEvents(t, events.BatchRepaired))

	// a second repair finds nothing to do
	out, err = f.rec.RepairBatch(ctx, addr)
	require.NoError(t, err)
	require.False(t, out.Inserted)
	require.Empty(t, out.Repaired)
	require.Equal(t, 1, f.countEvents(t, events.BatchRepaired))
}

func TestRepairAdvancesLaggingFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledgerBatch(t, "FSN-LAG", 0)
	acct, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, f.repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := f.repo.InsertBatch(ctx, tx, FromLedger(acct))
		return err
	}))

	newHolder := address.Address{0x03}
	_, _, err = f.client.AddStage(ctx, ledger.AddStageParams{Batch: addr, Index: 0, Actor: holder, StageName: "colheita", StageDataHash: "h"})
	require.NoError(t, err)
	_, err = f.client.TransferCustody(ctx, addr, holder, newHolder)
	require.NoError(t, err)
	_, err = f.client.FinalizeBatch(ctx, addr, owner)
	require.NoError(t, err)

	out, err := f.rec.RepairBatch(ctx, addr)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"next_stage_index", "current_holder_key", "status"}, out.Repaired)

	b, err := f.repo.GetBatch(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, 1, b.NextStageIndex)
	require.Equal(t, newHolder.String(), b.CurrentHolderKey)
	require.Equal(t, domain.StatusCompleted, b.Status)
}

func TestApplyNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledgerBatch(t, "FSN-OLD", 1)
	old, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)

	newHolder := address.Address{0x04}
	_, _, err = f.client.AddStage(ctx, ledger.AddStageParams{Batch: addr, Index: 1, Actor: holder, StageName: "torra", StageDataHash: "h"})
	require.NoError(t, err)
	_, err = f.client.TransferCustody(ctx, addr, holder, newHolder)
	require.NoError(t, err)
	_, err = f.client.FinalizeBatch(ctx, addr, owner)
	require.NoError(t, err)
	_, err = f.rec.RepairBatch(ctx, addr)
	require.NoError(t, err)

	// replaying an older snapshot changes nothing
	out, err := f.rec.Apply(ctx, old)
	require.NoError(t, err)
	require.Empty(t, out.Repaired)

	b, err := f.repo.GetBatch(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, 2, b.NextStageIndex)
	require.Equal(t, newHolder.String(), b.CurrentHolderKey)
	require.Equal(t, domain.StatusCompleted, b.Status)
}

func TestSweepPagesThroughLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.ledgerBatch(t, fmt.Sprintf("FSN-%02d", i), 0)
	}
	f.rec.PageSize = 2

	res, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Scanned: 5, Inserted: 5}, res)

	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Scanned: 5}, res)

	cached, err := f.repo.ListBatches(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, cached, 5)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	addr := f.ledgerBatch(t, "FSN-RUN", 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, err := f.repo.GetBatch(context.Background(), addr.String())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestReadStagesRepairsLaggingIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledgerBatch(t, "FSN-STAGES", 3)
	acct, err := f.client.FetchBatch(ctx, addr)
	require.NoError(t, err)
	row := FromLedger(acct)
	row.NextStageIndex = 1
	require.NoError(t, f.repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := f.repo.InsertBatch(ctx, tx, row)
		return err
	}))

	stages, err := f.rec.ReadStages(ctx, addr, 1)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for i, st := range stages {
		require.Equal(t, uint16(i), st.Index)
		require.Equal(t, fmt.Sprintf("etapa-%d", i), st.StageName)
	}
	b, err := f.repo.GetBatch(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, 3, b.NextStageIndex)
}

func TestReadStagesStopsAtGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledgerBatch(t, "FSN-GAP", 2)

	stages, err := f.rec.ReadStages(ctx, addr, 5)
	require.NoError(t, err)
	require.Len(t, stages, 2)

	stages, err = f.rec.ReadStages(ctx, address.Address{0x55}, 0)
	require.NoError(t, err)
	require.Empty(t, stages)
}

func TestProjectorRetries(t *testing.T) {
	p := NewProjector(ProjectorConfig{Workers: 1, QueueSize: 4, MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	defer p.Close()
	var calls int32
	require.True(t, p.Submit(Projection{Name: "flaky", Apply: func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("busy")
		}
		return nil
	}}))
	p.Wait()
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	select {
	case e := <-p.Errors():
		t.Fatalf("unexpected abandoned projection: %v", e.Err)
	default:
	}
}

func TestProjectorReportsAbandoned(t *testing.T) {
	p := NewProjector(ProjectorConfig{Workers: 1, QueueSize: 4, MaxAttempts: 2, Backoff: time.Millisecond}, nil)
	defer p.Close()
	require.True(t, p.Submit(Projection{Name: "broken", Batch: "b", Apply: func(context.Context) error {
		return errors.New("down")
	}}))
	p.Wait()
	select {
	case e := <-p.Errors():
		require.Equal(t, "broken", e.Projection.Name)
		require.Equal(t, 2, e.Attempts)
	case <-time.After(time.Second):
		t.Fatalf("expected an abandoned projection report")
	}
}

func TestProjectorDropsWhenFull(t *testing.T) {
	p := NewProjector(ProjectorConfig{Workers: 1, QueueSize: 1, MaxAttempts: 1, Backoff: time.Millisecond}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	block := Projection{Name: "block", Apply: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	noop := Projection{Name: "noop", Apply: func(context.Context) error { return nil }}

	require.True(t, p.Submit(block))
	<-started
	require.True(t, p.Submit(noop))
	require.False(t, p.Submit(noop))
	close(release)
	p.Close()
	require.False(t, p.Submit(noop))
}
