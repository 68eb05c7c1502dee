// Package reconcile keeps the cache converging on ledger state: it applies
// post-commit projections, repairs lagging rows, and sweeps all ledger batches.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"custodyline/internal/address"
	"custodyline/internal/domain"
	"custodyline/internal/events"
	"custodyline/internal/ledger"
	"custodyline/internal/logging"
	"custodyline/internal/metrics"
)

// Cache is the part of the cache store reconciliation writes to.
type Cache interface {
	InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) (bool, error)
	AdvanceStageIndex(ctx context.Context, tx *sql.Tx, address string, next int) (bool, error)
	SetHolder(ctx context.Context, tx *sql.Tx, address, holder string, slot uint64) (bool, error)
	MarkCompleted(ctx context.Context, tx *sql.Tx, address string) (bool, error)
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

const (
	defaultPageSize    = 100
	defaultProbeWidth  = 8
	defaultSweepPeriod = time.Minute
)

type Reconciler struct {
	Ledger *ledger.Client
	Cache  Cache
	Events events.Writer
	Log    *zap.Logger
	// PageSize bounds each ledger page during a sweep.
	PageSize int
	// ProbeWidth bounds concurrent stage reads.
	ProbeWidth int
}

// Outcome describes what a repair changed.
type Outcome struct {
	Address  string   `json:"address"`
	Inserted bool     `json:"inserted"`
	Repaired []string `json:"repaired,omitempty"`
}

type SweepResult struct {
	Scanned  int `json:"scanned"`
	Inserted int `json:"inserted"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// FromLedger is the cache projection of a ledger batch account.
func FromLedger(b ledger.BatchAccount) domain.Batch {
	return domain.Batch{
		Address:          b.Address.String(),
		OnchainID:        b.ID,
		BrandOwnerKey:    b.Creator.String(),
		ProducerName:     b.ProducerName,
		DataHash:         b.DataHash,
		CurrentHolderKey: b.CurrentHolder.String(),
		Status:           string(b.Status),
		NextStageIndex:   int(b.NextStageIndex),
		HolderSlot:       b.Slot,
		OnchainCreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// RepairBatch reads addr from the ledger and moves the cache row forward to it.
func (r *Reconciler) RepairBatch(ctx context.Context, addr address.Address) (Outcome, error) {
	b, err := r.Ledger.FetchBatch(ctx, addr)
	if err != nil {
		return Outcome{Address: addr.String()}, err
	}
	return r.Apply(ctx, b)
}

// Apply projects a ledger batch account onto the cache. Missing rows are
// inserted; existing rows only move forward.
func (r *Reconciler) Apply(ctx context.Context, b ledger.BatchAccount) (Outcome, error) {
	out := Outcome{Address: b.Address.String()}
	want := FromLedger(b)
	err := r.Cache.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := r.Cache.InsertBatch(ctx, tx, want)
		if err != nil {
			return err
		}
		if inserted {
			out.Inserted = true
			return r.Events.Append(ctx, tx, events.BatchRepaired, want.Address, "", "", events.EventPayload{
				"batch_id":         want.OnchainID,
				"next_stage_index": want.NextStageIndex,
				"status":           want.Status,
			})
		}
		if ok, err := r.Cache.AdvanceStageIndex(ctx, tx, want.Address, want.NextStageIndex); err != nil {
			return err
		} else if ok {
			out.Repaired = append(out.Repaired, "next_stage_index")
		}
		if ok, err := r.Cache.SetHolder(ctx, tx, want.Address, want.CurrentHolderKey, want.HolderSlot); err != nil {
			return err
		} else if ok {
			out.Repaired = append(out.Repaired, "current_holder_key")
		}
		if b.Status == ledger.StatusCompleted {
			if ok, err := r.Cache.MarkCompleted(ctx, tx, want.Address); err != nil {
				return err
			} else if ok {
				out.Repaired = append(out.Repaired, "status")
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{Address: out.Address}, err
	}
	if out.Inserted {
		metrics.Repairs.WithLabelValues("row").Inc()
	}
	for _, f := range out.Repaired {
		metrics.Repairs.WithLabelValues(f).Inc()
	}
	if out.Inserted || len(out.Repaired) > 0 {
		r.logger().Info("cache repaired from ledger",
			logging.WithBatch(b.Address),
			zap.Bool("inserted", out.Inserted),
			zap.Strings("fields", out.Repaired))
	}
	return out, nil
}

// Sweep walks every batch account on the ledger and repairs its cache row.
// Per-batch failures are logged and counted; the sweep keeps going.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	size := r.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	var res SweepResult
	after := ""
	for {
		page, err := r.Ledger.ListBatches(ctx, after, size)
		if err != nil {
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return res, err
		}
		for _, b := range page {
			res.Scanned++
			out, err := r.Apply(ctx, b)
			if err != nil {
				res.Failed++
				r.logger().Warn("sweep repair failed", logging.WithBatch(b.Address), zap.Error(err))
				continue
			}
			if out.Inserted {
				res.Inserted++
			}
			if len(out.Repaired) > 0 {
				res.Repaired++
			}
		}
		if len(page) < size {
			break
		}
		after = page[len(page)-1].Address.String()
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	return res, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := r.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger().Warn("reconciliation sweep failed", zap.Error(err))
		} else if err == nil {
			r.logger().Debug("reconciliation sweep done",
				logging.WithTotal(res.Scanned),
				zap.Int("inserted", res.Inserted),
				zap.Int("repaired", res.Repaired),
				zap.Int("failed", res.Failed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReadStages returns the contiguous stage history of batch. hint is the cached
// next-stage index: stages below it are read concurrently, then reading goes on
// one index at a time until the ledger has no further stage. The result stops
// at the first missing index. A cache row found lagging is advanced.
func (r *Reconciler) ReadStages(ctx context.Context, batch address.Address, hint int) ([]ledger.StageAccount, error) {
	if hint < 0 {
		hint = 0
	}
	width := r.ProbeWidth
	if width <= 0 {
		width = defaultProbeWidth
	}
	known := make([]*ledger.StageAccount, hint)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(width)
	for i := 0; i < hint; i++ {
		i := i
		p.Go(func(ctx context.Context) error {
			st, err := r.Ledger.FetchStage(ctx, batch, uint16(i))
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			known[i] = &st
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	stages := make([]ledger.StageAccount, 0, hint)
	for _, st := range known {
		if st == nil {
			r.logger().Warn("stage history has a gap below the cached index",
				logging.WithBatch(batch), logging.WithIndex(uint16(len(stages))))
			return stages, nil
		}
		stages = append(stages, *st)
	}
	for next := hint; next < math.MaxUint16; next++ {
		st, err := r.Ledger.FetchStage(ctx, batch, uint16(next))
		if errors.Is(err, ledger.ErrAccountNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	if len(stages) > hint {
		r.advance(ctx, batch.String(), len(stages))
	}
	return stages, nil
}

func (r *Reconciler) advance(ctx context.Context, addr string, next int) {
	ok, err := r.Cache.AdvanceStageIndex(ctx, nil, addr, next)
	if err != nil {
		r.logger().Warn("read-repair of stage index failed", zap.String(logging.FieldBatch, addr), zap.Error(err))
		return
	}
	if ok {
		metrics.Repairs.WithLabelValues("next_stage_index").Inc()
	}
}
