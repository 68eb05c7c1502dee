package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"custodyline/internal/address"
	"custodyline/internal/domain"
	"custodyline/internal/events"
	"custodyline/internal/ledger"
	"custodyline/internal/logging"
	"custodyline/internal/metrics"
	"custodyline/internal/reconcile"
	"custodyline/internal/repo"
)

// Cache is the cache store the engine authorizes from and projects into.
type Cache interface {
	reconcile.Cache
	GetBatch(ctx context.Context, address string) (domain.Batch, error)
	ListBatchesForUser(ctx context.Context, userKey string, limit int, cursorCreatedAt, cursorAddress string) ([]domain.Batch, error)
	MissingPartners(ctx context.Context, ids []string) ([]string, error)
	AddParticipants(ctx context.Context, tx *sql.Tx, batchAddress string, partnerIDs []string) error
	ListParticipants(ctx context.Context, batchAddress string) ([]domain.Partner, error)
	GetParticipant(ctx context.Context, batchAddress, partnerID string) (domain.Partner, error)
	InsertPartner(ctx context.Context, p domain.Partner) error
	ListPartners(ctx context.Context, owner string) ([]domain.Partner, error)
	LatestEvents(ctx context.Context, limit int, batchAddress, before string) ([]domain.Event, error)
}

// Engine runs the custody state machine: it authorizes against the cache,
// commits to the ledger, then projects the result back into the cache.
type Engine struct {
	Ledger     *ledger.Client
	Cache      Cache
	Events     events.Writer
	Reconciler *reconcile.Reconciler
	// Projector runs asynchronous and retried projections. When nil they run inline.
	Projector *reconcile.Projector
	Log       *zap.Logger
	Now       func() time.Time
}

func New(client *ledger.Client, r repo.Repo, projector *reconcile.Projector, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	w := events.Writer{Driver: r.Driver, Now: r.Now}
	return Engine{
		Ledger: client,
		Cache:  r,
		Events: w,
		Reconciler: &reconcile.Reconciler{
			Ledger: client,
			Cache:  r,
			Events: w,
			Log:    log.Named("reconcile"),
		},
		Projector: projector,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// projectNow applies pr immediately; on failure it is logged and handed to the
// projector for retry. The ledger commit already happened, so the error never
// reaches the caller.
func (e Engine) projectNow(ctx context.Context, pr reconcile.Projection) {
	err := pr.Apply(ctx)
	if err == nil {
		return
	}
	metrics.ProjectionFailures.WithLabelValues(pr.Name).Inc()
	e.logger().Warn("cache projection failed, retrying in background",
		logging.WithProjection(pr.Name),
		zap.String(logging.FieldBatch, pr.Batch),
		zap.Error(err))
	if e.Projector != nil {
		e.Projector.Submit(pr)
	}
}

// projectLater queues pr without waiting for it.
func (e Engine) projectLater(ctx context.Context, pr reconcile.Projection) {
	if e.Projector == nil {
		e.projectNow(ctx, pr)
		return
	}
	e.Projector.Submit(pr)
}

// scheduleRepair queues a ledger read of batch to correct a stale cache row.
func (e Engine) scheduleRepair(ctx context.Context, batch address.Address) {
	if e.Reconciler == nil {
		return
	}
	e.projectLater(ctx, reconcile.Projection{
		Name:  "repair",
		Batch: batch.String(),
		Apply: func(ctx context.Context) error {
			_, err := e.Reconciler.RepairBatch(ctx, batch)
			return err
		},
	})
}

// ReconcileBatch repairs one batch's cache row from the ledger now.
func (e Engine) ReconcileBatch(ctx context.Context, batchAddress string) (reconcile.Outcome, error) {
	addr, err := parseAddress("batch address", batchAddress)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	out, err := e.Reconciler.RepairBatch(ctx, addr)
	if err != nil {
		return out, fromLedger("reconcile batch", err)
	}
	return out, nil
}

// Sweep reconciles every ledger batch into the cache.
func (e Engine) Sweep(ctx context.Context) (reconcile.SweepResult, error) {
	res, err := e.Reconciler.Sweep(ctx)
	if err != nil {
		return res, fromLedger("reconciliation sweep", err)
	}
	return res, nil
}

func parseAddress(field, value string) (address.Address, error) {
	if value == "" {
		return address.Address{}, validationf("%s is required", field)
	}
	a, err := address.Parse(value)
	if err != nil {
		return address.Address{}, validationf("%s %q is not a valid base58 key", field, value)
	}
	return a, nil
}
