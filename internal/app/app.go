// Package app opens a workspace: the cache database, the embedded ledger and
// the custody engine wired on top of them.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/engine"
	"custodyline/internal/ledger"
	"custodyline/internal/logging"
	"custodyline/internal/migrate"
	"custodyline/internal/reconcile"
	"custodyline/internal/repo"
)

type Options struct {
	Workspace string
	// Config overrides custodyline.yml in Workspace.
	Config *config.Config
	Log    *zap.Logger
	// Async starts a projector so deferred projections run in the background.
	// Short-lived commands leave it off and project inline.
	Async bool
}

type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Repo      repo.Repo
	Ledger    *ledger.Local
	Client    *ledger.Client
	Projector *reconcile.Projector
	Engine    engine.Engine
}

// Open resolves config, opens and migrates both databases and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log := opts.Log
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Cache.Driver, DSN: cfg.Cache.DSN})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		conn.Close()
		return nil, err
	}
	local, err := ledger.OpenLocal(db.LedgerPath(opts.Workspace), cfg.Deriver(), log.Named("ledger"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	signer, err := payer(cfg, log)
	if err != nil {
		local.Close()
		conn.Close()
		return nil, err
	}
	client := &ledger.Client{
		Ledger:        local,
		Signer:        signer,
		Deriver:       cfg.Deriver(),
		SubmitTimeout: cfg.Ledger.SubmitTimeout,
		Log:           log.Named("ledger"),
	}

	r := repo.Repo{DB: conn, Driver: cfg.Cache.Driver}
	var projector *reconcile.Projector
	if opts.Async {
		projector = reconcile.NewProjector(reconcile.ProjectorConfig{
			Workers:     cfg.Projector.Workers,
			QueueSize:   cfg.Projector.QueueSize,
			MaxAttempts: cfg.Projector.MaxAttempts,
			Backoff:     cfg.Projector.Backoff,
		}, log.Named("projector"))
	}
	eng := engine.New(client, r, projector, log)
	eng.Reconciler.PageSize = cfg.Reconcile.PageSize

	return &App{
		Config:    cfg,
		Log:       log,
		Repo:      r,
		Ledger:    local,
		Client:    client,
		Projector: projector,
		Engine:    eng,
	}, nil
}

func payer(cfg *config.Config, log *zap.Logger) (*ledger.Signer, error) {
	if cfg.Ledger.PayerKey == "" {
		s, err := ledger.GenerateSigner()
		if err != nil {
			return nil, err
		}
		log.Warn("no payer key configured, using an ephemeral one", zap.String("payer", s.PublicKey()))
		return s, nil
	}
	s, err := ledger.SignerFromHex(cfg.Ledger.PayerKey)
	if err != nil {
		return nil, fmt.Errorf("config.ledger.payer_key: %w", err)
	}
	return s, nil
}

// Close drains pending projections, then closes both databases.
func (a *App) Close() error {
	if a.Projector != nil {
		a.Projector.Close()
	}
	lerr := a.Ledger.Close()
	if err := a.Repo.DB.Close(); err != nil {
		return err
	}
	return lerr
}
