// Package app wires a workspace into a running engine and regulator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"homeostat/internal/config"
	"homeostat/internal/contenttype"
	"homeostat/internal/db"
	"homeostat/internal/engine"
	"homeostat/internal/gateway/github"
	"homeostat/internal/ledger"
	"homeostat/internal/metrics"
	"homeostat/internal/migrate"
	"homeostat/internal/regulator"
)

// App holds everything opened for one workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Ledger     ledger.Store
	RuntimeLog ledger.RuntimeLog
	Regulator  *regulator.Runtime
	Metrics    *metrics.Collector
	Logger     zerolog.Logger

	closers []func()
}

// Open creates the workspace if needed, migrates its database and builds the
// engine, ledger and regulator from cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, nil)
	a.Engine = engine.New(conn, contenttype.Default())
	a.Engine.Metrics = a.Metrics.Evaluation

	switch cfg.Ledger.Driver {
	case config.LedgerPostgres:
		pg, err := ledger.OpenPostgres(ctx, cfg.Ledger.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.Ledger, a.RuntimeLog = pg, pg
	default:
		s := ledger.SQLiteStore{DB: conn}
		a.Ledger, a.RuntimeLog = s, s
	}

	var gateway github.Gateway
	if cfg.GitHub.Token != "" {
		gateway = github.New(cfg.GitHub.APIURL, cfg.GitHub.Token)
	} else {
		logger.Debug().Msg("github token not configured; github-pr actions will be declined")
	}

	regLogger := logger.With().Str("component", "regulator").Logger()
	a.Regulator = &regulator.Runtime{
		Core:       a.Engine,
		Discoverer: a.Engine.Repo,
		Ledger:     a.Ledger,
		Log:        a.RuntimeLog,
		Gateway:    gateway,
		Allowlist: regulator.Allowlist{
			Repositories:    cfg.Allowlist.Repositories,
			BaseBranches:    cfg.Allowlist.BaseBranches,
			TargetOrganisms: cfg.Allowlist.TargetOrganisms,
		},
		Options: regulator.Options{
			BoundaryOrganismIDs: cfg.Regulator.BoundaryOrganismIDs,
			RunnerUserID:        cfg.Regulator.RunnerUserID,
			Workers:             cfg.Regulator.Workers,
			ActionConcurrency:   cfg.Regulator.ActionConcurrency,
			DefaultCooldown:     time.Duration(cfg.Regulator.DefaultCooldownSeconds) * time.Second,
		},
		Metrics: a.Metrics.Regulator,
		Logger:  &regLogger,
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
