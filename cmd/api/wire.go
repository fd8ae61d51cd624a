package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/config"
	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/inference"
	"github.com/bryanwahyu/medscan/internal/domain/scanerrors"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
	"github.com/bryanwahyu/medscan/internal/infra/ai/openai"
	"github.com/bryanwahyu/medscan/internal/infra/ai/rules"
	"github.com/bryanwahyu/medscan/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/medscan/internal/infra/db/mysql"
	"github.com/bryanwahyu/medscan/internal/infra/db/postgres"
	"github.com/bryanwahyu/medscan/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/medscan/internal/logging"
)

// stores is the record store picked by database.driver.
type stores struct {
	scans    scans.Repository
	analyses analysis.Repository
	failures scanerrors.Repository

	ping    func(ctx context.Context) error
	migrate func(ctx context.Context) error
	close   func() error
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config load error: %w", err)
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	d := cfg.Database
	switch d.Driver {
	case "memory":
		log.Warn().Msg("using the in-memory record store; data is lost on restart")
		db := memory.New()
		return &stores{
			scans:    db.Scans(),
			analyses: db.Analyses(),
			failures: db.ScanErrors(),
			ping:     func(context.Context) error { return nil },
			migrate:  func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil

	case "mysql":
		dsn := d.DSN
		if dsn == "" {
			dsn = mysqlp.DSN(d.User, d.Password, d.Host, d.Port, d.Name)
		}
		db, err := mysqlp.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("mysql connect error: %w", err)
		}
		st := mysqlp.NewStore(db)
		return sqlStores(st, func(ctx context.Context) error { return mysqlp.Migrate(ctx, db) }), nil

	case "postgres":
		dsn := d.DSN
		if dsn == "" {
			dsn = postgres.DSN(d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
		}
		db, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres connect error: %w", err)
		}
		st := postgres.NewStore(db)
		return sqlStores(st, func(ctx context.Context) error { return postgres.Migrate(ctx, db) }), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", d.Driver)
}

func sqlStores(st *sqlstore.Store, migrate func(context.Context) error) *stores {
	return &stores{
		scans:    st.Scans(),
		analyses: st.Analyses(),
		failures: st.ScanErrors(),
		ping:     st.Ping,
		migrate:  migrate,
		close:    st.DB().Close,
	}
}

func endpoints(cfg *config.Config) map[inference.Task]string {
	out := make(map[inference.Task]string, len(cfg.Inference.Endpoints))
	for task, url := range cfg.Inference.Endpoints {
		out[inference.Task(task)] = url
	}
	return out
}

// summarizer returns nil for provider "none".
func summarizer(cfg *config.Config) inference.Summarizer {
	s := cfg.Summarizer
	switch s.Provider {
	case "openai":
		if s.BaseURL != "" {
			return openai.NewClientWithBaseURL(s.APIKey, s.Model, s.BaseURL)
		}
		return openai.NewClient(s.APIKey, s.Model)
	case "rules":
		return rules.New()
	}
	return nil
}
