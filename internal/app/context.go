package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	charmLog "github.com/charmbracelet/log"

	"leadflow/internal/config"
	"leadflow/internal/db"
	"leadflow/internal/engine"
	"leadflow/internal/logging"
	"leadflow/internal/migrate"
	"leadflow/internal/repo"
)

// Runtime is an opened workspace: migrated database, loaded config, logger and engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Log       *charmLog.Logger
	Engine    engine.Engine
}

// Options tune Open. A zero value opens the workspace with its config file, or defaults.
type Options struct {
	// DBPath overrides the workspace database location.
	DBPath string
	// LogOutput receives structured logs; nil discards them.
	LogOutput io.Writer
	// LogLevel overrides logging.level from the config when set.
	LogLevel string
}

// Open prepares the workspace, migrates the schema and wires the engine.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.New(opts.LogOutput, cfg.Logging)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Log = logger
	if len(applied) > 0 {
		logger.Info("schema migrated", "applied", applied)
	}
	logger.Debug("workspace opened", "workspace", workspace, "db", db.Path(workspace))
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Log:       logger,
		Engine:    e,
	}, nil
}

// Repo returns the store bound to the runtime's database.
func (r *Runtime) Repo() repo.Repo {
	return r.Engine.Repo
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
