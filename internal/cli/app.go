package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/calendar"
	"github.com/roach88/rollbook/internal/config"
	"github.com/roach88/rollbook/internal/engine"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/record"
	"github.com/roach88/rollbook/internal/remote/filestore"
	"github.com/roach88/rollbook/internal/workset"
)

// App bundles the wired engine stack a command works against: the
// durable queue, the file-backed remote store, the period registry and
// the engine coordinating them.
type App struct {
	Config config.Config
	Set    *workset.Set
	Queue  *queue.Queue
	Server *filestore.Store
	Engine *engine.Engine
	Rec    *engine.Reconciler
}

// resolveConfig loads the configuration and applies flag overrides.
func resolveConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.Store != "" {
		cfg.StorePath = opts.Store
	}
	if opts.Calendar != "" {
		cfg.CalendarPath = opts.Calendar
	}
	if opts.Offline {
		cfg.Offline = true
	}
	if opts.Verbose {
		cfg.Verbose = true
	}

	return cfg, nil
}

// openApp resolves configuration, loads the calendar and wires the
// engine over the queue database and remote store document.
func openApp(opts *RootOptions) (*App, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to prepare data dir", err)
	}

	cal, err := calendar.Load(cfg.CalendarPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load calendar", err)
	}
	reg, err := cal.Registry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid calendar", err)
	}

	q, err := queue.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue database", err)
	}

	server := filestore.New(cfg.StorePath)
	set := workset.New()
	conn := engine.NewConnectivity(!cfg.Offline)
	eng := engine.New(set, q, reg, server, conn, engine.WithTimeout(cfg.RemoteTimeout))
	rec := engine.NewReconciler(eng)

	slog.Debug("app ready",
		"db", cfg.DBPath,
		"store", cfg.StorePath,
		"calendar", cfg.CalendarPath,
		"online", !cfg.Offline,
	)

	return &App{
		Config: cfg,
		Set:    set,
		Queue:  q,
		Server: server,
		Engine: eng,
		Rec:    rec,
	}, nil
}

// Close releases the queue database.
func (a *App) Close() {
	if err := a.Queue.Close(); err != nil {
		slog.Error("error closing queue database", "error", err)
	}
}

// Preload mirrors the stored record for key into the working set, so a
// following edit patches it instead of creating a fresh record. A key
// the store doesn't hold stays absent; read trouble is treated the same
// way, the edit then queues or commits as a create.
func (a *App) Preload(ctx context.Context, key record.Key) {
	recs, err := a.Server.Fetch(ctx, []record.Key{key})
	if err != nil {
		slog.Debug("preload skipped", "key", key.String(), "error", err)
		return
	}
	if len(recs) == 1 {
		a.Set.Put(recs[0])
	}
}

// failSetup reports a bootstrap failure through the formatter,
// preserving the exit code it carries.
func failSetup(f *OutputFormatter, err error) error {
	_ = f.Error(ErrCodeSetup, err.Error(), nil)
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee
	}
	return NewExitError(ExitCommandError, err.Error())
}

// commandContext returns the command's context, or a fresh one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
