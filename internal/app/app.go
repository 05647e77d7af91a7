package app

import (
	"context"
	"fmt"

	"helmsman/internal/audit"
	"helmsman/internal/config"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/scheduler"
	opshttp "helmsman/internal/transport/http/ops"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: load config, build the
// dependency graph, run the tick loop and the ops HTTP server.
type App struct {
	cfg     *config.Config
	sched   *scheduler.Scheduler
	ops     *opshttp.Server
	book    *ledger.Store
	journal *audit.Log
	Summary *StartupSummary
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg)
}

// Run starts the scheduler and the ops HTTP server and blocks until the
// context is canceled or either fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.ops != nil {
		group.Go(func() error {
			if err := a.ops.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return a.sched.Run(ctx)
	})

	err := group.Wait()
	a.close()
	return err
}

// Scheduler exposes the tick loop (for replay harnesses).
func (a *App) Scheduler() *scheduler.Scheduler {
	if a == nil {
		return nil
	}
	return a.sched
}

func (a *App) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warnf("closing audit log failed: %v", err)
		}
	}
	if a.book != nil {
		if err := a.book.Close(); err != nil {
			logger.Warnf("closing store failed: %v", err)
		}
	}
}
