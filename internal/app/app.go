// Package app provides the top-level application lifecycle for the
// settlement operator. It wires together all dependencies (stores,
// caches, the anchor client, the ledger, the operator, object storage,
// and notifications) and runs the block-processing loop until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/anchorhub/internal/config"
	"github.com/alanyoungcy/anchorhub/internal/operator"
)

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions that are called in reverse order on
// shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the
// operator loop and the notification relay, and blocks until the context
// is cancelled or the anchor halts.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting operator",
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	// Notices fan out to the relay; round commits additionally trigger
	// the proof archive.
	relayCh := make(chan operator.Notice, 64)
	g.Go(func() error {
		defer close(relayCh)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case n, ok := <-deps.Operator.Notices():
				if !ok {
					return nil
				}
				if n.Kind == operator.NoticeRoundCommitted && deps.Archiver != nil {
					count, err := deps.Archiver.ArchiveRound(ctx, n.Asset, n.Round)
					if err != nil {
						a.logger.WarnContext(ctx, "round archive failed",
							slog.Uint64("round", n.Round),
							slog.String("error", err.Error()),
						)
					} else if count > 0 {
						a.logger.InfoContext(ctx, "round archived",
							slog.Uint64("round", n.Round),
							slog.Int("proofs", count),
						)
					}
				}
				select {
				case relayCh <- n:
				default:
				}
			}
		}
	})

	g.Go(func() error {
		return deps.Relay.Run(ctx, relayCh)
	})

	g.Go(func() error {
		return deps.Operator.Run(ctx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is
// safe to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
