// Package bootstrap wires the process-level concerns: configuration,
// logging and the run loop with signal handling.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies built at boot.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp loads configuration and builds the logger. Any failure here is
// fatal for the process.
func NewApp(tuningPath string) (*App, error) {
	cfg, err := config.Load(tuningPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.Tuning.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a component with a blocking Run that honors ctx cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// Run drives the runners until the first failure or a termination signal,
// then waits for all of them to unwind.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}
