package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nkkko/storepulse/internal/api"
	apichi "github.com/nkkko/storepulse/internal/api/chi"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/cluster"
	"github.com/nkkko/storepulse/internal/config"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/logging"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/storage"
	"github.com/nkkko/storepulse/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all StorePulse components
type Engine struct {
	config      *config.Config
	journal     storage.Storage
	notifier    *notifier.Notifier
	bridge      *cluster.Bridge
	api         domain.APIEngine
	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// CreateEngine builds every component described by cfg. Nothing listens or
// runs in the background until Start is called.
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	storageConfig := cfg.ToStorageConfig()
	if storageConfig.Type == storage.BadgerStorage {
		if err := os.MkdirAll(storageConfig.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	validator, err := auth.NewValidator(cfg.ToAuthConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token validator: %w", err)
	}

	journal, err := storage.NewStorage(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event journal: %w", err)
	}

	opts := []notifier.Option{notifier.WithRecorder(journal)}

	var bridge *cluster.Bridge
	if cfg.Cluster.NATSURL != "" {
		bridge, err = cluster.Connect(cfg.ToClusterConfig())
		if err != nil {
			_ = journal.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to join cluster: %w", err)
		}
		opts = append(opts, notifier.WithRelay(bridge))
	}

	n := notifier.NewNotifier(cfg.ToNotifierConfig(), validator, opts...)

	apiEngine, err := NewAPIEngine(cfg, domain.Services{
		Broadcaster: n,
		Journal:     journal,
		Validator:   validator,
	})
	if err != nil {
		_ = n.Shutdown(context.Background())
		if bridge != nil {
			_ = bridge.Shutdown(context.Background())
		}
		_ = journal.Shutdown(context.Background())
		return nil, err
	}

	return &Engine{
		config:    cfg,
		journal:   journal,
		notifier:  n,
		bridge:    bridge,
		api:       apiEngine,
		logger:    logging.Component("engine"),
	}, nil
}

// NewAPIEngine creates the HTTP host selected by cfg.Server.Framework
func NewAPIEngine(cfg *config.Config, services domain.Services) (domain.APIEngine, error) {
	switch cfg.Server.Framework {
	case config.FrameworkChi, "":
		return apichi.NewChiAPI(cfg.ToChiConfig(), services), nil
	case config.FrameworkFiber:
		return api.NewAPI(cfg.ToFiberConfig(), services), nil
	default:
		return nil, fmt.Errorf("unsupported server framework: %s", cfg.Server.Framework)
	}
}

// Start runs all components until ctx is canceled or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("framework", string(e.config.Server.Framework)).
		Str("storage", e.config.Storage.Type).
		Bool("clustered", e.bridge != nil).
		Msg("Starting StorePulse engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.journal.Start(ctx)
	})

	g.Go(func() error {
		return e.notifier.Start(ctx)
	})

	if e.bridge != nil {
		g.Go(func() error {
			return e.bridge.Start(ctx, e.notifier)
		})
	}

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("StorePulse engine stopped")
	return nil
}

// Shutdown stops the engine. The API goes first so no new sessions arrive
// while connections are being closed; the journal goes last.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down StorePulse engine")

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
	}

	if e.bridge != nil {
		if err := e.bridge.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down cluster bridge")
		}
	}

	if err := e.journal.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down event journal")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	e.logger.Info().Msg("StorePulse engine shut down successfully")
	return nil
}
