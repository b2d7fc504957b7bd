// File: cmd/components.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/experience"
	"github.com/xkilldash9x/sentient-cli/internal/llmclient"
	"github.com/xkilldash9x/sentient-cli/internal/loop"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
	"github.com/xkilldash9x/sentient-cli/internal/planner"
	"github.com/xkilldash9x/sentient-cli/internal/store"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
	"github.com/xkilldash9x/sentient-cli/internal/tools"
	"github.com/xkilldash9x/sentient-cli/internal/trace"
)

const (
	// experienceWindow is the number of samples kept per step or tool.
	experienceWindow = 10
	pruneTimeout     = 5 * time.Second
)

var errNoDatabase = errors.New("database URL is not configured (SENTIENT_DATABASE_URL)")

// runArchive is the part of the Postgres store the CLI uses.
type runArchive interface {
	store.RunSaver
	RecentRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
	StepsByRun(ctx context.Context, runID string) ([]schemas.StepTrace, error)
}

// storeProvider creates the run archive. Tests inject a fake instead of a
// live database connection.
type storeProvider interface {
	// Create returns the archive and a cleanup function releasing its pool.
	Create(ctx context.Context, cfg config.Interface) (runArchive, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the production provider backed by pgxpool.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects, migrates and returns the archive.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (runArchive, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, errNoDatabase
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return st, cleanup, nil
}

// components is what both plan and run need: tools, the optional model, and
// a planner over them.
type components struct {
	registry *tools.Registry
	llm      schemas.LLMClient
	planner  *planner.Planner
	logger   *zap.Logger
	closers  []func()
}

func buildComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	if cfg.LLM().Provider != config.ProviderNone {
		client, err := llmclient.NewClient(ctx, cfg.LLM(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		c.llm = client
		c.onClose(func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close LLM client.", zap.Error(err))
			}
		})
	}

	logSource := cfg.Tools().LogSource
	if logSource == "" {
		logSource = cfg.Logger().LogFile
	}
	c.registry = tools.NewRegistry(cfg.Tools(), toolchain.NewStandardChain(), logger)
	tools.RegisterBuiltins(c.registry, tools.BuiltinOptions{
		LogSource:     logSource,
		MaxLogEntries: cfg.Tools().MaxLogEntries,
		LLM:           c.llm,
		Logger:        logger,
	})

	var strategy planner.Strategy = planner.HeuristicStrategy{}
	if cfg.Planner().Strategy == "llm" {
		if c.llm == nil {
			logger.Warn("Planner strategy 'llm' requested without an LLM provider; using heuristic templates.")
		} else {
			strategy = planner.NewLLMStrategy(c.llm, c.registry.Names(), cfg.Planner().LLMTemperature, nil, logger)
		}
	}
	c.planner = planner.New(cfg.Planner(), strategy, logger)
	return c, nil
}

func (c *components) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// traceSinks opens the configured sinks. Failures of optional backends are
// logged and the run goes on without them.
func (c *components) traceSinks(ctx context.Context, cfg config.Interface, provider storeProvider) schemas.TraceSink {
	var sinks []schemas.TraceSink
	logger := c.logger

	if tc := cfg.Trace(); tc.Enabled {
		jsonl, err := trace.NewJSONLSink(tc.Path, tc.BufferSize, logger)
		if err != nil {
			logger.Warn("Trace file unavailable.", zap.Error(err))
		} else {
			sinks = append(sinks, jsonl)
			c.onClose(func() {
				if err := jsonl.Close(); err != nil {
					logger.Warn("Failed to close trace file.", zap.Error(err))
				}
				if n := jsonl.Dropped(); n > 0 {
					logger.Warn("Trace records dropped.", zap.Int64("count", n))
				}
			})
		}
		if tc.RLDir != "" {
			episodes, err := trace.NewEpisodeWriter(tc.RLDir, logger)
			if err != nil {
				logger.Warn("RL trace directory unavailable.", zap.Error(err))
			} else {
				sinks = append(sinks, episodes)
			}
		}
	}

	if cfg.Database().URL != "" && provider != nil {
		arch, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			logger.Warn("Run archive unavailable.", zap.Error(err))
		} else {
			if cleanup != nil {
				c.onClose(cleanup)
			}
			archiver := store.NewArchiver(arch, 0, 0, logger)
			sinks = append(sinks, archiver)
			c.onClose(archiver.Close)
		}
	}
	return trace.Multi(sinks...)
}

// adaptation builds the engine, warmed from the experience file when one is
// configured.
func (c *components) adaptation(ctx context.Context, cfg config.Interface) *loop.AdaptationEngine {
	path := cfg.Experience().Path
	if path == "" {
		return loop.NewAdaptationEngine(nil, c.logger)
	}
	exp, err := experience.Open(path, c.logger)
	if err != nil {
		c.logger.Warn("Experience store unavailable; starting cold.", zap.Error(err))
		return loop.NewAdaptationEngine(nil, c.logger)
	}
	c.onClose(func() {
		pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneTimeout)
		defer cancel()
		if _, err := exp.Prune(pruneCtx, experienceWindow); err != nil {
			c.logger.Warn("Failed to prune experience.", zap.Error(err))
		}
		if err := exp.Close(); err != nil {
			c.logger.Warn("Failed to close experience store.", zap.Error(err))
		}
	})

	engine := loop.NewAdaptationEngine(exp, c.logger)
	if err := engine.Warm(ctx); err != nil {
		c.logger.Warn("Failed to load experience.", zap.Error(err))
	}
	return engine
}
