package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appff/nightshift/internal/completion"
	"github.com/appff/nightshift/internal/confidence"
	"github.com/appff/nightshift/internal/config"
	"github.com/appff/nightshift/internal/engine"
	"github.com/appff/nightshift/internal/executor"
	"github.com/appff/nightshift/internal/guard"
	"github.com/appff/nightshift/internal/logging"
	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/parallel"
	"github.com/appff/nightshift/internal/persona"
	"github.com/appff/nightshift/internal/reflexion"
	"github.com/appff/nightshift/internal/telemetry"
)

var (
	reviewMode bool
	dryRun     bool
	parallelN  int
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a mission manifest to completion",
	Long: `Run loads the mission manifest, acquires the manifest lock, and drives
every task to a terminal state. Progress is written back to the manifest
after each transition, so an interrupted run resumes where it stopped.

Examples:
  # Run a mission overnight
  nightshift run missions/cleanup.yaml

  # Plan only, mutate nothing
  nightshift run --review missions/cleanup.yaml

  # Up to 4 independent tasks at once
  nightshift run --parallel-n 4 missions/cleanup.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runMission,
}

func init() {
	runCmd.Flags().BoolVar(&reviewMode, "review", false, "plan and verify without mutating anything")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the manifest and settings, then exit")
	runCmd.Flags().IntVar(&parallelN, "parallel-n", 0, "run up to N independent tasks concurrently (0 = follow settings and manifest)")
}

func runMission(cmd *cobra.Command, args []string) error {
	manifestPath := args[0]

	cfg, err := loadSettings()
	if err != nil {
		return configErr(err)
	}

	m, err := mission.LoadManifest(manifestPath)
	if err != nil {
		return configErr(err)
	}

	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "manifest %s and settings %s are valid (%d tasks)\n",
			manifestPath, settingsPath, len(m.Tasks))
		return nil
	}

	logger, runLog, err := buildLogger(cfg)
	if err != nil {
		return configErr(err)
	}
	defer logging.Sync(logger)
	if runLog != "" {
		logger.Info("run log", zap.String("path", runLog))
	}

	tel, err := telemetry.New(cmd.Context(), cfg.Telemetry, version, logger)
	if err != nil {
		return configErr(fmt.Errorf("telemetry: %w", err))
	}
	defer tel.Shutdown(context.Background())

	selector, err := persona.NewSelector(cfg.Personas, cfg.PersonaRules)
	if err != nil {
		return configErr(err)
	}

	ledger, err := mission.NewLedger(manifestPath, m, logger)
	if err != nil {
		return executionErr(err)
	}
	defer ledger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ledger.Watch(ctx); err != nil {
		logger.Warn("manifest watch unavailable", zap.Error(err))
	}

	var wsGuard *guard.Guard
	if cfg.Safety.RollbackOnFailure && !reviewMode {
		wsGuard, err = guard.NewGuard(m.ProjectPath, logger)
		if err != nil {
			return executionErr(fmt.Errorf("workspace guard: %w", err))
		}
		if cfg.Safety.BackupBranch {
			branch, err := wsGuard.BackupBranch(ctx)
			if err != nil {
				return executionErr(fmt.Errorf("backup branch: %w", err))
			}
			logger.Info("mission backup branch created", zap.String("branch", branch))
		}
	}

	storePath := cfg.Memory.Path
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(m.ProjectPath, storePath)
	}
	store, err := reflexion.NewStore(storePath, cfg.Memory.TopK, logger)
	if err != nil {
		return executionErr(fmt.Errorf("evidence store: %w", err))
	}
	defer store.Close()

	completionGate := completion.NewGate(cfg.Completion.Enabled, cfg.Completion.FailureKeywords, logger)
	confidenceGate := confidence.NewGate(logger)

	workers := cfg.Parallel.MaxWorkers
	if parallelN > 0 {
		workers = parallelN
	}
	useParallel := (m.Parallel || parallelN > 1) && workers > 1 && !reviewMode

	engineCfg := engine.Config{
		MaxRetries:          cfg.Engine.MaxRetries,
		TurnBudget:          cfg.Engine.TurnBudget,
		ConfidenceThreshold: cfg.Confidence.Threshold,
		RollbackOnFailure:   cfg.Safety.RollbackOnFailure,
		Review:              reviewMode,
		Workspace:           m.ProjectPath,
	}
	if cfg.Engine.Resume {
		engineCfg.RunStatePath = mission.RunStatePath(manifestPath)
	}

	var summary engine.Summary
	if useParallel {
		summary, err = runParallel(ctx, cfg, engineCfg, workers, m, ledger, selector, completionGate, confidenceGate, store, logger)
	} else {
		summary, err = runSequential(ctx, cfg, engineCfg, m, ledger, selector, completionGate, confidenceGate, store, wsGuard, logger)
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary, ledger.Snapshot()))

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: exitInterrupted, err: errors.New("interrupted")}
		}
		return executionErr(err)
	}
	if summary.Blocked > 0 {
		return executionErr(fmt.Errorf("%d task(s) blocked", summary.Blocked))
	}
	return nil
}

func runSequential(
	ctx context.Context,
	cfg *config.Config,
	engineCfg engine.Config,
	m *mission.Mission,
	ledger *mission.Ledger,
	selector *persona.Selector,
	completionGate *completion.Gate,
	confidenceGate *confidence.Gate,
	store *reflexion.Store,
	wsGuard *guard.Guard,
	logger *zap.Logger,
) (engine.Summary, error) {
	planner, err := executor.New(cfg.Planner, m.ProjectPath, logger.Named("planner"))
	if err != nil {
		return engine.Summary{}, err
	}
	worker, err := executor.New(cfg.Worker, m.ProjectPath, logger.Named("worker"))
	if err != nil {
		return engine.Summary{}, err
	}

	deps := engine.Deps{
		Ledger:     ledger,
		Planner:    planner,
		Worker:     worker,
		Confidence: confidenceGate,
		Completion: completionGate,
		Selector:   selector,
		Store:      store,
		Logger:     logger,
	}
	if wsGuard != nil {
		deps.Guard = wsGuard
	}

	eng, err := engine.New(engineCfg, deps)
	if err != nil {
		return engine.Summary{}, err
	}
	return eng.Run(ctx)
}

func runParallel(
	ctx context.Context,
	cfg *config.Config,
	engineCfg engine.Config,
	workers int,
	m *mission.Mission,
	ledger *mission.Ledger,
	selector *persona.Selector,
	completionGate *completion.Gate,
	confidenceGate *confidence.Gate,
	store *reflexion.Store,
	logger *zap.Logger,
) (engine.Summary, error) {
	factory := func(slotDir string, preAccept func(ctx context.Context, taskID string) error) (parallel.Runner, error) {
		planner, err := executor.New(cfg.Planner, slotDir, logger.Named("planner"))
		if err != nil {
			return nil, err
		}
		worker, err := executor.New(cfg.Worker, slotDir, logger.Named("worker"))
		if err != nil {
			return nil, err
		}

		slotCfg := engineCfg
		slotCfg.Workspace = slotDir
		slotCfg.RunStatePath = "" // slot progress is not resumable
		slotCfg.RollbackOnFailure = false

		// Slot copies exclude .git: isolation replaces rollback, a failed
		// slot is simply discarded.
		eng, err := engine.New(slotCfg, engine.Deps{
			Ledger:     ledger,
			Planner:    planner,
			Worker:     worker,
			Confidence: confidenceGate,
			Completion: completionGate,
			Selector:   selector,
			Store:      store,
			Logger:     logger.With(zap.String("slot", filepath.Base(slotDir))),
			PreAccept:  preAccept,
		})
		if err != nil {
			return nil, err
		}
		return eng, nil
	}

	coord, err := parallel.NewCoordinator(parallel.Config{
		MaxWorkers: workers,
		Workspace:  m.ProjectPath,
	}, ledger, factory, logger)
	if err != nil {
		return engine.Summary{}, err
	}
	return coord.Run(ctx)
}

func loadSettings() (*config.Config, error) {
	cfg, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, string, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Log.Dir != "" {
		logCfg.Dir = cfg.Log.Dir
	}
	format := cfg.Log.Format
	if logFormat != "" {
		format = logFormat
	}
	if format != "" {
		logCfg.Format = format
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if level != "" {
		parsed, err := logging.LevelFromString(level)
		if err != nil {
			return nil, "", err
		}
		logCfg.Level = parsed
	}
	if err := logCfg.Validate(); err != nil {
		return nil, "", err
	}
	return logging.New(logCfg)
}
