// Package parallel runs dependency-free tasks concurrently, each in an
// isolated copy of the workspace. The shared ledger stays the single source
// of truth; slot results are reconciled back one task at a time, and two
// slots touching the same file is a conflict that fails the later task
// rather than an auto-merge.
package parallel

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/appff/nightshift/internal/engine"
	"github.com/appff/nightshift/internal/mission"
)

const instrumentationName = "github.com/appff/nightshift/internal/parallel"

// Runner drives one task to a terminal state, the way the engine does.
type Runner interface {
	RunTask(ctx context.Context, task *mission.Task) (engine.TaskResult, error)
}

// Factory builds a Runner bound to a slot workspace. preAccept must be
// installed as the runner's acceptance hook; the coordinator uses it to
// merge slot changes before a task may complete.
type Factory func(slotDir string, preAccept func(ctx context.Context, taskID string) error) (Runner, error)

// Config bounds the coordinator.
type Config struct {
	// MaxWorkers caps concurrently running slots.
	MaxWorkers int

	// Workspace is the real project root.
	Workspace string

	// SlotRoot holds the per-task workspace copies. Defaults to
	// <Workspace>/.nightshift/slots.
	SlotRoot string

	// Excludes extends the default copy exclusions.
	Excludes []string
}

// Coordinator fans runnable tasks out over isolated workspace slots.
type Coordinator struct {
	cfg     Config
	ledger  *mission.Ledger
	factory Factory
	logger  *zap.Logger
	tracer  trace.Tracer

	mu sync.Mutex
	// claims maps merged file paths to the task that changed them.
	claims map[string]string
}

// NewCoordinator validates dependencies and builds a coordinator.
func NewCoordinator(cfg Config, ledger *mission.Ledger, factory Factory, logger *zap.Logger) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if factory == nil {
		return nil, errors.New("runner factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	if cfg.SlotRoot == "" {
		cfg.SlotRoot = filepath.Join(cfg.Workspace, ".nightshift", "slots")
	}
	return &Coordinator{
		cfg:     cfg,
		ledger:  ledger,
		factory: factory,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		claims:  make(map[string]string),
	}, nil
}

// Run executes runnable batches until no task is left to claim.
func (c *Coordinator) Run(ctx context.Context) (engine.Summary, error) {
	ctx, span := c.tracer.Start(ctx, "parallel.run")
	defer span.End()

	start := time.Now()
	summary := engine.Summary{Mission: c.ledger.Mission().Name}

	for {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		batch := c.ledger.RunnableBatch(c.cfg.MaxWorkers)
		if len(batch) == 0 {
			break
		}

		// Claim the whole batch up front so no slot races another for the
		// same task. The clones are refreshed to match: runners must see
		// the claimed status, not the pre-claim snapshot.
		for _, task := range batch {
			if err := c.ledger.Transition(ctx, task.ID, mission.StatusInProgress, ""); err != nil {
				summary.Elapsed = time.Since(start)
				return summary, err
			}
			task.Status = mission.StatusInProgress
		}
		if err := c.ledger.Save(ctx); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		results := make([]engine.TaskResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.MaxWorkers)
		for i, task := range batch {
			i, task := i, task
			g.Go(func() error {
				res, err := c.runSlot(gctx, task)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		for _, res := range results {
			switch res.Status {
			case mission.StatusDone:
				summary.Done++
				if res.Forced {
					summary.Forced++
				}
			case mission.StatusBlocked:
				summary.Blocked++
			}
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// runSlot prepares an isolated workspace, runs the task in it, and waits
// out quota suspensions in place.
func (c *Coordinator) runSlot(ctx context.Context, task *mission.Task) (engine.TaskResult, error) {
	ctx, span := c.tracer.Start(ctx, "parallel.slot")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	slotDir := filepath.Join(c.cfg.SlotRoot, task.ID)
	if err := os.RemoveAll(slotDir); err != nil {
		return engine.TaskResult{}, fmt.Errorf("failed to clear slot dir: %w", err)
	}
	if err := os.MkdirAll(slotDir, 0o755); err != nil {
		return engine.TaskResult{}, fmt.Errorf("failed to create slot dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(slotDir); err != nil {
			c.logger.Warn("failed to clean slot dir", zap.String("dir", slotDir), zap.Error(err))
		}
	}()

	baseline, err := copyWorkspace(c.cfg.Workspace, slotDir, c.cfg.Excludes)
	if err != nil {
		return engine.TaskResult{}, err
	}
	c.logger.Debug("slot workspace prepared",
		zap.String("task_id", task.ID),
		zap.Int("files", len(baseline)),
	)

	runner, err := c.factory(slotDir, func(hookCtx context.Context, taskID string) error {
		return c.mergeSlot(hookCtx, slotDir, baseline, taskID)
	})
	if err != nil {
		return engine.TaskResult{}, err
	}

	for {
		res, err := runner.RunTask(ctx, task)
		if err != nil {
			return res, err
		}
		if !res.Suspended {
			return res, nil
		}
		if err := c.waitForQuota(ctx, res.ResetAt); err != nil {
			return res, err
		}
	}
}

// mergeSlot copies a slot's changed files back into the real workspace.
// A file already merged by another task is a conflict and vetoes the merge.
func (c *Coordinator) mergeSlot(_ context.Context, slotDir string, baseline map[string][sha256.Size]byte, taskID string) error {
	changed, err := changedFiles(slotDir, baseline, c.cfg.Excludes)
	if err != nil {
		return err
	}
	sort.Strings(changed)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rel := range changed {
		if owner, taken := c.claims[rel]; taken && owner != taskID {
			return fmt.Errorf("conflicting changes to %s: already modified by task %s", rel, owner)
		}
	}
	for _, rel := range changed {
		src := filepath.Join(slotDir, rel)
		dst := filepath.Join(c.cfg.Workspace, rel)
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("failed to stat slot file %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create target dir for %s: %w", rel, err)
		}
		// Replace via rename: a plain in-place write would flow through
		// hard links into every other slot's copy.
		if err := replaceFile(src, dst, info.Mode()); err != nil {
			return fmt.Errorf("failed to merge %s: %w", rel, err)
		}
		c.claims[rel] = taskID
	}
	if len(changed) > 0 {
		c.logger.Info("merged slot changes",
			zap.String("task_id", taskID),
			zap.Int("files", len(changed)),
		)
	}
	return nil
}

func (c *Coordinator) waitForQuota(ctx context.Context, resetAt time.Time) error {
	wait := time.Until(resetAt)
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	c.logger.Warn("slot suspended on quota", zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
