// Package engine drives the per-task control loop and the mission run.
// Each task moves through plan, act, and verify turns against an external
// agent; the engine owns all state transitions and persists progress after
// every one so a crashed run resumes where it stopped.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/appff/nightshift/internal/completion"
	"github.com/appff/nightshift/internal/confidence"
	"github.com/appff/nightshift/internal/guard"
	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/persona"
	"github.com/appff/nightshift/internal/reflexion"
)

const instrumentationName = "github.com/appff/nightshift/internal/engine"

// Invoker abstracts a driver proxy so tests can script agent behavior.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// WorkspaceGuard abstracts checkpoint and rollback.
type WorkspaceGuard interface {
	Checkpoint(ctx context.Context, taskID string) (guard.Handle, error)
	Restore(ctx context.Context, h guard.Handle) (string, error)
}

// EvidenceStore abstracts the reflexion memory.
type EvidenceStore interface {
	Recall(ctx context.Context, signature string) ([]*reflexion.Record, error)
	Remember(ctx context.Context, rec reflexion.Record) (*reflexion.Record, error)
	Promote(ctx context.Context, acceptedFix string) ([]string, error)
}

// Config bounds one engine run.
type Config struct {
	// MaxRetries is how many completion-gate rejections a task absorbs
	// before it is force-accepted.
	MaxRetries int

	// TurnBudget caps planner turns per task.
	TurnBudget int

	// ConfidenceThreshold is the advisory pre-flight score floor.
	ConfidenceThreshold float64

	// RollbackOnFailure restores the checkpoint when a task fails.
	RollbackOnFailure bool

	// Review disables all mutating behavior: the engine plans and verifies
	// but never transitions tasks to terminal states or saves the manifest.
	Review bool

	// Workspace is the project root the agents operate in.
	Workspace string

	// RunStatePath locates the crash-resume record.
	RunStatePath string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          2,
		TurnBudget:          16,
		ConfidenceThreshold: 0.4,
		RollbackOnFailure:   true,
	}
}

// Deps are the engine's collaborators. All are required except Store and
// Guard, which degrade to no memory and no rollback.
type Deps struct {
	Ledger     *mission.Ledger
	Planner    Invoker
	Worker     Invoker
	Confidence *confidence.Gate
	Completion *completion.Gate
	Selector   *persona.Selector
	Store      EvidenceStore
	Guard      WorkspaceGuard
	Logger     *zap.Logger

	// PreAccept, when set, runs before a task transitions to done. An
	// error vetoes acceptance and blocks the task instead. The parallel
	// coordinator uses it to reconcile isolated workspace changes.
	PreAccept func(ctx context.Context, taskID string) error
}

// Engine runs missions.
type Engine struct {
	cfg  Config
	deps Deps

	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	taskCounter metric.Int64Counter
	turnCounter metric.Int64Counter
}

// New validates dependencies and builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if deps.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if deps.Worker == nil {
		return nil, errors.New("worker is required")
	}
	if deps.Completion == nil {
		return nil, errors.New("completion gate is required")
	}
	if deps.Confidence == nil {
		return nil, errors.New("confidence gate is required")
	}
	if deps.Selector == nil {
		return nil, errors.New("persona selector is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TurnBudget < 1 {
		cfg.TurnBudget = DefaultConfig().TurnBudget
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error
	e.taskCounter, err = e.meter.Int64Counter(
		"nightshift.engine.tasks_total",
		metric.WithDescription("Tasks finished by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		e.logger.Warn("failed to create task counter", zap.Error(err))
	}
	e.turnCounter, err = e.meter.Int64Counter(
		"nightshift.engine.turns_total",
		metric.WithDescription("Planner turns consumed"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		e.logger.Warn("failed to create turn counter", zap.Error(err))
	}
}

// TaskResult is the outcome of one task's control loop.
type TaskResult struct {
	TaskID string
	Status mission.Status

	// Forced marks a forced accept after the retry budget ran out.
	Forced bool

	// Suspended means a quota ran out mid-task; the task is left
	// in_progress and the run should resume at ResetAt.
	Suspended bool
	ResetAt   time.Time

	Reason string
	Turns  int
}

// Summary aggregates a mission run.
type Summary struct {
	Mission   string
	Done      int
	Forced    int
	Blocked   int
	Suspended bool
	ResumeAt  time.Time
	Elapsed   time.Duration
}

// Run executes the mission sequentially until every task is terminal, a
// quota suspend outlasts the context, or the context is cancelled. Guard
// and ledger failures abort the run.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	start := time.Now()
	summary := Summary{Mission: e.deps.Ledger.Mission().Name}

	if e.cfg.Review {
		err := e.runReview(ctx)
		summary.Elapsed = time.Since(start)
		return summary, err
	}

	resumeID := e.loadResume()

	for {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		task := e.pickTask(resumeID)
		resumeID = ""
		if task == nil {
			break
		}

		res, err := e.RunTask(ctx, task)
		if err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		if res.Suspended {
			if err := e.waitForQuota(ctx, res.ResetAt); err != nil {
				summary.Suspended = true
				summary.ResumeAt = res.ResetAt
				summary.Elapsed = time.Since(start)
				return summary, err
			}
			// Same task again after the quota window.
			resumeID = task.ID
			continue
		}

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

	if !e.cfg.Review && e.cfg.RunStatePath != "" {
		if err := mission.ClearRunState(e.cfg.RunStatePath); err != nil {
			e.logger.Warn("failed to clear run state", zap.Error(err))
		}
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// runReview walks every open task once without mutating anything.
func (e *Engine) runReview(ctx context.Context) error {
	for _, t := range e.deps.Ledger.Snapshot() {
		if t.Status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.RunTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// loadResume returns the task id a previous run stopped at, if any.
func (e *Engine) loadResume() string {
	if e.cfg.RunStatePath == "" {
		return ""
	}
	rs, err := mission.LoadRunState(e.cfg.RunStatePath)
	if err != nil {
		e.logger.Warn("failed to load run state, starting fresh", zap.Error(err))
		return ""
	}
	if rs == nil || rs.MissionName != e.deps.Ledger.Mission().Name {
		return ""
	}
	e.logger.Info("resuming interrupted run",
		zap.String("task_id", rs.TaskID),
		zap.Int("turn", rs.Turn),
	)
	return rs.TaskID
}

// pickTask prefers the resume task when it is still actionable, otherwise
// the next runnable one.
func (e *Engine) pickTask(resumeID string) *mission.Task {
	if resumeID != "" {
		t, err := e.deps.Ledger.Get(resumeID)
		if err == nil && !t.Status.Terminal() {
			return t
		}
	}
	if t := e.nextInProgress(); t != nil {
		// A crash can leave a task in_progress; it is ours to finish first.
		return t
	}
	return e.deps.Ledger.NextRunnable()
}

func (e *Engine) nextInProgress() *mission.Task {
	for _, t := range e.deps.Ledger.Snapshot() {
		if t.Status == mission.StatusInProgress {
			return t
		}
	}
	return nil
}

func (e *Engine) waitForQuota(ctx context.Context, resetAt time.Time) error {
	wait := time.Until(resetAt)
	if wait <= 0 {
		wait = 5 * time.Minute // quota hit with no reset hint: conservative pause
	}
	e.logger.Warn("usage quota exhausted, suspending run",
		zap.Duration("wait", wait),
		zap.Time("resume_at", time.Now().Add(wait)),
	)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
