package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/appff/nightshift/internal/executor"
	"github.com/appff/nightshift/internal/guard"
	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/parser"
	"github.com/appff/nightshift/internal/reflexion"
)

// RunTask drives one task through the control loop until it reaches a
// terminal status, suspends on quota, or the turn budget runs out. The
// returned error is fatal to the mission (guard or persistence failure);
// ordinary task failure is reported through the result.
func (e *Engine) RunTask(ctx context.Context, task *mission.Task) (TaskResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.task")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	res := TaskResult{TaskID: task.ID}
	m := e.deps.Ledger.Mission()
	personaID := e.deps.Selector.Select(task, m.Persona)

	assessment := e.deps.Confidence.Assess(task, e.doneTasks(), e.cfg.Workspace)
	lowConfidence := !assessment.Confident(e.cfg.ConfidenceThreshold)
	if lowConfidence {
		e.logger.Warn("low confidence task",
			zap.String("task_id", task.ID),
			zap.Float64("score", assessment.Score),
			zap.Strings("signals", assessment.Signals),
		)
	}

	if e.cfg.Review {
		return e.reviewTask(ctx, task, personaID, lowConfidence)
	}

	if task.Status == mission.StatusTodo {
		if err := e.deps.Ledger.Transition(ctx, task.ID, mission.StatusInProgress, ""); err != nil {
			return res, err
		}
		if err := e.persist(ctx); err != nil {
			return res, err
		}
	}

	var handle guard.Handle
	if e.deps.Guard != nil {
		h, err := e.deps.Guard.Checkpoint(ctx, task.ID)
		if err != nil {
			return res, fmt.Errorf("workspace checkpoint failed: %w", err)
		}
		handle = h
	}

	records := e.recallEvidence(ctx, task)

	st := &taskState{retries: task.Retries}
	for turn := 1; turn <= e.cfg.TurnBudget; turn++ {
		res.Turns = turn
		if err := e.saveRunState(task.ID, turn); err != nil {
			return res, err
		}
		if e.turnCounter != nil {
			e.turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", task.ID)))
		}

		prompt := e.buildPlanPrompt(m, task, personaID, records, st, lowConfidence)
		out, err := e.deps.Planner.Invoke(ctx, prompt)
		if err != nil {
			return e.handleInvokeFailure(ctx, task, handle, "planner", err, res)
		}

		decision := parser.Parse(out)
		e.logger.Debug("planner decision",
			zap.String("task_id", task.ID),
			zap.Int("turn", turn),
			zap.String("status", string(decision.Status)),
			zap.String("strategy", decision.Strategy),
		)

		switch decision.Status {
		case parser.StatusCompleted:
			evidence := st.lastOutput
			if evidence == "" {
				evidence = out
			}
			done, err := e.verifyCompletion(ctx, task, personaID, evidence, st, &res)
			if err != nil {
				return res, err
			}
			if done {
				return res, nil
			}

		case parser.StatusBlocked:
			reason := "planner declared the task blocked"
			if cmd := strings.TrimSpace(decision.Command); cmd != "" {
				reason += ": " + cmd
			}
			if err := e.failTask(ctx, task, handle, reason, &res); err != nil {
				return res, err
			}
			return res, nil

		case parser.StatusContinue:
			cmd := strings.TrimSpace(decision.Command)
			if cmd == "" {
				// Noop turn: counts against the budget, nothing to run.
				continue
			}
			if err := e.actTurn(ctx, task, cmd, st); err != nil {
				return e.handleInvokeFailure(ctx, task, handle, "worker", err, res)
			}
		}
	}

	if err := e.failTask(ctx, task, handle, fmt.Sprintf("turn budget of %d exhausted", e.cfg.TurnBudget), &res); err != nil {
		return res, err
	}
	return res, nil
}

// taskState carries loop-local memory between turns.
type taskState struct {
	retries          int
	corrective       string
	antiLoopWarning  bool
	lastCommand      string
	lastOutput       string
	pendingSignature string
}

// reviewTask runs the advisory checks and a single plan turn without
// mutating anything.
func (e *Engine) reviewTask(ctx context.Context, task *mission.Task, personaID string, lowConfidence bool) (TaskResult, error) {
	m := e.deps.Ledger.Mission()
	prompt := e.buildPlanPrompt(m, task, personaID, nil, &taskState{}, lowConfidence)
	out, err := e.deps.Planner.Invoke(ctx, prompt)
	if err != nil {
		var f *executor.Failure
		if errors.As(err, &f) {
			e.logger.Warn("review plan turn failed", zap.Error(err))
			return TaskResult{TaskID: task.ID, Status: task.Status, Reason: "review"}, nil
		}
		return TaskResult{TaskID: task.ID}, err
	}
	decision := parser.Parse(out)
	e.logger.Info("review: planned first action",
		zap.String("task_id", task.ID),
		zap.String("persona", personaID),
		zap.String("status", string(decision.Status)),
		zap.String("command", decision.Command),
	)
	return TaskResult{TaskID: task.ID, Status: task.Status, Reason: "review", Turns: 1}, nil
}

// actTurn hands one command to the worker and records the outcome. Worker
// failures propagate untouched for the caller to classify.
func (e *Engine) actTurn(ctx context.Context, task *mission.Task, cmd string, st *taskState) error {
	// A failure remembered last turn pairs with the command now trying to
	// fix it.
	if st.pendingSignature != "" && e.deps.Store != nil {
		if _, err := e.deps.Store.Remember(ctx, reflexion.Record{
			TaskID:         task.ID,
			ErrorSignature: st.pendingSignature,
			Fix:            cmd,
		}); err != nil {
			e.logger.Warn("failed to remember evidence", zap.Error(err))
		}
		st.pendingSignature = ""
	}
	st.corrective = ""

	out, err := e.deps.Worker.Invoke(ctx, cmd)
	if err != nil {
		return err
	}

	st.antiLoopWarning = cmd == st.lastCommand && out == st.lastOutput
	if st.antiLoopWarning {
		e.logger.Warn("repeated command with identical output",
			zap.String("task_id", task.ID),
			zap.String("command", head(cmd, 120)),
		)
	}
	st.lastCommand = cmd
	st.lastOutput = out

	if err := e.deps.Ledger.SetEvidence(task.ID, head(out, 4000)); err != nil {
		e.logger.Warn("failed to record evidence on task", zap.Error(err))
	}
	return nil
}

func (e *Engine) verifyCompletion(ctx context.Context, task *mission.Task, personaID, evidence string, st *taskState, res *TaskResult) (bool, error) {
	verdict := e.deps.Completion.Verify(task.ID, personaID, evidence)
	if verdict.Accepted {
		if err := e.preAccept(ctx, task); err != nil {
			return e.blockOnVeto(ctx, task, err, res)
		}
		if err := e.deps.Ledger.SetEvidence(task.ID, head(evidence, 4000)); err != nil {
			e.logger.Warn("failed to record evidence on task", zap.Error(err))
		}
		if err := e.deps.Ledger.Transition(ctx, task.ID, mission.StatusDone, "completion gate accepted"); err != nil {
			return false, err
		}
		if err := e.persist(ctx); err != nil {
			return false, err
		}
		if e.deps.Store != nil && st.lastCommand != "" {
			if promoted, err := e.deps.Store.Promote(ctx, st.lastCommand); err != nil {
				e.logger.Warn("failed to promote evidence", zap.Error(err))
			} else if len(promoted) > 0 {
				e.logger.Info("promoted evidence records", zap.Strings("ids", promoted))
			}
		}
		e.countTask(ctx, "done")
		res.Status = mission.StatusDone
		res.Reason = "completion gate accepted"
		return true, nil
	}

	st.retries++
	if _, err := e.deps.Ledger.RecordRetry(task.ID); err != nil {
		e.logger.Warn("failed to record retry", zap.Error(err))
	}

	if st.retries > e.cfg.MaxRetries {
		if err := e.preAccept(ctx, task); err != nil {
			return e.blockOnVeto(ctx, task, err, res)
		}
		reason := fmt.Sprintf("forced accept after %d rejected attempts; last missing: %s", st.retries, verdict.Missing)
		e.logger.Warn("retry budget exhausted, forcing accept",
			zap.String("task_id", task.ID),
			zap.String("missing", verdict.Missing),
		)
		if err := e.deps.Ledger.Transition(ctx, task.ID, mission.StatusDone, reason); err != nil {
			return false, err
		}
		if err := e.persist(ctx); err != nil {
			return false, err
		}
		e.countTask(ctx, "forced_accept")
		res.Status = mission.StatusDone
		res.Forced = true
		res.Reason = reason
		return true, nil
	}

	st.corrective = verdict.Missing
	st.pendingSignature = "completion rejected: " + verdict.Missing + "; evidence: " + head(evidence, 200)
	e.logger.Info("completion gate rejected, retrying",
		zap.String("task_id", task.ID),
		zap.Int("retries", st.retries),
		zap.String("missing", verdict.Missing),
	)
	return false, nil
}

func (e *Engine) preAccept(ctx context.Context, task *mission.Task) error {
	if e.deps.PreAccept == nil {
		return nil
	}
	return e.deps.PreAccept(ctx, task.ID)
}

// blockOnVeto blocks a task whose acceptance was vetoed by the pre-accept
// hook.
func (e *Engine) blockOnVeto(ctx context.Context, task *mission.Task, veto error, res *TaskResult) (bool, error) {
	e.logger.Warn("acceptance vetoed",
		zap.String("task_id", task.ID),
		zap.Error(veto),
	)
	if err := e.deps.Ledger.Transition(ctx, task.ID, mission.StatusBlocked, veto.Error()); err != nil {
		return false, err
	}
	if err := e.persist(ctx); err != nil {
		return false, err
	}
	e.countTask(ctx, "blocked")
	res.Status = mission.StatusBlocked
	res.Reason = veto.Error()
	return true, nil
}

// handleInvokeFailure routes a failed agent call: quota suspends the run,
// timeout and process errors fail the task with a rollback, anything else
// (context cancellation) propagates to the mission loop.
func (e *Engine) handleInvokeFailure(ctx context.Context, task *mission.Task, handle guard.Handle, stage string, err error, res TaskResult) (TaskResult, error) {
	var f *executor.Failure
	if !errors.As(err, &f) {
		return res, err
	}
	if f.Kind == executor.KindQuotaExceeded {
		res.Suspended = true
		res.ResetAt = f.ResetAt
		e.logger.Warn("quota exhausted mid-task",
			zap.String("task_id", task.ID),
			zap.String("stage", stage),
		)
		return res, nil
	}
	e.rememberFailure(ctx, task, f)
	if ferr := e.failTask(ctx, task, handle, stage+" invocation failed: "+f.Message, &res); ferr != nil {
		return res, ferr
	}
	return res, nil
}

// failTask restores the checkpoint and blocks the task. Guard failure here
// is fatal to the mission.
func (e *Engine) failTask(ctx context.Context, task *mission.Task, handle guard.Handle, reason string, res *TaskResult) error {
	if e.deps.Guard != nil && e.cfg.RollbackOnFailure && handle.Hash != "" {
		archive, err := e.deps.Guard.Restore(ctx, handle)
		if err != nil {
			return fmt.Errorf("workspace restore failed: %w", err)
		}
		if archive != "" {
			e.logger.Info("archived uncommitted changes before rollback",
				zap.String("task_id", task.ID),
				zap.String("archive", archive),
			)
		}
	}
	if err := e.deps.Ledger.Transition(ctx, task.ID, mission.StatusBlocked, reason); err != nil {
		return err
	}
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.countTask(ctx, "blocked")
	res.Status = mission.StatusBlocked
	res.Reason = reason
	return nil
}

func (e *Engine) rememberFailure(ctx context.Context, task *mission.Task, f *executor.Failure) {
	if e.deps.Store == nil {
		return
	}
	if _, err := e.deps.Store.Remember(ctx, reflexion.Record{
		TaskID:         task.ID,
		ErrorSignature: string(f.Kind) + ": " + head(f.Output, 300),
		RootCause:      f.Message,
	}); err != nil {
		e.logger.Warn("failed to remember failure evidence", zap.Error(err))
	}
}

func (e *Engine) recallEvidence(ctx context.Context, task *mission.Task) []*reflexion.Record {
	if e.deps.Store == nil {
		return nil
	}
	records, err := e.deps.Store.Recall(ctx, task.Block())
	if err != nil {
		e.logger.Warn("evidence recall failed", zap.Error(err))
		return nil
	}
	return records
}

func (e *Engine) doneTasks() []*mission.Task {
	var done []*mission.Task
	for _, t := range e.deps.Ledger.Snapshot() {
		if t.Status == mission.StatusDone {
			done = append(done, t)
		}
	}
	return done
}

func (e *Engine) persist(ctx context.Context) error {
	if e.cfg.Review {
		return nil
	}
	if err := e.deps.Ledger.Save(ctx); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	return nil
}

func (e *Engine) saveRunState(taskID string, turn int) error {
	if e.cfg.Review || e.cfg.RunStatePath == "" {
		return nil
	}
	rs := &mission.RunState{
		MissionName: e.deps.Ledger.Mission().Name,
		TaskID:      taskID,
		Turn:        turn,
	}
	if err := mission.SaveRunState(e.cfg.RunStatePath, rs); err != nil {
		return fmt.Errorf("failed to persist run state: %w", err)
	}
	return nil
}

func (e *Engine) countTask(ctx context.Context, outcome string) {
	if e.taskCounter != nil {
		e.taskCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
