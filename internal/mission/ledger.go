package mission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/appff/nightshift/internal/mission"

// Ledger owns the mission's Task records. It is the only component that
// mutates task status, and every mutation happens under a short-held
// exclusive lock that is never held across an executor call.
type Ledger struct {
	manifestPath string
	logger       *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter

	mu          sync.Mutex
	mission     *Mission
	lastSavedAt time.Time

	lockPath string
	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	closed   bool
}

// NewLedger wraps a loaded mission and acquires the advisory manifest lock.
// Callers must Close the ledger to release the lock.
func NewLedger(manifestPath string, m *Mission, logger *zap.Logger) (*Ledger, error) {
	if m == nil {
		return nil, errors.New("mission is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		manifestPath: manifestPath,
		logger:       logger,
		mission:      m,
		lockPath:     manifestPath + ".lock",
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
	}

	if err := l.acquireLock(); err != nil {
		return nil, err
	}

	l.initMetrics()
	return l, nil
}

func (l *Ledger) initMetrics() {
	var err error
	l.transitionCounter, err = l.meter.Int64Counter(
		"nightshift.ledger.transitions_total",
		metric.WithDescription("Total number of task status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		l.logger.Warn("failed to create transition counter", zap.Error(err))
	}
}

// acquireLock creates the advisory lock file, stealing it when the recorded
// pid no longer exists.
func (l *Ledger) acquireLock() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.lockPath)
				return fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		if !l.lockIsStale() {
			return fmt.Errorf("%w: %s", ErrManifestLocked, l.lockPath)
		}
		l.logger.Warn("removing stale manifest lock", zap.String("path", l.lockPath))
		if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrManifestLocked, l.lockPath)
}

// lockIsStale reports whether the pid in the lock file no longer exists.
func (l *Ledger) lockIsStale() bool {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

// Mission returns mission-level fields (constraints, default persona).
// The returned value must not be mutated.
func (l *Ledger) Mission() *Mission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mission
}

// Get returns a copy of the task with the given id.
func (l *Ledger) Get(id string) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.find(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Snapshot returns copies of all tasks in manifest order.
func (l *Ledger) Snapshot() []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Task, 0, len(l.mission.Tasks))
	for _, t := range l.mission.Tasks {
		out = append(out, t.Clone())
	}
	return out
}

// NextRunnable returns a copy of the first todo task whose dependencies are
// all done, or nil when none is runnable.
func (l *Ledger) NextRunnable() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.mission.Tasks {
		if t.Status == StatusTodo && l.depsDone(t) {
			return t.Clone()
		}
	}
	return nil
}

// RunnableBatch returns up to n runnable tasks with no dependency on any
// other task in the batch, for the parallel coordinator.
func (l *Ledger) RunnableBatch(n int) []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []*Task
	inBatch := make(map[string]struct{})
	for _, t := range l.mission.Tasks {
		if len(batch) >= n {
			break
		}
		if t.Status != StatusTodo || !l.depsDone(t) {
			continue
		}
		conflict := false
		for _, dep := range t.DependsOn {
			if _, ok := inBatch[dep]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		batch = append(batch, t.Clone())
		inBatch[t.ID] = struct{}{}
	}
	return batch
}

func (l *Ledger) depsDone(t *Task) bool {
	for _, dep := range t.DependsOn {
		d := l.find(dep)
		if d == nil || d.Status != StatusDone {
			return false
		}
	}
	return true
}

func (l *Ledger) find(id string) *Task {
	for _, t := range l.mission.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Transition moves a task to the given status, enforcing the dependency
// invariant and the legal transition set:
//
//	todo        -> in_progress (all dependencies done)
//	in_progress -> done | blocked | todo
//
// done and blocked are terminal. The reason is persisted for terminal
// states and forced accepts.
func (l *Ledger) Transition(ctx context.Context, id string, status Status, reason string) error {
	_, span := l.tracer.Start(ctx, "ledger.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", id),
		attribute.String("to", string(status)),
	)

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.find(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, t.Status)
	}

	switch {
	case t.Status == StatusTodo && status == StatusInProgress:
		if !l.depsDone(t) {
			return fmt.Errorf("%w: %s", ErrDependencyNotDone, id)
		}
	case t.Status == StatusInProgress && (status == StatusDone || status == StatusBlocked || status == StatusTodo):
		// legal
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	from := t.Status
	t.Status = status
	if reason != "" {
		t.Reason = reason
	}

	if l.transitionCounter != nil {
		l.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(status)),
		))
	}
	l.logger.Info("task transition",
		zap.String("task_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("reason", reason),
	)
	return nil
}

// RecordRetry increments the task's retry counter and returns the new count.
func (l *Ledger) RecordRetry(id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.find(id)
	if t == nil {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Retries++
	return t.Retries, nil
}

// SetEvidence stores the latest evidence snapshot for a task.
func (l *Ledger) SetEvidence(id, evidence string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.find(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Evidence = evidence
	return nil
}

// AppendTasks adds planner-expanded tasks to the mission. New tasks get
// generated ids and status todo.
func (l *Ledger) AppendTasks(titles []string) []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	var added []*Task
	for _, title := range titles {
		t := &Task{Title: title, Status: StatusTodo}
		l.mission.Tasks = append(l.mission.Tasks, t)
		added = append(added, t)
	}
	normalizeTasks(l.mission)
	for i := range added {
		added[i] = added[i].Clone()
	}
	return added
}

// Complete reports whether every task is terminal.
func (l *Ledger) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.mission.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Save writes the manifest back to disk.
func (l *Ledger) Save(ctx context.Context) error {
	_, span := l.tracer.Start(ctx, "ledger.save")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := SaveManifest(l.manifestPath, l.mission); err != nil {
		return err
	}
	l.lastSavedAt = time.Now()
	return nil
}

// Watch reports external manifest edits during the run. Writes performed by
// Save within the previous second are ignored. The watcher stops when ctx is
// cancelled or the ledger is closed.
func (l *Ledger) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}
	if err := w.Add(l.manifestPath); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch manifest: %w", err)
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	l.watchWG.Add(1)
	go func() {
		defer l.watchWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				l.mu.Lock()
				selfSave := time.Since(l.lastSavedAt) < time.Second
				l.mu.Unlock()
				if selfSave {
					continue
				}
				l.logger.Warn("manifest modified externally during run; engine state takes precedence",
					zap.String("path", l.manifestPath),
				)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("manifest watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close releases the advisory lock and stops the watcher.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	w := l.watcher
	l.mu.Unlock()

	if w != nil {
		w.Close()
		l.watchWG.Wait()
	}
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
