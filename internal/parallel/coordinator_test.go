package parallel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appff/nightshift/internal/completion"
	"github.com/appff/nightshift/internal/confidence"
	"github.com/appff/nightshift/internal/engine"
	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/persona"
	"github.com/appff/nightshift/internal/reflexion"
)

// fakeRunner stands in for a slot engine: it mutates the slot workspace,
// runs the acceptance hook, and transitions the task accordingly.
type fakeRunner struct {
	ledger    *mission.Ledger
	slotDir   string
	preAccept func(ctx context.Context, taskID string) error
	work      func(slotDir string, task *mission.Task) error
}

func (r *fakeRunner) RunTask(ctx context.Context, task *mission.Task) (engine.TaskResult, error) {
	// The coordinator claims tasks before dispatch; a runner handed a
	// stale pre-claim snapshot would double-transition on the ledger.
	if task.Status != mission.StatusInProgress {
		return engine.TaskResult{}, fmt.Errorf("task %s dispatched with status %s", task.ID, task.Status)
	}
	if r.work != nil {
		if err := r.work(r.slotDir, task); err != nil {
			return engine.TaskResult{}, err
		}
	}
	if err := r.preAccept(ctx, task.ID); err != nil {
		if terr := r.ledger.Transition(ctx, task.ID, mission.StatusBlocked, err.Error()); terr != nil {
			return engine.TaskResult{}, terr
		}
		return engine.TaskResult{TaskID: task.ID, Status: mission.StatusBlocked, Reason: err.Error()}, nil
	}
	if err := r.ledger.Transition(ctx, task.ID, mission.StatusDone, "accepted"); err != nil {
		return engine.TaskResult{}, err
	}
	return engine.TaskResult{TaskID: task.ID, Status: mission.StatusDone}, nil
}

type fixture struct {
	workspace string
	ledger    *mission.Ledger
}

func newFixture(t *testing.T, m *mission.Mission) *fixture {
	t.Helper()
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "README.md"), []byte("# project\n"), 0o644))

	manifestPath := filepath.Join(workspace, "mission.yaml")
	require.NoError(t, mission.SaveManifest(manifestPath, m))
	ledger, err := mission.NewLedger(manifestPath, m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	return &fixture{workspace: workspace, ledger: ledger}
}

func (f *fixture) factory(work func(slotDir string, task *mission.Task) error) Factory {
	return func(slotDir string, preAccept func(ctx context.Context, taskID string) error) (Runner, error) {
		return &fakeRunner{
			ledger:    f.ledger,
			slotDir:   slotDir,
			preAccept: preAccept,
			work:      work,
		}, nil
	}
}

func TestCoordinatorRunsIndependentTasksConcurrently(t *testing.T) {
	m := &mission.Mission{
		Name: "par",
		Tasks: []*mission.Task{
			{ID: "a", Title: "Write module a", Status: mission.StatusTodo},
			{ID: "b", Title: "Write module b", Status: mission.StatusTodo},
		},
	}
	f := newFixture(t, m)

	work := func(slotDir string, task *mission.Task) error {
		return os.WriteFile(filepath.Join(slotDir, task.ID+".txt"), []byte("output of "+task.ID), 0o644)
	}

	c, err := NewCoordinator(Config{MaxWorkers: 2, Workspace: f.workspace}, f.ledger, f.factory(work), zap.NewNop())
	require.NoError(t, err)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.Zero(t, summary.Blocked)

	// Both slots' outputs landed in the real workspace: no lost update.
	for _, id := range []string{"a", "b"} {
		data, err := os.ReadFile(filepath.Join(f.workspace, id+".txt"))
		require.NoError(t, err)
		assert.Equal(t, "output of "+id, string(data))

		task, err := f.ledger.Get(id)
		require.NoError(t, err)
		assert.Equal(t, mission.StatusDone, task.Status)
	}

	// Slot copies are cleaned up.
	entries, err := os.ReadDir(filepath.Join(f.workspace, ".nightshift", "slots"))
	if err == nil {
		assert.Empty(t, entries)
	}
}

// slotPlanner scripts one engine slot: a single worker action, then a
// completion verdict.
type slotPlanner struct{ calls int }

func (p *slotPlanner) Invoke(_ context.Context, _ string) (string, error) {
	p.calls++
	if p.calls == 1 {
		return `{"status": "continue", "command": "write the summary note for this task"}`, nil
	}
	return `{"status": "completed"}`, nil
}

// slotWorker writes the note file its slot is responsible for.
type slotWorker struct{ slotDir string }

func (w *slotWorker) Invoke(_ context.Context, _ string) (string, error) {
	name := filepath.Base(w.slotDir) + ".note"
	if err := os.WriteFile(filepath.Join(w.slotDir, name), []byte("note for "+filepath.Base(w.slotDir)), 0o644); err != nil {
		return "", err
	}
	return "wrote " + name, nil
}

func TestCoordinatorDrivesRealEngines(t *testing.T) {
	m := &mission.Mission{
		Name: "real",
		Tasks: []*mission.Task{
			{ID: "a", Title: "Write note a", Status: mission.StatusTodo},
			{ID: "b", Title: "Write note b", Status: mission.StatusTodo},
		},
	}
	f := newFixture(t, m)

	selector, err := persona.NewSelector(map[string]string{"general": ""}, nil)
	require.NoError(t, err)
	store, err := reflexion.NewStore(filepath.Join(t.TempDir(), "reflexion.jsonl"), 3, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	factory := func(slotDir string, preAccept func(ctx context.Context, taskID string) error) (Runner, error) {
		eng, err := engine.New(engine.Config{
			MaxRetries: 2,
			TurnBudget: 8,
			Workspace:  slotDir,
		}, engine.Deps{
			Ledger:     f.ledger,
			Planner:    &slotPlanner{},
			Worker:     &slotWorker{slotDir: slotDir},
			Confidence: confidence.NewGate(zap.NewNop()),
			Completion: completion.NewGate(true, nil, zap.NewNop()),
			Selector:   selector,
			Store:      store,
			Logger:     zap.NewNop(),
			PreAccept:  preAccept,
		})
		if err != nil {
			return nil, err
		}
		return eng, nil
	}

	c, err := NewCoordinator(Config{MaxWorkers: 2, Workspace: f.workspace}, f.ledger, factory, zap.NewNop())
	require.NoError(t, err)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.Zero(t, summary.Blocked)

	for _, id := range []string{"a", "b"} {
		task, err := f.ledger.Get(id)
		require.NoError(t, err)
		assert.Equal(t, mission.StatusDone, task.Status)

		data, err := os.ReadFile(filepath.Join(f.workspace, id+".note"))
		require.NoError(t, err)
		assert.Equal(t, "note for "+id, string(data))
	}
}

func TestCoordinatorConflictFailsSecondTask(t *testing.T) {
	m := &mission.Mission{
		Name: "conflict",
		Tasks: []*mission.Task{
			{ID: "a", Title: "Edit shared file", Status: mission.StatusTodo},
			{ID: "b", Title: "Also edit shared file", Status: mission.StatusTodo},
		},
	}
	f := newFixture(t, m)

	work := func(slotDir string, task *mission.Task) error {
		return os.WriteFile(filepath.Join(slotDir, "shared.txt"), []byte("written by "+task.ID), 0o644)
	}

	c, err := NewCoordinator(Config{MaxWorkers: 2, Workspace: f.workspace}, f.ledger, f.factory(work), zap.NewNop())
	require.NoError(t, err)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 1, summary.Blocked)

	// The surviving content belongs to exactly one task, and the other
	// carries a conflict reason.
	data, err := os.ReadFile(filepath.Join(f.workspace, "shared.txt"))
	require.NoError(t, err)

	a, err := f.ledger.Get("a")
	require.NoError(t, err)
	b, err := f.ledger.Get("b")
	require.NoError(t, err)

	var winner, loser *mission.Task
	if a.Status == mission.StatusDone {
		winner, loser = a, b
	} else {
		winner, loser = b, a
	}
	assert.Equal(t, mission.StatusDone, winner.Status)
	assert.Equal(t, mission.StatusBlocked, loser.Status)
	assert.Equal(t, "written by "+winner.ID, string(data))
	assert.Contains(t, loser.Reason, "conflicting changes to shared.txt")
}

func TestCoordinatorHonorsDependencies(t *testing.T) {
	m := &mission.Mission{
		Name: "deps",
		Tasks: []*mission.Task{
			{ID: "a", Title: "Base task", Status: mission.StatusTodo},
			{ID: "b", Title: "Depends on base", Status: mission.StatusTodo, DependsOn: []string{"a"}},
		},
	}
	f := newFixture(t, m)

	var order []string
	work := func(_ string, task *mission.Task) error {
		order = append(order, task.ID)
		return nil
	}

	c, err := NewCoordinator(Config{MaxWorkers: 2, Workspace: f.workspace}, f.ledger, f.factory(work), zap.NewNop())
	require.NoError(t, err)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.Equal(t, []string{"a", "b"}, order, "dependent task waits for the next batch")
}

func TestCopyWorkspaceExcludesStateDirs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "kept.txt"), []byte("keep"), 0o644))
	for _, dir := range []string{".git", ".nightshift", "logs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(src, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(src, dir, "x"), []byte("x"), 0o644))
	}

	dst := t.TempDir()
	baseline, err := copyWorkspace(src, dst, nil)
	require.NoError(t, err)
	assert.Len(t, baseline, 1)

	_, err = os.Stat(filepath.Join(dst, "kept.txt"))
	assert.NoError(t, err)
	for _, dir := range []string{".git", ".nightshift", "logs"} {
		_, err = os.Stat(filepath.Join(dst, dir))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestChangedFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "same.txt"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "edited.txt"), []byte("before"), 0o644))

	dst := t.TempDir()
	baseline, err := copyWorkspace(src, dst, nil)
	require.NoError(t, err)
	require.Len(t, baseline, 2)

	// Rewrite one file (breaking the hard link) and add a new one.
	require.NoError(t, os.Remove(filepath.Join(dst, "edited.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "edited.txt"), []byte("after"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "fresh.txt"), []byte("new"), 0o644))

	changed, err := changedFiles(dst, baseline, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"edited.txt", "fresh.txt"}, changed)
}
