package mission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMission() *Mission {
	return &Mission{
		Name: "test",
		Tasks: []*Task{
			{ID: "a", Title: "A", Status: StatusTodo},
			{ID: "b", Title: "B", Status: StatusTodo, DependsOn: []string{"a"}},
			{ID: "c", Title: "C", Status: StatusTodo},
		},
	}
}

func newTestLedger(t *testing.T, m *Mission) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mission.yaml")
	require.NoError(t, SaveManifest(path, m))
	l, err := NewLedger(path, m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("dependency must be done before in_progress", func(t *testing.T) {
		l := newTestLedger(t, testMission())

		err := l.Transition(ctx, "b", StatusInProgress, "")
		assert.ErrorIs(t, err, ErrDependencyNotDone)

		require.NoError(t, l.Transition(ctx, "a", StatusInProgress, ""))
		require.NoError(t, l.Transition(ctx, "a", StatusDone, "accepted"))
		require.NoError(t, l.Transition(ctx, "b", StatusInProgress, ""))
	})

	t.Run("terminal statuses never change", func(t *testing.T) {
		l := newTestLedger(t, testMission())
		require.NoError(t, l.Transition(ctx, "a", StatusInProgress, ""))
		require.NoError(t, l.Transition(ctx, "a", StatusBlocked, "retry budget exhausted"))

		err := l.Transition(ctx, "a", StatusInProgress, "")
		assert.ErrorIs(t, err, ErrTerminalStatus)
	})

	t.Run("illegal edges rejected", func(t *testing.T) {
		l := newTestLedger(t, testMission())
		err := l.Transition(ctx, "a", StatusDone, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown task", func(t *testing.T) {
		l := newTestLedger(t, testMission())
		err := l.Transition(ctx, "nope", StatusInProgress, "")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("reason persists on terminal transition", func(t *testing.T) {
		l := newTestLedger(t, testMission())
		require.NoError(t, l.Transition(ctx, "a", StatusInProgress, ""))
		require.NoError(t, l.Transition(ctx, "a", StatusDone, "all checks passed"))

		got, err := l.Get("a")
		require.NoError(t, err)
		assert.Equal(t, "all checks passed", got.Reason)
	})
}

func TestLedgerNextRunnable(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testMission())

	next := l.NextRunnable()
	require.NotNil(t, next)
	assert.Equal(t, "a", next.ID)

	require.NoError(t, l.Transition(ctx, "a", StatusInProgress, ""))
	next = l.NextRunnable()
	require.NotNil(t, next)
	assert.Equal(t, "c", next.ID, "b waits on a, c has no dependencies")

	require.NoError(t, l.Transition(ctx, "a", StatusDone, ""))
	require.NoError(t, l.Transition(ctx, "c", StatusInProgress, ""))
	require.NoError(t, l.Transition(ctx, "c", StatusDone, ""))

	next = l.NextRunnable()
	require.NotNil(t, next)
	assert.Equal(t, "b", next.ID)

	require.NoError(t, l.Transition(ctx, "b", StatusInProgress, ""))
	require.NoError(t, l.Transition(ctx, "b", StatusBlocked, "gave up"))
	assert.Nil(t, l.NextRunnable())
	assert.True(t, l.Complete())
}

func TestLedgerRunnableBatch(t *testing.T) {
	m := &Mission{
		Name: "batch",
		Tasks: []*Task{
			{ID: "a", Title: "A", Status: StatusTodo},
			{ID: "b", Title: "B", Status: StatusTodo},
			{ID: "c", Title: "C", Status: StatusTodo, DependsOn: []string{"a"}},
			{ID: "d", Title: "D", Status: StatusTodo},
		},
	}
	l := newTestLedger(t, m)

	batch := l.RunnableBatch(3)
	require.Len(t, batch, 3)
	ids := []string{batch[0].ID, batch[1].ID, batch[2].ID}
	assert.Equal(t, []string{"a", "b", "d"}, ids, "c depends on a which is in the batch")
}

func TestLedgerAdvisoryLock(t *testing.T) {
	m := testMission()
	path := filepath.Join(t.TempDir(), "mission.yaml")
	require.NoError(t, SaveManifest(path, m))

	first, err := NewLedger(path, m, zap.NewNop())
	require.NoError(t, err)
	defer first.Close()

	_, err = NewLedger(path, testMission(), zap.NewNop())
	assert.ErrorIs(t, err, ErrManifestLocked)

	require.NoError(t, first.Close())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file removed on close")

	second, err := NewLedger(path, testMission(), zap.NewNop())
	require.NoError(t, err)
	second.Close()
}

func TestLedgerStaleLockStolen(t *testing.T) {
	m := testMission()
	path := filepath.Join(t.TempDir(), "mission.yaml")
	require.NoError(t, SaveManifest(path, m))

	// A pid that cannot exist on Linux.
	require.NoError(t, os.WriteFile(path+".lock", []byte(fmt.Sprintf("%d\n", 1<<30)), 0o644))

	l, err := NewLedger(path, m, zap.NewNop())
	require.NoError(t, err)
	l.Close()
}

func TestLedgerAppendTasks(t *testing.T) {
	l := newTestLedger(t, testMission())

	added := l.AppendTasks([]string{"expanded step one", "expanded step two"})
	require.Len(t, added, 2)
	assert.NotEmpty(t, added[0].ID)
	assert.NotEmpty(t, added[1].ID)
	assert.NotEqual(t, added[0].ID, added[1].ID)
	assert.Equal(t, StatusTodo, added[0].Status)
	assert.Len(t, l.Snapshot(), 5)
}

func TestLedgerRetryAndEvidence(t *testing.T) {
	l := newTestLedger(t, testMission())

	n, err := l.RecordRetry("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = l.RecordRetry("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, l.SetEvidence("a", "ran the suite, 42 passed"))
	got, err := l.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "ran the suite, 42 passed", got.Evidence)
}

func TestLedgerSavePersists(t *testing.T) {
	ctx := context.Background()
	m := testMission()
	path := filepath.Join(t.TempDir(), "mission.yaml")
	require.NoError(t, SaveManifest(path, m))

	l, err := NewLedger(path, m, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.Transition(ctx, "a", StatusInProgress, ""))
	require.NoError(t, l.Transition(ctx, "a", StatusDone, "accepted"))
	require.NoError(t, l.Save(ctx))
	require.NoError(t, l.Close())

	reloaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, reloaded.Tasks[0].Status)
}
