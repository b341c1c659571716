package mission

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState(t *testing.T) {
	dir := t.TempDir()
	path := RunStatePath(filepath.Join(dir, "mission.yaml"))

	t.Run("absent file means fresh run", func(t *testing.T) {
		rs, err := LoadRunState(path)
		require.NoError(t, err)
		assert.Nil(t, rs)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, SaveRunState(path, &RunState{
			MissionName: "nightly",
			TaskID:      "task-002",
			Turn:        7,
		}))

		rs, err := LoadRunState(path)
		require.NoError(t, err)
		require.NotNil(t, rs)
		assert.Equal(t, "nightly", rs.MissionName)
		assert.Equal(t, "task-002", rs.TaskID)
		assert.Equal(t, 7, rs.Turn)
		assert.False(t, rs.UpdatedAt.IsZero())
	})

	t.Run("clear removes the file", func(t *testing.T) {
		require.NoError(t, ClearRunState(path))
		rs, err := LoadRunState(path)
		require.NoError(t, err)
		assert.Nil(t, rs)

		// clearing twice is fine
		require.NoError(t, ClearRunState(path))
	})
}
