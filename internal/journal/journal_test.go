package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
	"github.com/ngenohkevin/schedules-runner/internal/logging"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func lifecycle(dispatchID, execID string, state dispatch.State) dispatch.Lifecycle {
	return dispatch.Lifecycle{
		DispatchID: dispatchID,
		ExecID:     execID,
		TaskID:     "T1",
		State:      state,
		UpdatedAt:  time.Now(),
	}
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	j, err := Open(path, logging.Discard())
	require.NoError(t, err)
	defer j.Close()

	assert.FileExists(t, path)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, lifecycle("d1", "E1", dispatch.StateFetched)))
	require.NoError(t, j.Close())

	j, err = Open(path, logging.Discard())
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecord_RoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	code := 3
	lc := lifecycle("d1", "E1", dispatch.StateExited)
	lc.ExitCode = &code
	require.NoError(t, j.Record(ctx, lc))

	failed := lifecycle("d2", "E2", dispatch.StateFailed)
	failed.Error = "spawn bash: not found"
	require.NoError(t, j.Record(ctx, failed))

	entries, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "d2", entries[0].DispatchID)
	assert.Equal(t, dispatch.StateFailed, entries[0].State)
	assert.Equal(t, "spawn bash: not found", entries[0].Error)
	assert.Nil(t, entries[0].ExitCode)

	assert.Equal(t, "E1", entries[1].ExecID)
	require.NotNil(t, entries[1].ExitCode)
	assert.Equal(t, 3, *entries[1].ExitCode)
	assert.WithinDuration(t, lc.UpdatedAt, entries[1].At, time.Second)
}

func TestRecent_Limit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for _, s := range []dispatch.State{dispatch.StateFetched, dispatch.StateStartReported, dispatch.StateMaterialized} {
		require.NoError(t, j.Record(ctx, lifecycle("d1", "E1", s)))
	}

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, dispatch.StateMaterialized, entries[0].State)
	assert.Equal(t, dispatch.StateStartReported, entries[1].State)
}

func TestForExec(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Observe(lifecycle("d1", "E1", dispatch.StateFetched))
	j.Observe(lifecycle("d2", "E2", dispatch.StateFetched))
	j.Observe(lifecycle("d1", "E1", dispatch.StateAbandoned))

	entries, err := j.ForExec(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, dispatch.StateFetched, entries[0].State)
	assert.Equal(t, dispatch.StateAbandoned, entries[1].State)

	entries, err = j.ForExec(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestObserve_AfterCloseDoesNotPanic(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), logging.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.NotPanics(t, func() { j.Observe(lifecycle("d1", "E1", dispatch.StateFetched)) })
}
