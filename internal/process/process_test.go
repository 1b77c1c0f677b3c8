package process

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Self(t *testing.T) {
	s, err := NewInspector().Stats(os.Getpid())
	require.NoError(t, err)

	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.NotEmpty(t, s.Name)
	assert.NotZero(t, s.MemRSS)
	assert.NotEmpty(t, s.MemHuman)
	assert.False(t, s.CreateTime.IsZero())
}

func TestStats_Child(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	s, err := NewInspector().Stats(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, "sleep", s.Name)
	assert.Contains(t, s.Cmdline, "sleep 5")
}

func TestStats_InvalidPID(t *testing.T) {
	_, err := NewInspector().Stats(0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStats_ExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	_, err := NewInspector().Stats(cmd.Process.Pid)
	assert.ErrorIs(t, err, ErrNotRunning)
}
