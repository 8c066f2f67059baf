package rktbuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setLocalSandboxDirs(t *testing.T) *localSandbox {
	t.Helper()
	dir := t.TempDir()
	workDir = filepath.Join(dir, "work")
	vmDir = filepath.Join(dir, "sandbox")
	require.NoError(t, os.MkdirAll(vmDir, 0o755))
	return &localSandbox{ctx: context.Background()}
}

func TestLocalSandbox_ExecStatuses(t *testing.T) {
	sb := setLocalSandboxDirs(t)

	out, err := sb.Exec("printf hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "hello", string(out.Transcript))

	out, err = sb.Exec("printf nope && exit 3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "nope", string(out.Transcript))

	out, err = sb.Exec("sleep 10", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, out.Status)
}

func TestLocalSandbox_PushPull(t *testing.T) {
	sb := setLocalSandboxDirs(t)
	src := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	require.NoError(t, sb.Push(src, "copied.txt"))
	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, sb.Pull("copied.txt", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	assert.Error(t, sb.Pull("missing.txt", dest))
}

func TestLocalSandbox_SnapshotRoundtrip(t *testing.T) {
	sb := setLocalSandboxDirs(t)
	require.NoError(t, sb.Start())
	require.NoError(t, os.WriteFile(filepath.Join(vmDir, "state.txt"), []byte("v1"), 0o644))
	require.NoError(t, sb.TakeSnapshot("installed"))

	ok, err := sb.HasSnapshot("installed")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = sb.HasSnapshot("other")
	require.NoError(t, err)
	assert.False(t, ok)

	// dirty the tree, then roll back
	require.NoError(t, os.WriteFile(filepath.Join(vmDir, "state.txt"), []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(vmDir, "junk.txt"), []byte("x"), 0o644))
	require.NoError(t, sb.Restore("installed"))

	data, err := os.ReadFile(filepath.Join(vmDir, "state.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	_, err = os.Stat(filepath.Join(vmDir, "junk.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, sb.Restore("never-taken"))
}

func TestOutcomeStatusStrings(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "timed out", StatusTimedOut.String())
	assert.True(t, Outcome{Status: StatusOK}.OK())
	assert.False(t, Outcome{Status: StatusFailed}.OK())
}
