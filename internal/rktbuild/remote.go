package rktbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Status classifies one remote command attempt.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed out"
	}
	return "unknown"
}

// Outcome is the result of running a command in the sandbox. A timeout
// or nonzero exit is data, not an error; the engine decides what a
// failed command means. Transcript holds the combined output either
// way, so failure records always have something to show.
type Outcome struct {
	Status     Status
	Transcript []byte
}

func (o Outcome) OK() bool { return o.Status == StatusOK }

// Sandbox is the build environment the engine drives. The real one is
// a VirtualBox VM reached over ssh; tests substitute a fake.
type Sandbox interface {
	// Restore rolls the sandbox back to a named snapshot. The sandbox
	// must be stopped.
	Restore(snapshot string) error
	// TakeSnapshot records the sandbox's current state under name,
	// replacing any previous snapshot of that name.
	TakeSnapshot(name string) error
	// HasSnapshot reports whether a snapshot of that name exists.
	HasSnapshot(name string) (bool, error)
	// Start boots the sandbox and waits until commands can run.
	Start() error
	// Stop shuts the sandbox down. The VM implementation saves the
	// machine state and powers it off only when saving fails; it has
	// no mode that discards the live state. Builds restore a snapshot
	// before they start, so state saved after one build is not carried
	// into the next.
	Stop() error
	// Exec runs a shell command in the sandbox working directory with
	// the given timeout. The returned error covers transport problems
	// only; command failure and timeout come back in the Outcome.
	Exec(command string, timeout time.Duration) (Outcome, error)
	// Push copies a local file into the sandbox working directory.
	Push(local, remoteName string) error
	// Pull copies a file out of the sandbox working directory. A
	// missing remote file is an error.
	Pull(remoteName, local string) error
}

// NewSandbox picks the transport from the configuration. An empty
// VM_USER with a loopback VM_HOST means there is no VM at all: commands
// run directly on this machine, which is how the test rig and
// container-based setups work. Everything else goes through ssh and
// VBoxManage.
func NewSandbox(ctx context.Context) Sandbox {
	if vmUser == "" && (vmHost == "localhost" || vmHost == "127.0.0.1") {
		colNote.Println("No VM configured; running builds directly on this host")
		return &localSandbox{ctx: ctx}
	}
	return &vmSandbox{ctx: ctx, exec: NewExecutor(ctx)}
}

// localSandbox runs everything on the host. Snapshots are directory
// copies of the sandbox working directory, which is enough to give the
// engine the restore-to-baseline behavior it depends on.
type localSandbox struct {
	ctx context.Context
}

func (l *localSandbox) snapshotDir(name string) string {
	return filepath.Join(workDir, "local-snapshots", name)
}

func (l *localSandbox) Restore(snapshot string) error {
	src := l.snapshotDir(snapshot)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("no local snapshot %q: %w", snapshot, err)
	}
	if err := os.RemoveAll(vmDir); err != nil {
		return err
	}
	return copyTree(src, vmDir)
}

func (l *localSandbox) TakeSnapshot(name string) error {
	dest := l.snapshotDir(name)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return copyTree(vmDir, dest)
}

func (l *localSandbox) HasSnapshot(name string) (bool, error) {
	_, err := os.Stat(l.snapshotDir(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (l *localSandbox) Start() error {
	return os.MkdirAll(vmDir, 0o755)
}

func (l *localSandbox) Stop() error { return nil }

func (l *localSandbox) Exec(command string, timeout time.Duration) (Outcome, error) {
	ctx, cancel := context.WithTimeout(l.ctx, timeout)
	defer cancel()

	var transcript bytes.Buffer
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = vmDir
	cmd.Stdin = nil
	cmd.Stdout = io.MultiWriter(os.Stdout, &transcript)
	cmd.Stderr = io.MultiWriter(os.Stderr, &transcript)

	err := NewExecutor(ctx).Run(cmd)
	switch {
	case err == nil:
		return Outcome{Status: StatusOK, Transcript: transcript.Bytes()}, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{Status: StatusTimedOut, Transcript: transcript.Bytes()}, nil
	case l.ctx.Err() != nil:
		return Outcome{}, l.ctx.Err()
	default:
		return Outcome{Status: StatusFailed, Transcript: transcript.Bytes()}, nil
	}
}

func (l *localSandbox) Push(local, remoteName string) error {
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return err
	}
	return copyFile(local, filepath.Join(vmDir, remoteName))
}

func (l *localSandbox) Pull(remoteName, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return copyFile(filepath.Join(vmDir, remoteName), local)
}

// copyTree recursively copies a directory. Symlinks are recreated;
// everything else keeps its mode bits.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			if err := copyFile(path, target); err != nil {
				return err
			}
			return os.Chmod(target, info.Mode().Perm())
		}
	})
}
