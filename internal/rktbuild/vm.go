package rktbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"
)

// vmSandbox drives a VirtualBox VM over VBoxManage and ssh. The ssh
// session carries a reverse tunnel for the catalog server port, so the
// guest sees the loopback catalog at the same address the host serves
// it on.
type vmSandbox struct {
	ctx  context.Context
	exec *Executor
}

func sshTarget() string {
	if vmUser == "" {
		return vmHost
	}
	return vmUser + "@" + vmHost
}

func sshBaseArgs() []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
	}
}

func (v *vmSandbox) vbox(args ...string) error {
	debugf("VBoxManage %s\n", strings.Join(args, " "))
	return v.exec.Run(exec.Command("VBoxManage", args...))
}

func (v *vmSandbox) Restore(snapshot string) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Restoring VM snapshot %s\n", snapshot)
	if err := v.vbox("snapshot", vmName, "restore", snapshot); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", snapshot, err)
	}
	return nil
}

func (v *vmSandbox) TakeSnapshot(name string) error {
	// VirtualBox refuses duplicate snapshot names, so drop the old one
	// first. The VM is saved at this point; both operations are safe.
	if ok, err := v.HasSnapshot(name); err != nil {
		return err
	} else if ok {
		if err := v.vbox("snapshot", vmName, "delete", name); err != nil {
			return fmt.Errorf("failed to delete old snapshot %s: %w", name, err)
		}
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Taking VM snapshot %s\n", name)
	if err := v.vbox("snapshot", vmName, "take", name); err != nil {
		return fmt.Errorf("failed to take snapshot %s: %w", name, err)
	}
	return nil
}

func (v *vmSandbox) HasSnapshot(name string) (bool, error) {
	out, err := v.exec.Output(exec.Command("VBoxManage",
		"snapshot", vmName, "list", "--machinereadable"))
	if err != nil {
		// A VM with no snapshots at all makes the list command fail.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to list snapshots: %w", err)
	}
	needle := fmt.Sprintf("%q", name)
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "SnapshotName") && strings.HasSuffix(strings.TrimSpace(line), "="+needle) {
			return true, nil
		}
	}
	return false, nil
}

func (v *vmSandbox) Start() error {
	colArrow.Print("-> ")
	colSuccess.Printf("Starting VM %s\n", vmName)
	if err := v.vbox("startvm", vmName, "--type", "headless"); err != nil {
		return fmt.Errorf("failed to start VM: %w", err)
	}
	return v.waitForSSH()
}

// waitForSSH polls until the guest accepts a trivial command. Boot can
// take a while after a cold snapshot restore.
func (v *vmSandbox) waitForSSH() error {
	deadline := time.Now().Add(3 * time.Minute)
	for {
		ctx, cancel := context.WithTimeout(v.ctx, 15*time.Second)
		args := append(sshBaseArgs(), sshTarget(), "true")
		cmd := exec.Command("ssh", args...)
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		err := NewExecutor(ctx).Run(cmd)
		cancel()
		if err == nil {
			return nil
		}
		if v.ctx.Err() != nil {
			return v.ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("VM did not become reachable over ssh: %w", err)
		}
		time.Sleep(3 * time.Second)
	}
}

func (v *vmSandbox) Stop() error {
	colArrow.Print("-> ")
	colSuccess.Printf("Stopping VM %s\n", vmName)
	if err := v.vbox("controlvm", vmName, "savestate"); err != nil {
		// savestate fails if the guest wedged; power off instead so the
		// next restore still works.
		colWarn.Printf("savestate failed, powering off: %v\n", err)
		if err := v.vbox("controlvm", vmName, "poweroff"); err != nil {
			return fmt.Errorf("failed to stop VM: %w", err)
		}
	}
	return nil
}

func (v *vmSandbox) Exec(command string, timeout time.Duration) (Outcome, error) {
	ctx, cancel := context.WithTimeout(v.ctx, timeout)
	defer cancel()

	// The reverse tunnel makes localhost:serverPort inside the guest
	// reach the catalog server on the host.
	args := append(sshBaseArgs(),
		"-R", fmt.Sprintf("%d:localhost:%d", serverPort, serverPort),
		sshTarget(),
		fmt.Sprintf("cd %s && %s", vmDir, command))
	debugf("ssh %s\n", strings.Join(args, " "))

	var transcript bytes.Buffer
	cmd := exec.Command("ssh", args...)
	cmd.Stdin = nil
	cmd.Stdout = io.MultiWriter(os.Stdout, &transcript)
	cmd.Stderr = io.MultiWriter(os.Stderr, &transcript)

	err := NewExecutor(ctx).Run(cmd)
	switch {
	case err == nil:
		return Outcome{Status: StatusOK, Transcript: transcript.Bytes()}, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{Status: StatusTimedOut, Transcript: transcript.Bytes()}, nil
	case v.ctx.Err() != nil:
		return Outcome{}, v.ctx.Err()
	default:
		return Outcome{Status: StatusFailed, Transcript: transcript.Bytes()}, nil
	}
}

func (v *vmSandbox) Push(local, remoteName string) error {
	args := append(sshBaseArgs(), local,
		fmt.Sprintf("%s:%s", sshTarget(), path.Join(vmDir, remoteName)))
	debugf("scp %s\n", strings.Join(args, " "))
	cmd := exec.Command("scp", args...)
	cmd.Stdout = io.Discard
	if err := v.exec.Run(cmd); err != nil {
		return fmt.Errorf("failed to push %s: %w", remoteName, err)
	}
	return nil
}

func (v *vmSandbox) Pull(remoteName, local string) error {
	args := append(sshBaseArgs(),
		fmt.Sprintf("%s:%s", sshTarget(), path.Join(vmDir, remoteName)), local)
	debugf("scp %s\n", strings.Join(args, " "))
	cmd := exec.Command("scp", args...)
	cmd.Stdout = io.Discard
	if err := v.exec.Run(cmd); err != nil {
		return fmt.Errorf("failed to pull %s: %w", remoteName, err)
	}
	return nil
}
