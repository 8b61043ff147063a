package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/utils"
)

const (
	// SocketPollInterval is how often WaitSocket retries the connect.
	SocketPollInterval = 50 * time.Millisecond
	// DefaultGracePeriod is the SIGTERM→SIGKILL window.
	DefaultGracePeriod = 5 * time.Second
)

var _ Supervisor = (*ProcessSupervisor)(nil)

// ProcessSupervisor runs one hypervisor binary per VM.
type ProcessSupervisor struct {
	binary string
	grace  time.Duration
}

// NewProcessSupervisor returns a supervisor for binary; grace <= 0 means
// DefaultGracePeriod.
func NewProcessSupervisor(binary string, grace time.Duration) *ProcessSupervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &ProcessSupervisor{binary: binary, grace: grace}
}

// Launch starts `binary --api-sock socketPath --id vmID` in its own process
// group with stdout/stderr appended to logPath. The child is reaped in the
// background so IsAlive stays accurate after it exits.
func (s *ProcessSupervisor) Launch(ctx context.Context, vmID, socketPath, logPath string) (int, error) {
	logger := log.WithFunc("hypervisor.Launch")

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: remove stale socket %s: %v", types.ErrProcess, socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrProcess, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("%w: open log %s: %v", types.ErrProcess, logPath, err)
	}

	cmd := exec.Command(s.binary, "--api-sock", socketPath, "--id", vmID) //nolint:gosec
	// own process group: signals aimed at the CLI don't reach the VM
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("%w: exec %s: %v", types.ErrProcess, s.binary, err)
	}
	pid := cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		logger.Debugf(context.WithoutCancel(ctx), "hypervisor %s (pid %d) exited: %v", vmID, pid, err)
	}()
	logger.Infof(ctx, "launched %s for %s (pid %d)", filepath.Base(s.binary), vmID, pid)
	return pid, nil
}

// WaitSocket polls every SocketPollInterval until socketPath is connectable.
func (s *ProcessSupervisor) WaitSocket(ctx context.Context, socketPath string, pid int, timeout time.Duration) error {
	errExited := errors.New("exited")
	err := utils.WaitFor(ctx, timeout, SocketPollInterval, func() (bool, error) {
		if CheckSocket(socketPath) == nil {
			return true, nil
		}
		if pid > 0 && !utils.IsProcessAlive(pid) {
			return false, errExited
		}
		return false, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExited):
		return fmt.Errorf("%w: hypervisor pid %d exited before socket %s was ready", types.ErrProcess, pid, socketPath)
	default:
		return fmt.Errorf("wait for socket %s: %w", socketPath, err)
	}
}

func (s *ProcessSupervisor) IsAlive(pid int) bool { return utils.IsProcessAlive(pid) }

func (s *ProcessSupervisor) Terminate(ctx context.Context, pid int, graceful bool) error {
	if !graceful {
		return utils.KillProcess(pid)
	}
	return utils.TerminateProcess(ctx, pid, s.grace)
}
