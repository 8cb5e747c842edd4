package environ

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/conveyor-ci/conveyor/internal/ctxlog"
)

// Local is an in-process adapter that executes scripts with the host shell.
// Declared images and services are recorded in the job log but not
// materialized; running real containers is a concern for a different
// adapter behind the same interface.
type Local struct {
	// Shell is the interpreter for script lines; defaults to "sh".
	Shell string
}

// NewLocal returns a Local adapter using /bin/sh semantics.
func NewLocal() *Local {
	return &Local{Shell: "sh"}
}

// Run executes the job's script lines one at a time via `sh -c`. The first
// non-zero exit aborts the remaining lines and its code is reported.
func (l *Local) Run(ctx context.Context, spec JobSpec) (RunResult, error) {
	logger := ctxlog.FromContext(ctx)

	var out bytes.Buffer
	if spec.Image != "" {
		fmt.Fprintf(&out, "# image: %s\n", spec.Image)
	}
	for _, svc := range spec.Services {
		fmt.Fprintf(&out, "# service: %s alias=%s\n", svc.Image, svc.Alias)
	}

	env := append(os.Environ(), spec.Env...)
	for _, line := range spec.Script {
		fmt.Fprintf(&out, "$ %s\n", line)

		cmd := exec.CommandContext(ctx, l.shell(), "-c", line)
		cmd.Dir = spec.WorkDir
		cmd.Env = env
		cmd.Stdout = &out
		cmd.Stderr = &out
		// The shell gets its own process group so cancellation reaches any
		// children it spawned, and WaitDelay unblocks Run even if a child
		// ignores the signal while holding the output pipe.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
		cmd.WaitDelay = 2 * time.Second

		err := cmd.Run()
		if err == nil {
			continue
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			logger.Debug("Script line failed.", "job", spec.Name, "exit_code", code)
			return RunResult{ExitCode: code, Log: out.String()}, nil
		}
		// Not a script failure: the command could not be started at all.
		return RunResult{ExitCode: -1, Log: out.String()}, &Error{Op: "exec", Err: err}
	}

	return RunResult{ExitCode: 0, Log: out.String()}, nil
}

func (l *Local) shell() string {
	if l.Shell != "" {
		return l.Shell
	}
	return "sh"
}
