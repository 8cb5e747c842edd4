// Package environ abstracts the execution environment boundary: "run this
// job's script in an isolated environment with these services attached".
// Scripts are opaque ordered shell commands; the engine only observes exit
// status and captured output.
package environ

import (
	"context"
	"fmt"
)

// Service describes a sidecar container attached to a job's environment.
type Service struct {
	Image   string
	Alias   string
	Command []string
}

// JobSpec is everything an adapter needs to execute one job attempt.
type JobSpec struct {
	// Name is the job name, for logging only.
	Name string
	// Image is the container image reference the job declared.
	Image string
	// Services are the sidecar containers to attach.
	Services []Service
	// Script is the ordered list of shell commands. The first non-zero
	// exit aborts the remainder.
	Script []string
	// Env is the merged set of KEY=VALUE environment variables to inject.
	Env []string
	// WorkDir is the job's working directory, with caches and upstream
	// artifacts already materialized in place.
	WorkDir string
}

// RunResult is the observable outcome of one attempt. ExitCode zero means
// every script line succeeded.
type RunResult struct {
	ExitCode int
	// Log is the combined stdout+stderr of the executed script lines.
	Log string
}

// Error reports that the environment itself could not be brought up or torn
// down, as opposed to the script failing inside a healthy environment.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("environment %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Adapter dispatches one job attempt to an isolated environment and awaits
// its exit. Implementations must honor ctx cancellation by terminating the
// environment. A non-nil error is an environment-level problem (*Error);
// script failure is reported through RunResult.ExitCode with a nil error.
type Adapter interface {
	Run(ctx context.Context, spec JobSpec) (RunResult, error)
}
