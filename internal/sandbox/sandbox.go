// Package sandbox provisions and tracks the isolated execution environment a
// task runs against: an environment handle bound to a repository checkout for
// the lifetime of a session.
package sandbox

import (
	"context"
	"fmt"
)

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Handle is a live execution environment. Exec is bound to the calling
// context so aborting a run stops in-flight sandbox commands.
type Handle interface {
	ID() string
	Exec(ctx context.Context, command string, cwd string) (ExecResult, error)
}

// Provider creates and destroys execution environments.
type Provider interface {
	Create(ctx context.Context, image string, repoPath string) (Handle, error)
	Delete(ctx context.Context, h Handle) error
}

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// Event is the structured lifecycle event emitted for every setup step.
type Event struct {
	Action           string     `json:"action"`
	Status           StepStatus `json:"status"`
	SandboxSessionID string     `json:"sandbox_session_id,omitempty"`
	Branch           string     `json:"branch,omitempty"`
	Repo             string     `json:"repo,omitempty"`
	Detail           string     `json:"detail,omitempty"`
}

type State string

const (
	StateUninitialized State = "uninitialized"
	StateCreated       State = "created"
	StateRepoReady     State = "repo-ready"
	StateTreeBuilt     State = "tree-built"
)

// ErrProvisioning wraps a provisioning failure. Provisioning failures are
// fatal: the run cannot proceed without an environment.
type ErrProvisioning struct{ Err error }

func (e *ErrProvisioning) Error() string { return fmt.Sprintf("sandbox provisioning: %v", e.Err) }
func (e *ErrProvisioning) Unwrap() error { return e.Err }
