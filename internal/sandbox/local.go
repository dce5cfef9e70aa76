package sandbox

import (
	"bytes"
	"context"
	"os/exec"
)

// localHandle runs commands directly on the host, scoped to the repository
// checkout. Used by local mode and by tests.
type localHandle struct {
	id string
}

func (h *localHandle) ID() string { return h.id }

func (h *localHandle) Exec(ctx context.Context, command string, cwd string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// NewLocalHandle exposes the local executor for callers that manage their own
// session lifecycle (e.g., the review stage re-running commands against the
// checkout).
func NewLocalHandle(id string) Handle { return &localHandle{id: id} }
