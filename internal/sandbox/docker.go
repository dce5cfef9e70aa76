package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DockerProvider provisions environments as long-lived containers driven
// through the docker CLI. The host checkout is bind-mounted read-only at its
// own path so repository placement can copy it into the writable workspace.
type DockerProvider struct{}

func NewDockerProvider() *DockerProvider { return &DockerProvider{} }

func (p *DockerProvider) Create(ctx context.Context, image string, repoPath string) (Handle, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("docker provider: image is required")
	}
	args := []string{
		"run", "-d",
		"-v", repoPath + ":" + repoPath + ":ro",
		image,
		"sleep", "infinity",
	}
	out, err := runDocker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return nil, fmt.Errorf("docker run returned no container id")
	}
	return &dockerHandle{container: id}, nil
}

func (p *DockerProvider) Delete(ctx context.Context, h Handle) error {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return fmt.Errorf("docker provider: foreign handle %T", h)
	}
	_, err := runDocker(ctx, "rm", "-f", dh.container)
	return err
}

type dockerHandle struct {
	container string
}

func (h *dockerHandle) ID() string { return h.container }

func (h *dockerHandle) Exec(ctx context.Context, command string, cwd string) (ExecResult, error) {
	args := []string{"exec"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, h.container, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, "docker", args...)
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

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("docker %s: %v: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
