package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

type ManagerConfig struct {
	Mode Mode

	// Image is the base image for remote provisioning.
	Image string

	// RepoPath is the host-side repository checkout.
	RepoPath string

	// WorkspacePath is where remote environments expect the repository.
	WorkspacePath string

	// Branch to check out after repo placement. Empty keeps the current branch.
	Branch string

	// InstallCommand installs project dependencies after the repository is in
	// place. Empty skips the step.
	InstallCommand string

	// Tree snapshot options.
	TreeMaxDepth int
	IgnoreGlobs  []string
}

func (c *ManagerConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = "/workspace"
	}
	if c.TreeMaxDepth <= 0 {
		c.TreeMaxDepth = 3
	}
}

// Session is the result of initialization: a tracked environment plus the
// codebase tree snapshot (which may be empty when a non-fatal step failed).
type Session struct {
	ID                    string
	State                 State
	Handle                Handle
	WorkingDir            string
	CodebaseTree          string
	DependenciesInstalled bool
}

// Manager drives the sandbox lifecycle uninitialized → created → repo-ready →
// tree-built, emitting one structured event per step.
type Manager struct {
	cfg      ManagerConfig
	provider Provider
	onEvent  func(Event)
}

func NewManager(cfg ManagerConfig, provider Provider, onEvent func(Event)) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, provider: provider, onEvent: onEvent}
}

func (m *Manager) emit(action string, status StepStatus, sessionID, detail string) {
	if m.onEvent == nil {
		return
	}
	m.onEvent(Event{
		Action:           action,
		Status:           status,
		SandboxSessionID: sessionID,
		Branch:           m.cfg.Branch,
		Repo:             m.cfg.RepoPath,
		Detail:           detail,
	})
}

// Initialize provisions (or, for local mode, adopts) the environment and builds
// the codebase tree. A provisioning failure is fatal and re-thrown; every later
// step failure is reported as an event and the run continues with partial state.
func (m *Manager) Initialize(ctx context.Context) (*Session, error) {
	s := &Session{ID: ulid.Make().String(), State: StateUninitialized}

	if m.cfg.Mode == ModeLocal {
		// Local mode: no remote environment, no repo relocation. The working
		// directory is the checkout itself.
		m.emit("provision-environment", StepSkipped, s.ID, "local mode")
		m.emit("place-repository", StepSkipped, s.ID, "local mode")
		s.Handle = &localHandle{id: s.ID}
		s.WorkingDir = m.cfg.RepoPath
		s.State = StateRepoReady
	} else {
		m.emit("provision-environment", StepPending, s.ID, "")
		h, err := m.provider.Create(ctx, m.cfg.Image, m.cfg.RepoPath)
		if err != nil {
			m.emit("provision-environment", StepError, s.ID, err.Error())
			return nil, &ErrProvisioning{Err: err}
		}
		s.Handle = h
		s.State = StateCreated
		m.emit("provision-environment", StepSuccess, s.ID, "")

		m.emit("place-repository", StepPending, s.ID, "")
		if err := m.placeRepository(ctx, s); err != nil {
			m.emit("place-repository", StepError, s.ID, err.Error())
		} else {
			s.State = StateRepoReady
			m.emit("place-repository", StepSuccess, s.ID, "")
		}
		s.WorkingDir = m.cfg.WorkspacePath
	}

	if m.cfg.Branch != "" {
		m.emit("checkout-branch", StepPending, s.ID, "")
		if _, err := s.Handle.Exec(ctx, fmt.Sprintf("git switch %q || git switch -c %q", m.cfg.Branch, m.cfg.Branch), s.WorkingDir); err != nil {
			m.emit("checkout-branch", StepError, s.ID, err.Error())
		} else {
			m.emit("checkout-branch", StepSuccess, s.ID, "")
		}
	}

	if m.cfg.InstallCommand != "" {
		m.emit("install-dependencies", StepPending, s.ID, "")
		res, err := s.Handle.Exec(ctx, m.cfg.InstallCommand, s.WorkingDir)
		switch {
		case err != nil:
			// Missing dependencies degrade the run; they do not abort it.
			m.emit("install-dependencies", StepError, s.ID, err.Error())
		case res.ExitCode != 0:
			m.emit("install-dependencies", StepError, s.ID, strings.TrimSpace(res.Stderr))
		default:
			s.DependenciesInstalled = true
			m.emit("install-dependencies", StepSuccess, s.ID, "")
		}
	}

	m.emit("build-codebase-tree", StepPending, s.ID, "")
	tree, err := m.buildTree(ctx, s)
	if err != nil {
		// Missing tree is tolerable partial state; the model just works blind.
		m.emit("build-codebase-tree", StepError, s.ID, err.Error())
	} else {
		s.CodebaseTree = tree
		s.State = StateTreeBuilt
		m.emit("build-codebase-tree", StepSuccess, s.ID, "")
	}

	return s, nil
}

// placeRepository relocates the repository contents into the expected
// workspace path inside the remote environment.
func (m *Manager) placeRepository(ctx context.Context, s *Session) error {
	cmd := fmt.Sprintf("mkdir -p %q && cp -a %q/. %q/", m.cfg.WorkspacePath, m.cfg.RepoPath, m.cfg.WorkspacePath)
	res, err := s.Handle.Exec(ctx, cmd, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("place repository exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) buildTree(ctx context.Context, s *Session) (string, error) {
	if m.cfg.Mode == ModeLocal {
		return BuildTree(s.WorkingDir, m.cfg.TreeMaxDepth, m.cfg.IgnoreGlobs)
	}
	cmd := fmt.Sprintf("find . -maxdepth %d -not -path './.git*' -not -path './node_modules*' | sort", m.cfg.TreeMaxDepth)
	res, err := s.Handle.Exec(ctx, cmd, s.WorkingDir)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tree build exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return FormatFindOutput(res.Stdout, m.cfg.IgnoreGlobs), nil
}

// Teardown deletes a remote environment. Local sessions have nothing to tear down.
func (m *Manager) Teardown(ctx context.Context, s *Session) error {
	if s == nil || s.Handle == nil || m.cfg.Mode == ModeLocal {
		return nil
	}
	return m.provider.Delete(ctx, s.Handle)
}
