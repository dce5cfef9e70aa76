// Package workflow implements the phase state machine that composes sandbox,
// tools, model routing, and the task plan into the plan → act → review →
// publish lifecycle.
package workflow

import (
	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
)

// RepoDescriptor identifies the target repository checkout.
type RepoDescriptor struct {
	Path       string `json:"path" msgpack:"path"`
	Owner      string `json:"owner,omitempty" msgpack:"owner,omitempty"`
	Name       string `json:"name,omitempty" msgpack:"name,omitempty"`
	BaseBranch string `json:"base_branch" msgpack:"base_branch"`
}

// State is the session-scoped mutable bag a workflow run mutates. It is the
// unit of persistence: an interrupted session serializes State and resumes
// from it by session id.
type State struct {
	SessionID string `msgpack:"session_id"`

	// Messages is the conversation history sent to the model.
	Messages []llm.Message `msgpack:"messages"`

	// Internal is the separate tool-loop bookkeeping trace used for failure
	// grouping; it never feeds model input directly.
	Internal []llm.Message `msgpack:"internal"`

	SandboxSessionID      string         `msgpack:"sandbox_session_id"`
	BranchName            string         `msgpack:"branch_name"`
	CodebaseTree          string         `msgpack:"codebase_tree"`
	DependenciesInstalled bool           `msgpack:"dependencies_installed"`
	TargetRepo            RepoDescriptor `msgpack:"target_repo"`

	Plan plan.TaskPlan `msgpack:"plan"`

	// Request is the original user request the session was started with.
	Request string `msgpack:"request"`

	// PendingCalls carries the tool calls chosen by generate-action into
	// take-action.
	PendingCalls []llm.ToolCallData `msgpack:"pending_calls"`

	// HelpQuestion is the outstanding human-help request, if any.
	HelpQuestion string `msgpack:"help_question"`

	// CommitSeq is the auto-commit counter, persisted so numbering stays
	// monotonic when a session resumes in a fresh process.
	CommitSeq int `msgpack:"commit_seq"`

	// CurrentPhase and Steps are runner bookkeeping, persisted so an
	// interrupted run resumes from the same phase.
	CurrentPhase string `msgpack:"current_phase"`
	Steps        int    `msgpack:"steps"`
}

// Update is the partial state delta a Transition carries. Nil pointer fields
// leave the corresponding state untouched; append fields accumulate.
type Update struct {
	AppendMessages []llm.Message
	AppendInternal []llm.Message

	SandboxSessionID      *string
	BranchName            *string
	CodebaseTree          *string
	DependenciesInstalled *bool
	TargetRepo            *RepoDescriptor
	Plan                  *plan.TaskPlan

	PendingCalls *[]llm.ToolCallData
	HelpQuestion *string
	CommitSeq    *int
}

func (s *State) apply(u *Update) {
	if u == nil {
		return
	}
	s.Messages = append(s.Messages, u.AppendMessages...)
	s.Internal = append(s.Internal, u.AppendInternal...)
	if u.SandboxSessionID != nil {
		s.SandboxSessionID = *u.SandboxSessionID
	}
	if u.BranchName != nil {
		s.BranchName = *u.BranchName
	}
	if u.CodebaseTree != nil {
		s.CodebaseTree = *u.CodebaseTree
	}
	if u.DependenciesInstalled != nil {
		s.DependenciesInstalled = *u.DependenciesInstalled
	}
	if u.TargetRepo != nil {
		s.TargetRepo = *u.TargetRepo
	}
	if u.Plan != nil {
		s.Plan = *u.Plan
	}
	if u.PendingCalls != nil {
		s.PendingCalls = *u.PendingCalls
	}
	if u.HelpQuestion != nil {
		s.HelpQuestion = *u.HelpQuestion
	}
	if u.CommitSeq != nil {
		s.CommitSeq = *u.CommitSeq
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(n int) *int       { return &n }
