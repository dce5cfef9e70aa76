package tools

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/chiseldev/chisel/internal/llm"
)

// Diagnosis escalation policy: after three consecutive tool-call groups whose
// error rate is at or above the threshold, the workflow detours into a
// dedicated diagnostic phase instead of retrying indefinitely. A single
// failing call never triggers it.
const (
	diagnoseGroupCount   = 3
	diagnoseErrorRateMin = 0.75
)

// GroupToolMessagesByAIMessage scans the message trace in order and groups
// tool results under the assistant message that triggered them. Each assistant
// message closes the previous group and opens a new one; tool results
// immediately following accumulate into the current group, except results
// flagged as originating from a diagnosis pass; any other message type closes
// the group. Empty groups are never emitted.
func GroupToolMessagesByAIMessage(trace []llm.Message) [][]llm.Message {
	var groups [][]llm.Message
	var current []llm.Message
	open := false

	closeGroup := func() {
		if len(current) > 0 {
			groups = append(groups, current)
		}
		current = nil
	}

	for _, m := range trace {
		switch m.Role {
		case llm.RoleAssistant:
			closeGroup()
			open = true
		case llm.RoleTool:
			if !open || m.Diagnosis {
				continue
			}
			current = append(current, m)
		default:
			closeGroup()
			open = false
		}
	}
	closeGroup()
	return groups
}

// ErrorRate returns errorCount/len for one group. Empty groups rate 0.
func ErrorRate(group []llm.Message) float64 {
	if len(group) == 0 {
		return 0
	}
	errs := 0
	for _, m := range group {
		if m.IsError {
			errs++
		}
	}
	return float64(errs) / float64(len(group))
}

// ShouldDiagnose reports whether sustained failure warrants the diagnostic
// detour: at least three groups exist and each of the last three has an error
// rate of 0.75 or higher.
func ShouldDiagnose(trace []llm.Message) bool {
	groups := GroupToolMessagesByAIMessage(trace)
	if len(groups) < diagnoseGroupCount {
		return false
	}
	for _, g := range groups[len(groups)-diagnoseGroupCount:] {
		if ErrorRate(g) < diagnoseErrorRateMin {
			return false
		}
	}
	return true
}

// GroupSignature hashes a group's tool names and error contents into a stable
// signature for progress events and failure-cycle tracking.
func GroupSignature(group []llm.Message) string {
	if len(group) == 0 {
		return ""
	}
	h := blake3.New()
	for _, m := range group {
		_, _ = h.Write([]byte(m.Name))
		_, _ = h.Write([]byte{0})
		if m.IsError {
			_, _ = h.Write([]byte(m.Content))
		}
		_, _ = h.Write([]byte{'\n'})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
