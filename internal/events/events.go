// Package events is the structured progress stream: every notable step of a
// session appends one JSON object per line to progress.ndjson under the
// session's logs root. Consumers tail the file or read the last event for a
// status snapshot.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const progressFile = "progress.ndjson"

// Log appends progress events for one session. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string

	// now is swappable for deterministic tests.
	now func() time.Time
}

func NewLog(logsRoot string) (*Log, error) {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("events: create logs root: %w", err)
	}
	return &Log{path: filepath.Join(logsRoot, progressFile), now: time.Now}, nil
}

// Append writes one event line. The event map is not mutated; a ts field is
// added on the wire. Append failures are returned but callers typically treat
// them as non-fatal — the run matters more than its log.
func (l *Log) Append(ev map[string]any) error {
	out := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = l.now().UTC().Format(time.RFC3339Nano)

	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("events: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("events: write %s: %w", l.path, err)
	}
	return nil
}

// Sink adapts the log to the func(map[string]any) sinks the rest of the
// system takes. Append errors are swallowed here on purpose.
func (l *Log) Sink() func(map[string]any) {
	return func(ev map[string]any) { _ = l.Append(ev) }
}

// LastEvent returns the final event in a session's progress log, or found=false
// when the log does not exist or is empty. Malformed trailing lines (a crash
// mid-write) are skipped in favor of the last decodable one.
func LastEvent(logsRoot string) (map[string]any, bool, error) {
	f, err := os.Open(filepath.Join(logsRoot, progressFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	var last map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		last = ev
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == nil {
		return nil, false, nil
	}
	return last, true, nil
}

// ReadAll decodes every event line in order. Used by status rendering and
// tests; malformed lines are skipped.
func ReadAll(logsRoot string) ([]map[string]any, error) {
	f, err := os.Open(filepath.Join(logsRoot, progressFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
