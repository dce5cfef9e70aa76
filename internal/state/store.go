// Package state persists opaque resumable session records keyed by session id.
// The encoding is msgpack with a leading blake3 checksum; a corrupt or
// truncated record fails to load rather than resuming a half-written session.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

var ErrNotFound = errors.New("session state not found")

type Store interface {
	Save(sessionID string, v any) error
	Load(sessionID string, out any) error
	Delete(sessionID string) error
	Exists(sessionID string) bool
}

// FileStore keeps one file per session under root.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("state store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, id+".state"), nil
}

const checksumLen = 32

func (s *FileStore) Save(sessionID string, v any) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	sum := blake3.Sum256(body)
	buf := make([]byte, 0, checksumLen+len(body))
	buf = append(buf, sum[:]...)
	buf = append(buf, body...)

	// Write-then-rename so a crash mid-save never leaves a torn record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Load(sessionID string, out any) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if len(b) < checksumLen {
		return fmt.Errorf("session %s: record truncated (%d bytes)", sessionID, len(b))
	}
	sum := blake3.Sum256(b[checksumLen:])
	if !bytes.Equal(sum[:], b[:checksumLen]) {
		return fmt.Errorf("session %s: checksum mismatch", sessionID)
	}
	if err := msgpack.Unmarshal(b[checksumLen:], out); err != nil {
		return fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return nil
}

func (s *FileStore) Delete(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Exists(sessionID string) bool {
	path, err := s.path(sessionID)
	if err != nil {
		return false
	}
	_, serr := os.Stat(path)
	return serr == nil
}
