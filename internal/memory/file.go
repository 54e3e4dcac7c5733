package memory

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var safeUserID = regexp.MustCompile(`^[a-z0-9_\-]+$`)

// FileStore keeps one indented JSON document per user under dir.
type FileStore struct {
	dir   string
	locks sync.Map // userID -> *sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing userID. IDs outside [a-z0-9_-] are
// hex-encoded, so names stay distinct on case-insensitive filesystems and
// never leave dir. The '.' keeps encoded names apart from plain ones.
func (s *FileStore) Path(userID string) string {
	name := userID
	if !safeUserID.MatchString(userID) {
		name = "hex." + hex.EncodeToString([]byte(userID))
	}
	return filepath.Join(s.dir, "memory_"+name+".json")
}

func (s *FileStore) Load(_ context.Context, userID string) (State, bool, error) {
	unlock := s.lock(userID)
	defer unlock()

	path := s.Path(userID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if st.UserID != "" && st.UserID != userID {
		return State{}, false, fmt.Errorf("%w: %s belongs to user %q", ErrCorrupt, path, st.UserID)
	}
	st.UserID = userID
	st.normalize()
	return st, true, nil
}

func (s *FileStore) Save(_ context.Context, userID string, state State) error {
	unlock := s.lock(userID)
	defer unlock()

	state.UserID = userID
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}

	path := s.Path(userID)
	tmp, err := os.CreateTemp(s.dir, ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) lock(userID string) func() {
	v, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
