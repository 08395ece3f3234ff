package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	sessionFilePrefix = "session_"
	sessionFileSuffix = ".json"
)

// ErrSessionFileNotFound is returned when no session file exists for an id.
var ErrSessionFileNotFound = errors.New("state: session file not found")

// Repository stores one JSON document per session inside a directory.
type Repository struct {
	fs  afero.Fs
	dir string
}

// NewRepository creates a repository rooted at the sessions directory.
func NewRepository(fsys afero.Fs, dir string) *Repository {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Repository{fs: fsys, dir: dir}
}

// Dir returns the sessions directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Path returns the file that holds the given session.
func (r *Repository) Path(sessionID string) string {
	return filepath.Join(r.dir, sessionFilePrefix+sessionID+sessionFileSuffix)
}

// Exists reports whether a file for the session id is present.
func (r *Repository) Exists(sessionID string) bool {
	ok, err := afero.Exists(r.fs, r.Path(sessionID))
	return err == nil && ok
}

// Load reads one persisted session.
func (r *Repository) Load(sessionID string) (Session, error) {
	data, err := afero.ReadFile(r.fs, r.Path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionFileNotFound, sessionID)
		}
		return Session{}, fmt.Errorf("state: read session %s: %w", sessionID, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("state: decode session %s: %w", sessionID, err)
	}
	return session, nil
}

// Save writes the session via a temp file and rename so readers never see a
// partially written document.
func (r *Repository) Save(session Session) error {
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("state: ensure sessions dir: %w", err)
	}
	encoded, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode session %s: %w", session.SessionID, err)
	}
	path := r.Path(session.SessionID)
	tmp := path + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("state: write session %s: %w", session.SessionID, err)
	}
	if err := r.fs.Rename(tmp, path); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("state: replace session %s: %w", session.SessionID, err)
	}
	return nil
}

// Delete removes the session file. Missing files are not an error.
func (r *Repository) Delete(sessionID string) error {
	err := r.fs.Remove(r.Path(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("state: delete session %s: %w", sessionID, err)
	}
	return nil
}

// List decodes every session file in the directory. Files that cannot be
// read or decoded are returned in skipped rather than failing the listing.
func (r *Repository) List() (sessions []Session, skipped []string, err error) {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("state: list sessions: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, sessionFilePrefix) || !strings.HasSuffix(name, sessionFileSuffix) {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, readErr := afero.ReadFile(r.fs, path)
		if readErr != nil {
			skipped = append(skipped, path)
			continue
		}
		var session Session
		if decodeErr := json.Unmarshal(data, &session); decodeErr != nil || session.SessionID == "" {
			skipped = append(skipped, path)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, skipped, nil
}
