package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// Store resolves and reads output files relative to the project root.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore builds a store rooted at projectRoot. A nil filesystem means the
// host OS filesystem.
func NewStore(fsys afero.Fs, projectRoot string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, root: filepath.Clean(projectRoot)}
}

// Root returns the project root the store resolves against.
func (s *Store) Root() string {
	return s.root
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Resolve returns the absolute path for a submitted output path.
func (s *Store) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.root, path)
}

// Within reports whether path resolves to a location under the project root.
func (s *Store) Within(path string) bool {
	rel, err := filepath.Rel(s.root, s.Resolve(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Check reports whether path names an existing regular file.
func (s *Store) Check(path string) (bool, error) {
	info, err := s.fs.Stat(s.Resolve(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifact: stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// FileContent is one output file prepared for review.
type FileContent struct {
	Path     string
	AbsPath  string
	Text     string
	Included bool
	// Reason explains why the content was left out.
	Reason string
}

// Read loads a file for inclusion in a review payload. Unreadable, binary or
// out-of-root files are reported as not included rather than failing.
func (s *Store) Read(path string) FileContent {
	abs := s.Resolve(path)
	content := FileContent{Path: path, AbsPath: abs}
	if !s.Within(path) {
		content.Reason = "outside the project root"
		return content
	}
	data, err := afero.ReadFile(s.fs, abs)
	if err != nil {
		content.Reason = fmt.Sprintf("unreadable: %v", err)
		return content
	}
	if isBinary(data) {
		content.Reason = "binary file"
		return content
	}
	content.Text = string(data)
	content.Included = true
	return content
}

// WriteFile persists data at a project-relative path, creating parents.
func (s *Store) WriteFile(path string, data []byte) (string, error) {
	abs := s.Resolve(path)
	if err := s.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("artifact: ensure dir for %s: %w", path, err)
	}
	if err := afero.WriteFile(s.fs, abs, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return abs, nil
}

func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(data)
}
