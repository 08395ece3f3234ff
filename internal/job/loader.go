package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the file name of a job definition inside its directory.
const DefinitionFile = "job.yml"

// ErrJobNotFound is returned when no job directory matches the requested name.
var ErrJobNotFound = errors.New("job: not found")

// ParseJobYAML decodes and validates a job definition. dir is used to resolve
// instructions_file references and may be empty for inline-only jobs.
func ParseJobYAML(data []byte, dir string) (*Job, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("job: definition payload is empty")
	}
	var def Job
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("job: decode definition: %w", err)
	}
	def.Dir = dir
	if err := def.loadInstructions(); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadJobReader reads a job definition from an io.Reader.
func LoadJobReader(r io.Reader, dir string) (*Job, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("job: read definition: %w", err)
	}
	return ParseJobYAML(content, dir)
}

// LoadJobFile loads a job definition from an explicit file path.
func LoadJobFile(path string) (*Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("job: read %s: %w", path, err)
	}
	defer f.Close()
	def, parseErr := LoadJobReader(f, filepath.Dir(path))
	if parseErr != nil {
		return nil, fmt.Errorf("job: %s: %w", path, parseErr)
	}
	return def, nil
}

func (j *Job) loadInstructions() error {
	for idx := range j.Steps {
		step := &j.Steps[idx]
		if step.InstructionsFile == "" || strings.TrimSpace(step.Instructions) != "" {
			continue
		}
		path := step.InstructionsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(j.Dir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("job: step %s instructions: %w", step.ID, err)
		}
		step.Instructions = string(content)
	}
	return nil
}

// Library finds jobs by name across one or more directories. Each job lives
// in <dir>/<name>/job.yml. Earlier directories win on name collisions.
type Library struct {
	dirs []string
}

// NewLibrary returns a library searching dirs in order.
func NewLibrary(dirs ...string) *Library {
	clean := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if strings.TrimSpace(dir) != "" {
			clean = append(clean, dir)
		}
	}
	return &Library{dirs: clean}
}

// Job loads the named job. Definitions are read on every call so edits are
// picked up without restarting.
func (l *Library) Job(name string) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	for _, dir := range l.dirs {
		path := filepath.Join(dir, name, DefinitionFile)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("job: stat %s: %w", path, err)
		}
		return LoadJobFile(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
}

// Names lists every job directory that contains a definition file.
func (l *Library) Names() ([]string, error) {
	seen := map[string]struct{}{}
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("job: list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, entry.Name(), DefinitionFile)); err == nil {
				seen[entry.Name()] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
