package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Metadata is the provenance block written at the top of generated documents
// such as self-review instructions.
type Metadata struct {
	Kind      string
	SessionID string
	Job       string
	Workflow  string
	StepID    string
	Attempt   int
	CreatedAt time.Time
}

// ParseFrontMatter extracts the metadata block and body from a document that starts
// with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope waymarkEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, bytes.TrimLeft(parts[1], "\n"), nil
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.Kind == "" {
		return nil, fmt.Errorf("artifact: metadata missing kind")
	}
	envelope := waymarkEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type waymarkEnvelope struct {
	Waymark waymarkMetadata `yaml:"waymark"`
}

type waymarkMetadata struct {
	Kind     string `yaml:"kind"`
	Session  string `yaml:"session,omitempty"`
	Job      string `yaml:"job,omitempty"`
	Workflow string `yaml:"workflow,omitempty"`
	Step     string `yaml:"step,omitempty"`
	Attempt  int    `yaml:"attempt,omitempty"`
	Created  string `yaml:"created"`
}

func (e waymarkEnvelope) toMetadata() (Metadata, error) {
	if e.Waymark.Kind == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Waymark.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		Kind:      e.Waymark.Kind,
		SessionID: e.Waymark.Session,
		Job:       e.Waymark.Job,
		Workflow:  e.Waymark.Workflow,
		StepID:    e.Waymark.Step,
		Attempt:   e.Waymark.Attempt,
		CreatedAt: created,
	}, nil
}

func (e *waymarkEnvelope) fromMetadata(meta Metadata) {
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	e.Waymark = waymarkMetadata{
		Kind:     meta.Kind,
		Session:  meta.SessionID,
		Job:      meta.Job,
		Workflow: meta.Workflow,
		Step:     meta.StepID,
		Attempt:  meta.Attempt,
		Created:  created.UTC().Format(time.RFC3339),
	}
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
