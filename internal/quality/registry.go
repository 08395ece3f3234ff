package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reviewer kinds understood by DefaultRegistry.
const (
	ReviewerClaude  = "claude"
	ReviewerCommand = "command"
)

// Invocation is everything one reviewer call needs.
type Invocation struct {
	Instructions string
	Payload      string
	Schema       string
	Timeout      time.Duration
}

// Reviewer runs one review and returns the raw response bytes.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, inv Invocation) ([]byte, error)
}

// ReviewerConfig carries reviewer-specific settings from config.yaml.
type ReviewerConfig struct {
	// Command is the argv to run. For the claude reviewer it optionally
	// replaces the executable and prepends arguments.
	Command []string
	// Dir is the working directory of the reviewer process.
	Dir string
}

// Factory constructs a reviewer with the provided configuration.
type Factory func(ReviewerConfig) (Reviewer, error)

// Registry maintains known reviewer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry with the built-in reviewers installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ReviewerClaude, NewClaudeReviewer)
	r.MustRegister(ReviewerCommand, NewCommandReviewer)
	return r
}

// Register installs a reviewer factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("quality: reviewer kind is required")
	}
	if factory == nil {
		return fmt.Errorf("quality: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("quality: reviewer %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs a reviewer by kind.
func (r *Registry) Resolve(kind string, cfg ReviewerConfig) (Reviewer, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quality: unknown reviewer %q (known: %s)", kind, strings.Join(r.Kinds(), ", "))
	}
	reviewer, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("quality: build reviewer %s: %w", kind, err)
	}
	return reviewer, nil
}

// Kinds returns a sorted list of registered reviewer kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
