package state

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/kingrea/waymark/internal/artifact"
)

const sessionIDLength = 8

// Manager owns the session stack and its on-disk files.
type Manager struct {
	mu     sync.Mutex
	repo   *Repository
	stack  []*Session
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option customizes the manager instance.
type Option func(*Manager)

// WithFs swaps the filesystem (tests use afero.NewMemMapFs).
func WithFs(fsys afero.Fs) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.repo = NewRepository(fsys, m.repo.Dir())
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator overrides session id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager persisting sessions under sessionsDir. The
// in-memory stack starts empty; see Restore.
func NewManager(sessionsDir string, opts ...Option) *Manager {
	m := &Manager{
		repo:   NewRepository(afero.NewOsFs(), sessionsDir),
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  defaultSessionID,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:sessionIDLength]
}

// CreateRequest describes a new session.
type CreateRequest struct {
	JobName      string
	WorkflowName string
	Goal         string
	FirstStepID  string
	InstanceID   string
}

// CreateSession allocates an id, pushes an active session on top of the
// stack, and persists it.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.allocateID()
	session := &Session{
		SessionID:     id,
		JobName:       req.JobName,
		WorkflowName:  req.WorkflowName,
		InstanceID:    req.InstanceID,
		Goal:          req.Goal,
		CurrentStepID: req.FirstStepID,
		StepProgress:  map[string]StepProgress{},
		StartedAt:     m.clock(),
		Status:        StatusActive,
	}
	if err := m.repo.Save(*session); err != nil {
		return Session{}, err
	}
	m.stack = append(m.stack, session)
	m.logger.InfoContext(ctx, "session created",
		"session_id", id,
		"workflow", session.Label(),
		"depth", len(m.stack),
	)
	return session.Clone(), nil
}

func (m *Manager) allocateID() string {
	for {
		id := m.newID()
		if m.indexOf(id) < 0 && !m.repo.Exists(id) {
			return id
		}
	}
}

// ResolveSession returns the targeted session: the top of the stack when
// sessionID is empty, otherwise the stack entry with that id.
func (m *Manager) ResolveSession(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.resolve(sessionID)
	if err != nil {
		return Session{}, err
	}
	return session.Clone(), nil
}

// resolve must be called with m.mu held.
func (m *Manager) resolve(sessionID string) (*Session, error) {
	if sessionID == "" {
		if len(m.stack) == 0 {
			return nil, &Error{Err: ErrNoActiveSession}
		}
		return m.stack[len(m.stack)-1], nil
	}
	idx := m.indexOf(sessionID)
	if idx < 0 {
		return nil, &Error{Err: ErrSessionNotFound, SessionID: sessionID}
	}
	return m.stack[idx], nil
}

func (m *Manager) indexOf(sessionID string) int {
	for idx, session := range m.stack {
		if session.SessionID == sessionID {
			return idx
		}
	}
	return -1
}

// ActiveSession returns the top of the stack, or nil when the stack is empty.
func (m *Manager) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return nil
	}
	top := m.stack[len(m.stack)-1].Clone()
	return &top
}

// mutate resolves the session, applies fn, and persists the result while
// holding the lock.
func (m *Manager) mutate(sessionID string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.resolve(sessionID)
	if err != nil {
		return Session{}, err
	}
	working := session.Clone()
	if err := fn(&working); err != nil {
		return Session{}, err
	}
	if err := m.repo.Save(working); err != nil {
		return Session{}, err
	}
	*session = working
	return working.Clone(), nil
}

// StartStep marks stepID current and sets (or refreshes) its start time.
func (m *Manager) StartStep(stepID, sessionID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		now := m.clock()
		progress, ok := s.StepProgress[stepID]
		if !ok {
			progress = StepProgress{StepID: stepID}
		}
		progress.StartedAt = &now
		s.StepProgress[stepID] = progress
		s.CurrentStepID = stepID
		return nil
	})
	return err
}

// CompleteStep records the accepted outputs and notes for stepID.
func (m *Manager) CompleteStep(stepID string, outputs artifact.Outputs, notes, sessionID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		now := m.clock()
		progress, ok := s.StepProgress[stepID]
		if !ok {
			progress = StepProgress{StepID: stepID, StartedAt: &now}
		}
		progress.CompletedAt = &now
		progress.Outputs = outputs.Clone()
		progress.Notes = notes
		s.StepProgress[stepID] = progress
		return nil
	})
	return err
}

// RecordQualityAttempt increments the step's quality attempt counter and
// returns the new count.
func (m *Manager) RecordQualityAttempt(stepID, sessionID string) (int, error) {
	var attempts int
	_, err := m.mutate(sessionID, func(s *Session) error {
		progress, ok := s.StepProgress[stepID]
		if !ok {
			progress = StepProgress{StepID: stepID}
		}
		progress.QualityAttempts++
		attempts = progress.QualityAttempts
		s.StepProgress[stepID] = progress
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// AdvanceToStep moves the session to a new position.
func (m *Manager) AdvanceToStep(stepID string, entryIndex int, sessionID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		s.CurrentStepID = stepID
		s.CurrentEntryIndex = entryIndex
		return nil
	})
	return err
}

// GoToStep deletes progress for every id in invalidate, then moves the
// session to the new position.
func (m *Manager) GoToStep(stepID string, entryIndex int, invalidate []string, sessionID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		for _, id := range invalidate {
			delete(s.StepProgress, id)
		}
		s.CurrentStepID = stepID
		s.CurrentEntryIndex = entryIndex
		return nil
	})
	return err
}

// CompleteWorkflow marks the session completed, removes it from the stack,
// and returns the new top of the stack (nil when empty).
func (m *Manager) CompleteWorkflow(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	working := session.Clone()
	now := m.clock()
	working.Status = StatusCompleted
	working.CompletedAt = &now
	if err := m.repo.Save(working); err != nil {
		return nil, err
	}
	m.remove(working.SessionID)
	m.logger.InfoContext(ctx, "session completed", "session_id", working.SessionID, "workflow", working.Label())
	return m.top(), nil
}

// AbortWorkflow marks the session aborted with the explanation, removes it
// from the stack, and returns the aborted session plus the new top.
func (m *Manager) AbortWorkflow(ctx context.Context, explanation, sessionID string) (Session, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.resolve(sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	working := session.Clone()
	now := m.clock()
	working.Status = StatusAborted
	working.AbortReason = explanation
	working.CompletedAt = &now
	if err := m.repo.Save(working); err != nil {
		return Session{}, nil, err
	}
	m.remove(working.SessionID)
	m.logger.InfoContext(ctx, "session aborted", "session_id", working.SessionID, "workflow", working.Label(), "reason", explanation)
	return working.Clone(), m.top(), nil
}

// remove filters the session out of the stack without reordering the rest.
func (m *Manager) remove(sessionID string) {
	filtered := m.stack[:0]
	for _, session := range m.stack {
		if session.SessionID != sessionID {
			filtered = append(filtered, session)
		}
	}
	for i := len(filtered); i < len(m.stack); i++ {
		m.stack[i] = nil
	}
	m.stack = filtered
}

func (m *Manager) top() *Session {
	if len(m.stack) == 0 {
		return nil
	}
	top := m.stack[len(m.stack)-1].Clone()
	return &top
}

// AllOutputs merges the outputs of every completed step in completion order;
// later steps overwrite earlier ones on key collisions.
func (m *Manager) AllOutputs(sessionID string) (artifact.Outputs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	completed := make([]StepProgress, 0, len(session.StepProgress))
	for _, progress := range session.StepProgress {
		if progress.CompletedAt != nil {
			completed = append(completed, progress)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		a, b := completed[i].CompletedAt, completed[j].CompletedAt
		if a.Equal(*b) {
			return completed[i].StepID < completed[j].StepID
		}
		return a.Before(*b)
	})
	merged := artifact.Outputs{}
	for _, progress := range completed {
		merged.Merge(progress.Outputs)
	}
	return merged, nil
}

// Stack returns the session stack from bottom to top.
func (m *Manager) Stack() []StackEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]StackEntry, 0, len(m.stack))
	for _, session := range m.stack {
		entries = append(entries, StackEntry{
			SessionID: session.SessionID,
			Workflow:  session.Label(),
			Step:      session.CurrentStepID,
		})
	}
	return entries
}

// Depth returns the number of sessions on the stack.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// ListSessions returns every persisted session, most recently started first.
// Corrupt files are skipped.
func (m *Manager) ListSessions() ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, skipped, err := m.repo.List()
	if err != nil {
		return nil, err
	}
	for _, path := range skipped {
		m.logger.Debug("skipping unreadable session file", "path", path)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// LoadSession reads a persisted session regardless of stack membership.
func (m *Manager) LoadSession(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo.Load(sessionID)
}

// DeleteSession removes the session file and stack entry. Deleting an
// unknown id is a no-op.
func (m *Manager) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.repo.Delete(sessionID); err != nil {
		return err
	}
	m.remove(sessionID)
	return nil
}

// Restore pushes every persisted active session that is not already on the
// stack, oldest first, and returns how many were restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, skipped, err := m.repo.List()
	if err != nil {
		return 0, fmt.Errorf("state: restore: %w", err)
	}
	for _, path := range skipped {
		m.logger.DebugContext(ctx, "skipping unreadable session file", "path", path)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	restored := 0
	for _, session := range sessions {
		if session.Status != StatusActive || m.indexOf(session.SessionID) >= 0 {
			continue
		}
		if session.StepProgress == nil {
			session.StepProgress = map[string]StepProgress{}
		}
		restoredSession := session.Clone()
		m.stack = append(m.stack, &restoredSession)
		restored++
	}
	if restored > 0 {
		m.logger.InfoContext(ctx, "restored active sessions", "count", restored)
	}
	return restored, nil
}
