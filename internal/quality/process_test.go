package quality

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellReviewer(t *testing.T, script string) Reviewer {
	t.Helper()
	reviewer, err := NewCommandReviewer(ReviewerConfig{Command: []string{"sh", "-c", script}, Dir: t.TempDir()})
	require.NoError(t, err)
	return reviewer
}

func TestCommandReviewerReceivesRequestOnStdin(t *testing.T) {
	requireShell(t)
	// Echo the verdict only when the instructions arrived on stdin.
	script := `if grep -q '"instructions":"review this"'; then echo '{"passed": true, "feedback": "ok"}'; else echo '{"passed": false, "feedback": "no stdin"}'; fi`
	out, err := shellReviewer(t, script).Review(context.Background(), Invocation{
		Instructions: "review this",
		Payload:      "payload",
		Schema:       `{"type":"object"}`,
		Timeout:      10 * time.Second,
	})
	require.NoError(t, err)
	result, err := ParseResponse(out)
	require.NoError(t, err)
	assert.True(t, result.Passed, string(out))
}

func TestCommandReviewerNonZeroExit(t *testing.T) {
	requireShell(t)
	_, err := shellReviewer(t, `cat >/dev/null; echo "model overloaded" >&2; exit 3`).Review(context.Background(), Invocation{Timeout: 10 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReviewerFailed))
	var qErr *Error
	require.True(t, errors.As(err, &qErr))
	assert.Contains(t, qErr.Detail, "exit status 3")
	assert.Contains(t, qErr.Stderr, "model overloaded")
}

func TestCommandReviewerTimeout(t *testing.T) {
	requireShell(t)
	started := time.Now()
	_, err := shellReviewer(t, `exec sleep 10`).Review(context.Background(), Invocation{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReviewerTimeout), "got %v", err)
	assert.Less(t, time.Since(started), 8*time.Second)
}

func TestReviewerExecutableNotFound(t *testing.T) {
	reviewer, err := NewClaudeReviewer(ReviewerConfig{Command: []string{"waymark-reviewer-that-does-not-exist"}})
	require.NoError(t, err)
	_, err = reviewer.Review(context.Background(), Invocation{Instructions: "x", Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReviewerNotFound), "got %v", err)
}

func TestGateMapsScriptedVerdict(t *testing.T) {
	requireShell(t)
	script := `cat >/dev/null; printf '%s\n' '{"type":"result","result":"` + "```json\\n{\\\"passed\\\": false, \\\"feedback\\\": \\\"X\\\"}\\n```" + `"}'`
	gate := NewGate(shellReviewer(t, script), newStore(t, map[string]string{"a.md": "a"}))
	result, err := gate.Evaluate(context.Background(), Request{Criteria: criteria})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, "X", result.Feedback)
}
