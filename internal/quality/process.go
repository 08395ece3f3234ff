package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

const (
	defaultClaudeBinary = "claude"
	processWaitDelay    = 2 * time.Second
)

// ClaudeReviewer runs the claude CLI in print mode with the instructions as
// the system prompt and the payload on stdin.
type ClaudeReviewer struct {
	argv []string
	dir  string
}

// NewClaudeReviewer builds a claude reviewer. cfg.Command may replace the
// executable and add leading arguments.
func NewClaudeReviewer(cfg ReviewerConfig) (Reviewer, error) {
	argv := []string{defaultClaudeBinary}
	if len(cfg.Command) > 0 {
		argv = append([]string(nil), cfg.Command...)
	}
	return &ClaudeReviewer{argv: argv, dir: cfg.Dir}, nil
}

// Name implements Reviewer.
func (r *ClaudeReviewer) Name() string {
	return ReviewerClaude
}

// Review implements Reviewer.
func (r *ClaudeReviewer) Review(ctx context.Context, inv Invocation) ([]byte, error) {
	argv := append(append([]string(nil), r.argv...),
		"--print",
		"--output-format", "json",
		"--system-prompt", inv.Instructions,
	)
	if inv.Schema != "" {
		argv = append(argv, "--json-schema", inv.Schema)
	}
	return runProcess(ctx, r.Name(), argv, r.dir, []byte(inv.Payload), inv.Timeout)
}

// CommandReviewer runs an arbitrary executable. It receives one JSON object
// with instructions, payload, and schema on stdin and must print the
// response document on stdout.
type CommandReviewer struct {
	argv []string
	dir  string
}

// NewCommandReviewer builds a command reviewer from cfg.Command.
func NewCommandReviewer(cfg ReviewerConfig) (Reviewer, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("quality: command reviewer requires quality_gate.command")
	}
	return &CommandReviewer{argv: append([]string(nil), cfg.Command...), dir: cfg.Dir}, nil
}

// Name implements Reviewer.
func (r *CommandReviewer) Name() string {
	return ReviewerCommand
}

type commandRequest struct {
	Instructions string          `json:"instructions"`
	Payload      string          `json:"payload"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

// Review implements Reviewer.
func (r *CommandReviewer) Review(ctx context.Context, inv Invocation) ([]byte, error) {
	req := commandRequest{Instructions: inv.Instructions, Payload: inv.Payload}
	if inv.Schema != "" {
		req.Schema = json.RawMessage(inv.Schema)
	}
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("quality: encode reviewer request: %w", err)
	}
	return runProcess(ctx, r.Name(), r.argv, r.dir, stdin, inv.Timeout)
}

// runProcess executes argv with stdin and maps failures onto the package
// sentinels. A timeout of zero means no deadline beyond ctx.
func runProcess(ctx context.Context, name string, argv []string, dir string, stdin []byte, timeout time.Duration) ([]byte, error) {
	if len(argv) == 0 {
		return nil, &Error{Err: ErrReviewerNotFound, Reviewer: name, Detail: "empty command"}
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = processWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &Error{Err: ErrReviewerTimeout, Reviewer: name, Detail: fmt.Sprintf("no response after %s", timeout), Stderr: stderr.String()}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("quality: reviewer %s interrupted: %w", name, ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Err: ErrReviewerNotFound, Reviewer: name, Detail: err.Error()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &Error{Err: ErrReviewerFailed, Reviewer: name, Detail: fmt.Sprintf("exit status %d", exitErr.ExitCode()), Stderr: stderr.String()}
	}
	return nil, &Error{Err: ErrReviewerFailed, Reviewer: name, Detail: err.Error(), Stderr: stderr.String()}
}
