package quality

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/job"
)

const (
	// DefaultMaxInlineFiles is the largest file count whose contents are
	// embedded in the payload.
	DefaultMaxInlineFiles = 5

	baseTimeout    = 240 * time.Second
	perFileTimeout = 30 * time.Second
)

// Review outcomes reported to an Observer.
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// ComputeTimeout returns the reviewer time budget for fileCount files:
// 240s plus 30s for every file beyond the inline threshold of five.
func ComputeTimeout(fileCount int) time.Duration {
	extra := fileCount - DefaultMaxInlineFiles
	if extra < 0 {
		extra = 0
	}
	return baseTimeout + time.Duration(extra)*perFileTimeout
}

// Observer receives one notification per reviewer call.
type Observer interface {
	ObserveReview(reviewer, outcome string, elapsed time.Duration)
}

// Gate evaluates step outputs against quality criteria.
type Gate struct {
	reviewer  Reviewer
	store     *artifact.Store
	maxInline int
	observer  Observer
	logger    *slog.Logger
	timeout   func(int) time.Duration
	render    *renderer
}

// Option customizes the gate.
type Option func(*Gate)

// WithMaxInlineFiles sets the payload inlining threshold.
func WithMaxInlineFiles(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxInline = n
		}
	}
}

// WithObserver reports reviewer calls to o.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		g.observer = o
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTimeoutFunc overrides ComputeTimeout (primarily for tests).
func WithTimeoutFunc(fn func(int) time.Duration) Option {
	return func(g *Gate) {
		if fn != nil {
			g.timeout = fn
		}
	}
}

// NewGate builds a gate that reads outputs through store. reviewer may be nil
// when the gate is only used for self-review instructions.
func NewGate(reviewer Reviewer, store *artifact.Store, opts ...Option) *Gate {
	g := &Gate{
		reviewer:  reviewer,
		store:     store,
		maxInline: DefaultMaxInlineFiles,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   ComputeTimeout,
		render:    newRenderer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request is one evaluation over a set of outputs.
type Request struct {
	Criteria job.Criteria
	Outputs  artifact.Outputs
	Notes    string
	Guidance string
	// Scope names what is under review, e.g. "step" or "output report.md".
	Scope string
}

// Evaluate runs the reviewer over req. Empty criteria pass without invoking
// the reviewer.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Result, error) {
	if len(req.Criteria) == 0 {
		return Result{Passed: true, Feedback: "No quality criteria declared."}, nil
	}
	if g.reviewer == nil {
		return Result{}, &Error{Err: ErrReviewerNotFound, Detail: "no reviewer configured"}
	}
	instructions, err := g.render.render("system", req)
	if err != nil {
		return Result{}, err
	}
	payload, err := g.render.render("payload", g.filesView(req.Outputs))
	if err != nil {
		return Result{}, err
	}
	schema, err := ResponseSchema()
	if err != nil {
		return Result{}, err
	}
	fileCount := req.Outputs.FileCount()
	inv := Invocation{
		Instructions: instructions,
		Payload:      payload,
		Schema:       schema,
		Timeout:      g.timeout(fileCount),
	}
	g.logger.DebugContext(ctx, "invoking reviewer",
		"reviewer", g.reviewer.Name(),
		"scope", req.Scope,
		"files", fileCount,
		"timeout", inv.Timeout,
	)
	started := time.Now()
	raw, err := g.reviewer.Review(ctx, inv)
	var result Result
	if err == nil {
		result, err = ParseResponse(raw)
	}
	g.observe(started, result, err)
	if err != nil {
		g.logger.WarnContext(ctx, "reviewer call failed", "reviewer", g.reviewer.Name(), "scope", req.Scope, "err", err)
		return Result{}, err
	}
	return result, nil
}

func (g *Gate) observe(started time.Time, result Result, err error) {
	if g.observer == nil {
		return
	}
	outcome := OutcomeFailed
	switch {
	case err != nil:
		outcome = OutcomeError
	case result.Passed:
		outcome = OutcomePassed
	}
	g.observer.ObserveReview(g.reviewer.Name(), outcome, time.Since(started))
}

// ReviewsRequest carries a step's declared reviews and submitted outputs.
type ReviewsRequest struct {
	StepName string
	Reviews  []job.Review
	Outputs  artifact.Outputs
	Specs    job.OutputSpecs
	Notes    string
}

type task struct {
	RunEach    string
	TargetFile string
	Scope      string
	Criteria   job.Criteria
	Guidance   string
	Outputs    artifact.Outputs
}

// expandTasks turns declared reviews into evaluation tasks: "step" reviews
// cover every output, reviews of a files output run once per file, and
// reviews of a single-file output run once. Omitted optional outputs yield
// no task.
func expandTasks(req ReviewsRequest) []task {
	var tasks []task
	for _, review := range req.Reviews {
		base := task{RunEach: review.RunEach, Criteria: review.QualityCriteria, Guidance: review.AdditionalGuidance}
		if review.RunEach == job.RunEachStep {
			t := base
			t.Scope = "all step outputs"
			t.Outputs = req.Outputs.Clone()
			tasks = append(tasks, t)
			continue
		}
		value, ok := req.Outputs[review.RunEach]
		if !ok {
			continue
		}
		spec, _ := findSpec(req.Specs, review.RunEach)
		if spec.Type == job.OutputFiles {
			for _, path := range value.Paths() {
				t := base
				t.TargetFile = path
				t.Scope = fmt.Sprintf("%s file %s", review.RunEach, path)
				t.Outputs = artifact.Outputs{review.RunEach: artifact.Single(path)}
				tasks = append(tasks, t)
			}
			continue
		}
		t := base
		t.TargetFile = value.Path()
		t.Scope = "output " + review.RunEach
		t.Outputs = artifact.Outputs{review.RunEach: value}
		tasks = append(tasks, t)
	}
	return tasks
}

func findSpec(specs job.OutputSpecs, name string) (job.OutputSpec, bool) {
	for _, spec := range specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return job.OutputSpec{}, false
}

// EvaluateReviews runs every review task concurrently and returns the failing
// results in task order. The first reviewer error cancels the remaining
// tasks and is returned.
func (g *Gate) EvaluateReviews(ctx context.Context, req ReviewsRequest) ([]ReviewResult, error) {
	tasks := expandTasks(req)
	results := make([]ReviewResult, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)
	for idx, t := range tasks {
		group.Go(func() error {
			res, err := g.Evaluate(groupCtx, Request{
				Criteria: t.Criteria,
				Outputs:  t.Outputs,
				Notes:    req.Notes,
				Guidance: t.Guidance,
				Scope:    t.Scope,
			})
			if err != nil {
				return err
			}
			results[idx] = ReviewResult{Result: res, RunEach: t.RunEach, TargetFile: t.TargetFile}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var failures []ReviewResult
	for _, res := range results {
		if !res.Passed {
			failures = append(failures, res)
		}
	}
	return failures, nil
}

// BuildReviewInstructions renders a self-review document covering every
// review task, applying the same inline-or-list policy as the payload.
func (g *Gate) BuildReviewInstructions(req ReviewsRequest) (string, error) {
	tasks := expandTasks(req)
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			filesView: g.filesView(t.Outputs),
			Scope:     t.Scope,
			Criteria:  t.Criteria,
			Guidance:  t.Guidance,
		})
	}
	return g.render.render("self_review", selfReviewView{
		StepName: req.StepName,
		Notes:    req.Notes,
		Tasks:    views,
	})
}

type fileView struct {
	artifact.FileContent
	Output string
}

type filesView struct {
	PathsOnly bool
	Files     []fileView
}

type taskView struct {
	filesView
	Scope    string
	Criteria job.Criteria
	Guidance string
}

type selfReviewView struct {
	StepName string
	Notes    string
	Tasks    []taskView
}

// filesView applies the payload policy: above the inline threshold only
// absolute paths are listed, otherwise each file is read and embedded.
func (g *Gate) filesView(outputs artifact.Outputs) filesView {
	view := filesView{PathsOnly: outputs.FileCount() > g.maxInline}
	for _, name := range outputs.Names() {
		for _, path := range outputs[name].Paths() {
			if view.PathsOnly {
				view.Files = append(view.Files, fileView{
					FileContent: artifact.FileContent{Path: path, AbsPath: g.store.Resolve(path)},
					Output:      name,
				})
				continue
			}
			view.Files = append(view.Files, fileView{FileContent: g.store.Read(path), Output: name})
		}
	}
	return view
}
