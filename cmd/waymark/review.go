package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/quality"
)

// ReviewCmd runs a step's declared reviews once, outside any session. It is
// handy for tuning criteria or a custom reviewer command.
type ReviewCmd struct {
	Job    string            `required:"" help:"Job name."`
	Step   string            `required:"" help:"Step id within the job."`
	Output map[string]string `short:"o" help:"Output to review as NAME=PATH. Separate several paths with commas for files outputs." placeholder:"NAME=PATH"`
	Notes  string            `help:"Notes passed to the reviewer."`
	JSON   bool              `name:"json" help:"Print the review results as JSON."`
}

func (c *ReviewCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p, err := openProject(g, true)
	if err != nil {
		return err
	}
	defer p.Close()

	def, err := p.jobs.Job(c.Job)
	if err != nil {
		return err
	}
	step, ok := def.Step(c.Step)
	if !ok {
		return fmt.Errorf("job %s has no step %q", def.Name, c.Step)
	}
	if len(step.Reviews) == 0 {
		fmt.Printf("Step %s declares no reviews.\n", step.ID)
		return nil
	}
	outputs, err := reviewOutputs(step, c.Output)
	if err != nil {
		return err
	}
	gate, err := p.newGate(nil, true)
	if err != nil {
		return err
	}
	if gate == nil {
		return fmt.Errorf("quality gate is disabled in %s", p.cfg.ProjectConfigPath())
	}

	failures, err := gate.EvaluateReviews(ctx, quality.ReviewsRequest{
		StepName: step.DisplayName(),
		Reviews:  step.Reviews,
		Outputs:  outputs,
		Specs:    step.Outputs,
		Notes:    c.Notes,
	})
	if err != nil {
		return err
	}
	if c.JSON {
		data, err := json.MarshalIndent(failures, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else if len(failures) == 0 {
		fmt.Println("All reviews passed.")
	} else {
		fmt.Println(renderReviews(failures))
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d review(s) failed", len(failures))
	}
	return nil
}

// reviewOutputs converts NAME=PATH flags into outputs shaped by the step's
// declarations.
func reviewOutputs(step *job.Step, flags map[string]string) (artifact.Outputs, error) {
	outputs := artifact.Outputs{}
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := step.Output(name)
		if !ok {
			return nil, fmt.Errorf("step %s declares no output %q", step.ID, name)
		}
		var paths []string
		for _, path := range strings.Split(flags[name], ",") {
			if path = strings.TrimSpace(path); path != "" {
				paths = append(paths, path)
			}
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("output %q has no path", name)
		}
		if spec.Type == job.OutputFiles {
			outputs[name] = artifact.List(paths...)
			continue
		}
		if len(paths) > 1 {
			return nil, fmt.Errorf("output %q is type file and takes one path", name)
		}
		outputs[name] = artifact.Single(paths[0])
	}
	return outputs, nil
}
