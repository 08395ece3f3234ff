package job

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputType declares the shape an agent must submit for an output.
type OutputType string

const (
	// OutputFile expects exactly one path.
	OutputFile OutputType = "file"
	// OutputFiles expects a list of paths.
	OutputFiles OutputType = "files"
)

// RunEachStep scopes a review to all of a step's outputs at once.
const RunEachStep = "step"

// Job is a named collection of steps plus the workflows that sequence them.
type Job struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version,omitempty"`
	Summary     string     `yaml:"summary,omitempty"`
	Description string     `yaml:"description,omitempty"`
	Steps       []Step     `yaml:"steps"`
	Workflows   []Workflow `yaml:"workflows"`
	// Dir is the directory the job was loaded from.
	Dir string `yaml:"-"`
}

// Step is one unit of work with declared inputs, outputs, and reviews.
type Step struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name,omitempty"`
	Description      string      `yaml:"description,omitempty"`
	Instructions     string      `yaml:"instructions,omitempty"`
	InstructionsFile string      `yaml:"instructions_file,omitempty"`
	Inputs           []Input     `yaml:"inputs,omitempty"`
	Outputs          OutputSpecs `yaml:"outputs,omitempty"`
	Dependencies     []string    `yaml:"dependencies,omitempty"`
	Reviews          []Review    `yaml:"reviews,omitempty"`
}

// Input describes something a step consumes: a user-supplied parameter or a
// file produced by an earlier step.
type Input struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	File        string `yaml:"file,omitempty"`
	FromStep    string `yaml:"from_step,omitempty"`
}

// OutputSpec declares one output a step must (or may) produce.
type OutputSpec struct {
	Name        string     `yaml:"-"`
	Type        OutputType `yaml:"type"`
	Description string     `yaml:"description,omitempty"`
	Required    bool       `yaml:"required"`
}

// OutputSpecs keeps declaration order of a step's outputs. In YAML it is a
// mapping of output name to spec.
type OutputSpecs []OutputSpec

// UnmarshalYAML decodes the name -> spec mapping, defaulting required to true.
func (specs *OutputSpecs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("job: outputs must be a mapping of name to spec (line %d)", node.Line)
	}
	out := make(OutputSpecs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		spec := OutputSpec{Name: name, Required: true}
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return fmt.Errorf("job: output %s: %w", name, err)
		}
		spec.Name = name
		out = append(out, spec)
	}
	*specs = out
	return nil
}

// Criterion is one named quality question a reviewer must answer.
type Criterion struct {
	Name     string `json:"name"`
	Question string `json:"question"`
}

// Criteria keeps declaration order. In YAML it is a mapping of name to question.
type Criteria []Criterion

// UnmarshalYAML decodes the name -> question mapping preserving order.
func (c *Criteria) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("job: quality_criteria must be a mapping of name to question (line %d)", node.Line)
	}
	out := make(Criteria, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, Criterion{
			Name:     node.Content[i].Value,
			Question: strings.TrimSpace(node.Content[i+1].Value),
		})
	}
	*c = out
	return nil
}

// Review declares a quality review over a step's outputs.
type Review struct {
	// RunEach is RunEachStep or the name of one of the step's outputs.
	RunEach            string   `yaml:"run_each"`
	QualityCriteria    Criteria `yaml:"quality_criteria"`
	AdditionalGuidance string   `yaml:"additional_review_guidance,omitempty"`
}

// Workflow is an ordered sequence of step entries within a job.
type Workflow struct {
	Name    string              `yaml:"name"`
	Summary string              `yaml:"summary,omitempty"`
	Entries []WorkflowStepEntry `yaml:"steps"`
}

// WorkflowStepEntry is one position in a workflow: one step id, or several
// ids meant to run concurrently.
type WorkflowStepEntry struct {
	StepIDs    []string
	Concurrent bool
}

// UnmarshalYAML accepts a scalar step id or a sequence of concurrent ids.
func (e *WorkflowStepEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = WorkflowStepEntry{StepIDs: []string{node.Value}}
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := node.Decode(&ids); err != nil {
			return fmt.Errorf("job: concurrent entry (line %d): %w", node.Line, err)
		}
		*e = WorkflowStepEntry{StepIDs: ids, Concurrent: len(ids) > 1}
		return nil
	default:
		return fmt.Errorf("job: workflow entry must be a step id or a list of step ids (line %d)", node.Line)
	}
}

// FirstStepID returns the step that becomes current when the entry starts.
func (e WorkflowStepEntry) FirstStepID() string {
	if len(e.StepIDs) == 0 {
		return ""
	}
	return e.StepIDs[0]
}

// Step returns the step with the given id.
func (j *Job) Step(id string) (*Step, bool) {
	for i := range j.Steps {
		if j.Steps[i].ID == id {
			return &j.Steps[i], true
		}
	}
	return nil, false
}

// Workflow returns the workflow with the given name.
func (j *Job) Workflow(name string) (*Workflow, bool) {
	for i := range j.Workflows {
		if j.Workflows[i].Name == name {
			return &j.Workflows[i], true
		}
	}
	return nil, false
}

// WorkflowNames lists workflow names in declaration order.
func (j *Job) WorkflowNames() []string {
	names := make([]string, 0, len(j.Workflows))
	for _, wf := range j.Workflows {
		names = append(names, wf.Name)
	}
	return names
}

// StepIDs flattens the workflow's entries into step ids.
func (w *Workflow) StepIDs() []string {
	var ids []string
	for _, entry := range w.Entries {
		ids = append(ids, entry.StepIDs...)
	}
	return ids
}

// EntryIndex returns the index of the entry containing stepID, or -1.
func (w *Workflow) EntryIndex(stepID string) int {
	for idx, entry := range w.Entries {
		for _, id := range entry.StepIDs {
			if id == stepID {
				return idx
			}
		}
	}
	return -1
}

// Output returns the declared output with the given name.
func (s *Step) Output(name string) (OutputSpec, bool) {
	for _, spec := range s.Outputs {
		if spec.Name == name {
			return spec, true
		}
	}
	return OutputSpec{}, false
}

// DisplayName returns the step name or its id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Validate ensures the job is self-consistent.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job: name is required")
	}
	steps := map[string]*Step{}
	for idx := range j.Steps {
		step := &j.Steps[idx]
		if err := step.validate(); err != nil {
			return fmt.Errorf("job %s step[%d]: %w", j.Name, idx, err)
		}
		if _, exists := steps[step.ID]; exists {
			return fmt.Errorf("job %s: duplicate step id %s", j.Name, step.ID)
		}
		steps[step.ID] = step
	}
	for _, step := range j.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("job %s: step %s depends on unknown step %s", j.Name, step.ID, dep)
			}
		}
	}
	seen := map[string]struct{}{}
	for _, wf := range j.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("job %s: workflow name is required", j.Name)
		}
		if _, dup := seen[wf.Name]; dup {
			return fmt.Errorf("job %s: duplicate workflow %s", j.Name, wf.Name)
		}
		seen[wf.Name] = struct{}{}
		for idx, entry := range wf.Entries {
			if len(entry.StepIDs) == 0 {
				return fmt.Errorf("job %s workflow %s entry[%d]: at least one step id is required", j.Name, wf.Name, idx)
			}
			for _, id := range entry.StepIDs {
				if _, ok := steps[id]; !ok {
					return fmt.Errorf("job %s workflow %s: entry[%d] references unknown step %s", j.Name, wf.Name, idx, id)
				}
			}
		}
	}
	return nil
}

func (s *Step) validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required")
	}
	names := make([]string, 0, len(s.Outputs))
	for _, spec := range s.Outputs {
		switch spec.Type {
		case OutputFile, OutputFiles:
		default:
			return fmt.Errorf("step %s output %s: type must be %q or %q", s.ID, spec.Name, OutputFile, OutputFiles)
		}
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	for i := 1; i < len(names); i++ {
		if names[i] == names[i-1] {
			return fmt.Errorf("step %s has duplicate output %s", s.ID, names[i])
		}
	}
	for idx, review := range s.Reviews {
		if review.RunEach == RunEachStep {
			continue
		}
		if _, ok := s.Output(review.RunEach); !ok {
			return fmt.Errorf("step %s review[%d]: run_each %q is neither %q nor a declared output", s.ID, idx, review.RunEach, RunEachStep)
		}
	}
	return nil
}
