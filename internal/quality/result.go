package quality

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// CriterionResult is the verdict for one named criterion.
type CriterionResult struct {
	Criterion string `json:"criterion" jsonschema:"required,description=Name of the criterion being judged"`
	Passed    bool   `json:"passed" jsonschema:"required"`
	Feedback  string `json:"feedback,omitempty" jsonschema:"description=What is missing or wrong when the criterion fails"`
}

// Result is the reviewer verdict for one review task.
type Result struct {
	Passed          bool              `json:"passed" jsonschema:"required,description=True only when every criterion passes"`
	Feedback        string            `json:"feedback" jsonschema:"required,description=Short summary addressed to the author"`
	CriteriaResults []CriterionResult `json:"criteria_results,omitempty"`
}

// ReviewResult is a Result scoped to one declared review and, for per-file
// reviews, one file.
type ReviewResult struct {
	Result
	RunEach    string `json:"review_run_each"`
	TargetFile string `json:"target_file,omitempty"`
}

// FailedCriteria returns the criteria the reviewer rejected.
func (r Result) FailedCriteria() []CriterionResult {
	var failed []CriterionResult
	for _, c := range r.CriteriaResults {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

var responseSchema = sync.OnceValues(func() (string, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Result))
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("quality: encode response schema: %w", err)
	}
	return string(data), nil
})

// ResponseSchema returns the JSON schema every reviewer response must satisfy.
func ResponseSchema() (string, error) {
	return responseSchema()
}
