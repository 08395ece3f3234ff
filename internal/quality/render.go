package quality

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig"
)

// renderer executes the instruction and payload templates. The sprig
// functions that read the process environment (env, expandenv) are removed
// since reviewer documents are built from agent-supplied data.
type renderer struct {
	templates *template.Template
}

func newRenderer() *renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv"} {
		delete(funcs, name)
	}
	t := template.New("quality").Option("missingkey=error").Funcs(funcs)
	template.Must(t.New("criteria").Parse(criteriaTemplate))
	template.Must(t.New("files").Parse(filesTemplate))
	template.Must(t.New("system").Parse(systemTemplate))
	template.Must(t.New("payload").Parse(payloadTemplate))
	template.Must(t.New("self_review").Parse(selfReviewTemplate))
	return &renderer{templates: t}
}

func (r *renderer) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("quality: render %s: %w", name, err)
	}
	return buf.String(), nil
}

const criteriaTemplate = `{{- range .Criteria }}
- **{{ .Name }}**: {{ .Question | trim }}
{{- end }}`

const filesTemplate = `{{- if .PathsOnly -}}
{{ len .Files }} files were submitted, more than can be embedded. Read them selectively from disk, starting with the ones most relevant to the criteria:
{{ range .Files }}
- {{ .Output }}: {{ .AbsPath }}
{{- end }}
{{- else -}}
{{- range .Files }}
### {{ .Output }}: {{ .Path }}
{{ if .Included -}}
` + "````" + `
{{ .Text | trimSuffix "\n" }}
` + "````" + `
{{- else -}}
(not included: {{ .Reason }}) {{ .AbsPath }}
{{- end }}
{{ end }}
{{- end }}`

const systemTemplate = `You are a strict reviewer checking the outputs of one workflow step{{ with .Scope }} ({{ . }}){{ end }}.
Judge the submitted files against each criterion below. A criterion passes only when the files clearly satisfy it.

## Criteria
{{ template "criteria" . }}
{{- with .Notes }}

## Author notes
{{ . | trim }}
{{- end }}
{{- with .Guidance }}

## Additional guidance
{{ . | trim }}
{{- end }}

## Response
Reply with exactly one JSON object and nothing else:
{"passed": <bool>, "feedback": "<summary for the author>", "criteria_results": [{"criterion": "<name>", "passed": <bool>, "feedback": "<what to fix>"}]}
Set "passed" to true only when every criterion passes.
`

const payloadTemplate = `# Submitted outputs
{{ template "files" . }}`

const selfReviewTemplate = `# Self-review: {{ .StepName }}

Before this step can be accepted, review your own outputs against the criteria below.
Be as strict as an independent reviewer would be.
{{- with .Notes }}

## Your notes
{{ . | trim }}
{{- end }}
{{ range $idx, $task := .Tasks }}
## Review {{ add1 $idx }}: {{ $task.Scope }}

### Criteria
{{ template "criteria" $task }}
{{- with $task.Guidance }}

### Additional guidance
{{ . | trim }}
{{- end }}

### Files
{{ template "files" $task }}
{{ end }}
## When you are done
- If any criterion fails, fix the outputs and call finished_step again.
- If every criterion passes, call finished_step again with the same outputs and set quality_review_override_reason to a one-line summary of your review.
`
