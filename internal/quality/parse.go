package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const maxEnvelopeDepth = 3

// ParseResponse decodes reviewer output. It accepts the bare result document,
// an envelope carrying it under "structured_output", or an envelope whose
// "result" string holds the document, optionally inside a code fence.
func ParseResponse(raw []byte) (Result, error) {
	return parseResponse(raw, 0)
}

func parseResponse(raw []byte, depth int) (Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{}, &Error{Err: ErrInvalidResponse, Detail: "empty output"}
	}
	if depth > maxEnvelopeDepth {
		return Result{}, &Error{Err: ErrInvalidResponse, Detail: "response nested too deeply"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		extracted, ok := extractJSON(string(trimmed))
		if !ok || depth > 0 && extracted == string(trimmed) {
			return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf("not a JSON object: %v", err)}
		}
		return parseResponse([]byte(extracted), depth+1)
	}
	if _, ok := fields["passed"]; ok {
		return decodeResult(fields)
	}
	if isTrue(fields["is_error"]) {
		detail := "reviewer reported an error"
		var text string
		if json.Unmarshal(fields["result"], &text) == nil && text != "" {
			detail = text
		}
		return Result{}, &Error{Err: ErrReviewerFailed, Detail: detail}
	}
	if structured, ok := fields["structured_output"]; ok && !isNull(structured) {
		return parseResponse(structured, depth+1)
	}
	if result, ok := fields["result"]; ok {
		var text string
		if err := json.Unmarshal(result, &text); err != nil {
			return parseResponse(result, depth+1)
		}
		extracted, found := extractJSON(text)
		if !found {
			return Result{}, &Error{Err: ErrInvalidResponse, Detail: "result text contains no JSON object"}
		}
		return parseResponse([]byte(extracted), depth+1)
	}
	return Result{}, &Error{Err: ErrInvalidResponse, Detail: `missing required field "passed"`}
}

func decodeResult(fields map[string]json.RawMessage) (Result, error) {
	var result Result
	if err := requireBool(fields, "passed", &result.Passed); err != nil {
		return Result{}, err
	}
	feedback, ok := fields["feedback"]
	if !ok {
		return Result{}, &Error{Err: ErrInvalidResponse, Detail: `missing required field "feedback"`}
	}
	if err := json.Unmarshal(feedback, &result.Feedback); err != nil {
		return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf(`field "feedback" must be a string: %v`, err)}
	}
	criteria, ok := fields["criteria_results"]
	if !ok || isNull(criteria) {
		return result, nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(criteria, &items); err != nil {
		return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf(`field "criteria_results" must be a list of objects: %v`, err)}
	}
	for idx, item := range items {
		var c CriterionResult
		name, ok := item["criterion"]
		if !ok {
			return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf(`criteria_results[%d]: missing required field "criterion"`, idx)}
		}
		if err := json.Unmarshal(name, &c.Criterion); err != nil {
			return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf(`criteria_results[%d]: "criterion" must be a string`, idx)}
		}
		if err := requireBool(item, "passed", &c.Passed); err != nil {
			return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf("criteria_results[%d]: %s", idx, err.(*Error).Detail)}
		}
		if fb, ok := item["feedback"]; ok && !isNull(fb) {
			if err := json.Unmarshal(fb, &c.Feedback); err != nil {
				return Result{}, &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf(`criteria_results[%d]: "feedback" must be a string`, idx)}
			}
		}
		result.CriteriaResults = append(result.CriteriaResults, c)
	}
	return result, nil
}

func requireBool(fields map[string]json.RawMessage, key string, dst *bool) error {
	raw, ok := fields[key]
	if !ok {
		return &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf("missing required field %q", key)}
	}
	if err := json.Unmarshal(raw, dst); err != nil || isNull(raw) {
		return &Error{Err: ErrInvalidResponse, Detail: fmt.Sprintf("field %q must be a boolean", key)}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func isTrue(raw json.RawMessage) bool {
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}

// extractJSON pulls the first JSON object out of free text, preferring the
// contents of a ``` fence.
func extractJSON(text string) (string, bool) {
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		if candidate := strings.TrimSpace(body); strings.HasPrefix(candidate, "{") {
			return candidate, true
		}
	}
	open := strings.IndexByte(text, '{')
	closing := strings.LastIndexByte(text, '}')
	if open < 0 || closing <= open {
		return "", false
	}
	return text[open : closing+1], true
}
