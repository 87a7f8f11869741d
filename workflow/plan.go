// ABOUTME: Plan type produced by the planner and the tolerant JSON decoder for planner output.
// ABOUTME: Normalizes libraries and questions and rejects plans without code as malformed.

package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPlan marks a planner response that is not a usable plan.
var ErrMalformedPlan = errors.New("malformed plan")

// Plan is one planner response. Questions is only set by the data collection
// planner and is what the analysis planner receives.
type Plan struct {
	Code      string   `json:"code"`
	Libraries []string `json:"libraries"`
	Questions []string `json:"questions,omitempty"`
}

// Validate returns an ErrMalformedPlan error when p cannot be executed.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: planner returned no plan", ErrMalformedPlan)
	}
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: missing or empty \"code\" field", ErrMalformedPlan)
	}
	return nil
}

type rawPlan struct {
	Code      json.RawMessage `json:"code"`
	Libraries json.RawMessage `json:"libraries"`
	Questions json.RawMessage `json:"questions"`
}

// DecodePlan parses planner JSON. "libraries" and "questions" may each be a
// string or a list; a string is split into one entry (libraries also split on
// commas and whitespace). Markdown code fences around the object are ignored.
func DecodePlan(data []byte) (*Plan, error) {
	text := StripCodeFence(string(data))
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPlan)
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}

	plan := &Plan{}
	if len(raw.Code) > 0 && string(raw.Code) != "null" {
		if err := json.Unmarshal(raw.Code, &plan.Code); err != nil {
			return nil, fmt.Errorf("%w: \"code\" must be a string", ErrMalformedPlan)
		}
	}

	libs, err := stringList(raw.Libraries)
	if err != nil {
		return nil, fmt.Errorf("%w: \"libraries\": %v", ErrMalformedPlan, err)
	}
	plan.Libraries = normalizeLibraries(libs)

	questions, err := stringList(raw.Questions)
	if err != nil {
		return nil, fmt.Errorf("%w: \"questions\": %v", ErrMalformedPlan, err)
	}
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			plan.Questions = append(plan.Questions, q)
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// StripCodeFence removes a surrounding ``` or ```json fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// stringList accepts null, a string, or a list of scalars.
func stringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("expected a string or a list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case nil:
			continue
		case string:
			out = append(out, v)
		default:
			b, _ := json.Marshal(v)
			out = append(out, string(b))
		}
	}
	return out, nil
}

// normalizeLibraries splits comma or space separated entries and drops
// duplicates and blanks, keeping first-seen order.
func normalizeLibraries(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range in {
		for _, lib := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' }) {
			if lib == "" || seen[lib] {
				continue
			}
			seen[lib] = true
			out = append(out, lib)
		}
	}
	return out
}
