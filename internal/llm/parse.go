package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	thinkPattern  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	fencedPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// StripThink removes <think>...</think> blocks from model output, returning
// the visible text and the concatenated thinking separately. Reasoning
// models emit these blocks before the answer; they must never be parsed as
// the answer or posted to trackers.
func StripThink(s string) (visible, thinking string) {
	matches := thinkPattern.FindAllStringSubmatch(s, -1)
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	visible = strings.TrimSpace(thinkPattern.ReplaceAllString(s, ""))
	return visible, strings.Join(parts, "\n")
}

// ExtractJSON digs a JSON object out of model output: the whole text, then a
// fenced ```json block, then the widest {...} span, each tried verbatim and
// then through repair.
func ExtractJSON(s string) (string, bool) {
	candidates := make([]string, 0, 3)

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}
	if m := fencedPattern.FindStringSubmatch(s); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := objectPattern.FindString(s); m != "" {
		candidates = append(candidates, m)
	}

	for _, candidate := range candidates {
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil && json.Valid([]byte(repaired)) {
			return repaired, true
		}
	}
	return "", false
}

// DecodeJSON strips thinking, extracts the first JSON object, and unmarshals
// it into v. Callers supply phase-specific fallbacks when this fails.
func DecodeJSON(s string, v any) error {
	visible, _ := StripThink(s)
	candidate, ok := ExtractJSON(visible)
	if !ok {
		return fmt.Errorf("no JSON object found in model output")
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// RepairArguments normalizes a function-call arguments payload into a
// decoded map, repairing malformed JSON when needed.
func RepairArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair function arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("decode function arguments: %w", err)
	}
	return args, nil
}
