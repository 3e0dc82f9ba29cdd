// Package schema defines the expected structured-output shape for each
// operation type and parses provider responses into it. Gemini enforces the
// shape natively via a response schema; Anthropic and Mistral get the shape
// as prompt instructions, so their output goes through a lenient parse with
// one auto-correction pass.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/validai/validai-engine/pkg/models"
)

// trafficLightValues is the closed set for traffic_light operations.
var trafficLightValues = map[string]bool{"red": true, "yellow": true, "green": true}

// Instructions returns the output-format directive appended to an operation's
// prompt for providers without native structured output.
func Instructions(t models.OperationType) string {
	const preamble = "Respond with a single JSON object and nothing else. "
	switch t {
	case models.OperationValidation:
		return preamble + `The object must have a boolean "result" field and a string "comment" field explaining the outcome.`
	case models.OperationRating:
		return preamble + `The object must have a numeric "value" field with the rating and a string "comment" field explaining it.`
	case models.OperationClassification:
		return preamble + `The object must have a string "classification" field with the chosen category and a string "comment" field explaining the choice.`
	case models.OperationExtraction:
		return preamble + `The object must have an "items" field holding an array of strings and a string "comment" field.`
	case models.OperationAnalysis:
		return preamble + `The object must have a string "conclusion" field with your analysis and a string "comment" field.`
	case models.OperationTrafficLight:
		return preamble + `The object must have a "traffic_light" field that is exactly "red", "yellow", or "green", and a string "comment" field explaining the assessment.`
	default:
		return preamble + `The object must have a string "response" field with your answer.`
	}
}

// ResponseSchema returns the OpenAPI-style schema Gemini enforces natively
// for an operation type.
func ResponseSchema(t models.OperationType) map[string]any {
	str := map[string]any{"type": "STRING"}
	comment := str

	switch t {
	case models.OperationValidation:
		return object(map[string]any{"result": map[string]any{"type": "BOOLEAN"}, "comment": comment}, "result")
	case models.OperationRating:
		return object(map[string]any{"value": map[string]any{"type": "NUMBER"}, "comment": comment}, "value")
	case models.OperationClassification:
		return object(map[string]any{"classification": str, "comment": comment}, "classification")
	case models.OperationExtraction:
		return object(map[string]any{"items": map[string]any{"type": "ARRAY", "items": str}, "comment": comment}, "items")
	case models.OperationAnalysis:
		return object(map[string]any{"conclusion": str, "comment": comment}, "conclusion")
	case models.OperationTrafficLight:
		return object(map[string]any{"traffic_light": map[string]any{"type": "STRING", "enum": []string{"red", "yellow", "green"}}, "comment": comment}, "traffic_light")
	default:
		return object(map[string]any{"response": str}, "response")
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{"type": "OBJECT", "properties": props, "required": required}
}

// Parse validates raw against the operation type's shape and returns the
// normalized JSON. A first strict pass is followed by one auto-correction
// pass for the mistakes models actually make (code fences, booleans as
// strings, near-miss field names, wrong case on enums). A raw response that
// still does not fit is an error; callers keep the text and record the error
// alongside it.
func Parse(t models.OperationType, raw string) (json.RawMessage, error) {
	cleaned := stripFences(raw)

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		// A bare text answer is acceptable for generic operations only.
		if t == models.OperationGeneric || t == "" {
			return marshal(map[string]any{"response": strings.TrimSpace(cleaned)})
		}
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}

	switch t {
	case models.OperationValidation:
		return parseValidation(fields)
	case models.OperationRating:
		return parseRating(fields)
	case models.OperationClassification:
		return parseClassification(fields)
	case models.OperationExtraction:
		return parseExtraction(fields)
	case models.OperationAnalysis:
		return parseAnalysis(fields)
	case models.OperationTrafficLight:
		return parseTrafficLight(fields)
	default:
		return parseGeneric(fields, cleaned)
	}
}

func parseGeneric(fields map[string]any, cleaned string) (json.RawMessage, error) {
	s, ok := pickString(fields, "response", "answer", "text", "output")
	if !ok {
		// The model returned some other object; treat the whole thing as
		// the response rather than failing a shape it was never told about.
		s = strings.TrimSpace(cleaned)
	}
	return marshal(map[string]any{"response": s})
}

func parseValidation(fields map[string]any) (json.RawMessage, error) {
	v, ok := pick(fields, "result", "valid", "is_valid", "passed")
	if !ok {
		return nil, fmt.Errorf("missing boolean field %q", "result")
	}
	b, ok := coerceBool(v)
	if !ok {
		return nil, fmt.Errorf("field %q is not a boolean: %v", "result", v)
	}
	return marshal(map[string]any{"result": b, "comment": commentOf(fields)})
}

func parseRating(fields map[string]any) (json.RawMessage, error) {
	v, ok := pick(fields, "value", "rating", "score")
	if !ok {
		return nil, fmt.Errorf("missing numeric field %q", "value")
	}
	f, ok := coerceNumber(v)
	if !ok {
		return nil, fmt.Errorf("field %q is not a number: %v", "value", v)
	}
	return marshal(map[string]any{"value": f, "comment": commentOf(fields)})
}

func parseClassification(fields map[string]any) (json.RawMessage, error) {
	s, ok := pickString(fields, "classification", "category", "class", "label")
	if !ok || s == "" {
		return nil, fmt.Errorf("missing string field %q", "classification")
	}
	return marshal(map[string]any{"classification": s, "comment": commentOf(fields)})
}

func parseExtraction(fields map[string]any) (json.RawMessage, error) {
	v, ok := pick(fields, "items", "extracted", "values", "results")
	if !ok {
		return nil, fmt.Errorf("missing array field %q", "items")
	}
	items, ok := coerceStringSlice(v)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array of strings: %v", "items", v)
	}
	return marshal(map[string]any{"items": items, "comment": commentOf(fields)})
}

func parseAnalysis(fields map[string]any) (json.RawMessage, error) {
	s, ok := pickString(fields, "conclusion", "analysis", "summary")
	if !ok || s == "" {
		return nil, fmt.Errorf("missing string field %q", "conclusion")
	}
	return marshal(map[string]any{"conclusion": s, "comment": commentOf(fields)})
}

func parseTrafficLight(fields map[string]any) (json.RawMessage, error) {
	s, ok := pickString(fields, "traffic_light", "value", "status", "color", "light")
	if !ok {
		return nil, fmt.Errorf("missing string field %q", "traffic_light")
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !trafficLightValues[s] {
		return nil, fmt.Errorf("value %q is not red, yellow, or green", s)
	}
	return marshal(map[string]any{"traffic_light": s, "comment": commentOf(fields)})
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 && !strings.HasPrefix(s, "{") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func pick(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func pickString(fields map[string]any, keys ...string) (string, bool) {
	v, ok := pick(fields, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func commentOf(fields map[string]any) string {
	if s, ok := pickString(fields, "comment", "explanation", "reason", "reasoning"); ok {
		return s
	}
	return ""
}

func coerceBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func coerceStringSlice(v any) ([]string, bool) {
	switch items := v.(type) {
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		// A single extracted value arriving bare instead of wrapped.
		return []string{items}, true
	}
	return nil, false
}

func marshal(v map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
