package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/jsonschema-go/jsonschema"
)

var ErrNoJSON = errors.New("no JSON object in response")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ExtractJSON returns the first JSON object in a model response: a ```json
// fence, a generic fence holding an object, or a bare object anywhere in the
// text. It returns "" when none is found.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return extractJSONObject(content, 0)
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start, skipping
// braces inside strings.
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// StripCodeFence removes a surrounding ``` fence with an optional language
// tag, e.g. ```sql. Text without a fence is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 && isFenceTag(strings.TrimSpace(body[:nl])) {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' && r != '+' {
			return false
		}
	}
	return true
}

// Decode extracts the JSON object from a response, unmarshals it into T and
// checks T's validate tags. T must be a struct.
func Decode[T any](response string) (T, error) {
	var out T
	raw := ExtractJSON(response)
	if raw == "" {
		return out, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if err := validate.Struct(&out); err != nil {
		return out, fmt.Errorf("response failed validation: %w", err)
	}
	return out, nil
}

// SchemaFor renders the JSON Schema of T for inclusion in a prompt.
func SchemaFor[T any]() (string, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return "", fmt.Errorf("failed to infer schema: %w", err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	return string(data), nil
}
