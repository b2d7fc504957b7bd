// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ExtractJSON isolates the JSON document in a model answer. It unwraps markdown
// fences and strips conversational text around the outermost object or array.
// Arrays win when the answer starts with one.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	// 1. Markdown wrapping (most common case).
	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// 2. Structure embedded in conversational text.
	if span := bracketSpan(response, "[", "]"); span != "" && (!isObject || strings.Index(response, "[") < strings.Index(response, "{")) {
		return span
	}
	if span := bracketSpan(response, "{", "}"); span != "" {
		return span
	}
	return response
}

func bracketSpan(s, open, close string) string {
	fb := strings.Index(s, open)
	lb := strings.LastIndex(s, close)
	if fb == -1 || lb == -1 || lb <= fb {
		return ""
	}
	return s[fb : lb+1]
}

// ParseJSONResponse attempts to parse an LLM response string into a target Go type using generics.
// It handles common LLM formatting issues, such as wrapping the JSON in markdown code blocks.
func ParseJSONResponse[T any](response string) (*T, error) {
	jsonStringToParse := ExtractJSON(response)

	var result T
	if err := json.UnmarshalFromString(jsonStringToParse, &result); err != nil {
		// Provide a detailed error message including the extracted JSON snippet.
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(jsonStringToParse, 500))
	}
	return &result, nil
}

// Truncate shortens s to at most maxLen bytes followed by an ellipsis.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for logging.
	return s[:maxLen] + "..."
}
