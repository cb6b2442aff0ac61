// Package sanitize redacts credential-shaped values from text before it is
// persisted to the State Store or emitted over the activity WebSocket. This
// is defense-in-depth: agents are expected to scrub first, the control
// plane re-scrubs on ingest.
package sanitize

import (
	"encoding/json"
	"regexp"
)

// RedactionPlaceholder replaces any value a sanitize pattern matches.
const RedactionPlaceholder = "***REDACTED***"

// secretValuePatterns match values that look like secrets regardless of
// surrounding context (provider key prefixes, bearer/basic auth headers).
var secretValuePatterns = compileAll([]string{
	`sk-[a-zA-Z0-9]{20,}`,
	`sk-proj-[a-zA-Z0-9\-_]{20,}`,
	`sk-ant-[a-zA-Z0-9\-_]{20,}`,
	`ghp_[a-zA-Z0-9]{36,}`,
	`github_pat_[a-zA-Z0-9_]{22,}`,
	`gho_[a-zA-Z0-9]{36,}`,
	`ghs_[a-zA-Z0-9]{36,}`,
	`ghr_[a-zA-Z0-9]{36,}`,
	`xoxb-[a-zA-Z0-9\-]+`,
	`xoxp-[a-zA-Z0-9\-]+`,
	`xoxa-[a-zA-Z0-9\-]+`,
	`AKIA[A-Z0-9]{16}`,
	`trinity_mcp_[a-zA-Z0-9]{16,}`,
	`Bearer\s+[a-zA-Z0-9\-_.]+`,
	`Basic\s+[a-zA-Z0-9+/=]+`,
})

// sensitiveKeyPatterns match the key half of key=value pairs whose value
// should be redacted regardless of its shape.
var sensitiveKeyPatterns = []string{
	`.*API_KEY.*`,
	`.*API_SECRET.*`,
	`.*TOKEN.*`,
	`.*SECRET.*`,
	`.*PASSWORD.*`,
	`.*CREDENTIAL.*`,
	`.*PRIVATE_KEY.*`,
	`.*AUTH.*`,
	`ANTHROPIC_.*`,
	`OPENAI_.*`,
	`GITHUB_.*`,
	`AWS_.*`,
	`TRINITY_MCP.*`,
}

var keyValuePatterns = compileKeyValuePatterns(sensitiveKeyPatterns)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func compileKeyValuePatterns(keyPatterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(keyPatterns))
	for i, k := range keyPatterns {
		out[i] = regexp.MustCompile(`(?i)(` + k + `)=("?)([^\s"']+)("?)`)
	}
	return out
}

// Text redacts credential-shaped substrings from text.
func Text(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, p := range secretValuePatterns {
		result = p.ReplaceAllString(result, RedactionPlaceholder)
	}
	for _, p := range keyValuePatterns {
		result = p.ReplaceAllString(result, "${1}="+RedactionPlaceholder)
	}
	return result
}

const maxSanitizeDepth = 10

// JSON parses a JSON string, recursively sanitizes every string value it
// contains, and re-serializes it. If the input is not valid JSON, it falls
// back to sanitizing it as plain text.
func JSON(jsonStr string) string {
	if jsonStr == "" {
		return jsonStr
	}

	var data any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return Text(jsonStr)
	}

	sanitized := sanitizeValue(data, 0)
	out, err := json.Marshal(sanitized)
	if err != nil {
		return Text(jsonStr)
	}
	return string(out)
}

func sanitizeValue(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return v
	}

	switch val := v.(type) {
	case string:
		return Text(val)
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, inner := range val {
			result[k] = sanitizeValue(inner, depth+1)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, inner := range val {
			result[i] = sanitizeValue(inner, depth+1)
		}
		return result
	default:
		return v
	}
}

// ExecutionLog sanitizes a ScheduleExecution's execution_log_json before
// persistence or broadcast.
func ExecutionLog(executionLogJSON string) string {
	if executionLogJSON == "" {
		return executionLogJSON
	}
	return JSON(executionLogJSON)
}

// Response sanitizes an agent's task response before persistence or broadcast.
func Response(response string) string {
	if response == "" {
		return response
	}
	return Text(response)
}
