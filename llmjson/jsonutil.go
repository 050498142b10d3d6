// Package llmjson extracts machine-readable JSON from LLM responses.
// Models wrap JSON in markdown fences, add comments, or leave trailing
// commas; callers get a cleaned string they can json.Unmarshal directly.
package llmjson

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoObject reports a response with no JSON object anywhere in it.
var ErrNoObject = errors.New("no JSON object found")

var (
	// jsonBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// Extract pulls a JSON object out of an LLM response string. It handles
// markdown code blocks, JavaScript-style comments, and trailing commas.
// Returns ErrNoObject when no object is present.
func Extract(content string) (string, error) {
	raw := extractRaw(content)
	if raw == "" {
		return "", ErrNoObject
	}
	return clean(raw), nil
}

func extractRaw(content string) string {
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return matches[1]
	}
	if match := jsonObjectPattern.FindString(content); match != "" {
		return match
	}
	return ""
}

// clean removes JavaScript-style comments and trailing commas, both common
// LLM artifacts that break encoding/json.
func clean(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string
// values (a URL like "http://x" must survive).
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
