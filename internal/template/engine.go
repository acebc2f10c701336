// Package template renders message bodies by substituting {{variable}}
// placeholders and expanding {a|b|c} spintext groups. Rendering is a pure
// function of its inputs; the engine performs no I/O.
package template

import (
	"math/rand"
	"regexp"
	"sort"
	"strings"
)

// variable placeholder: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// spintext group: {option1|option2|option3}
var spinPattern = regexp.MustCompile(`\{([^{}]+)\}`)

const maxValueLen = 1000

// Options controls rendering behavior
type Options struct {
	Spintext bool
}

// Render substitutes variables into the template body. Values are sanitized
// (null bytes stripped, length capped); placeholders without a value are left
// as written. Spintext groups are expanded when enabled.
func Render(body string, vars map[string]string, opts Options) string {
	if body == "" {
		return body
	}

	rendered := varPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return sanitizeValue(value)
		}
		return match
	})

	if opts.Spintext {
		rendered = processSpintext(rendered)
	}

	return rendered
}

// ExtractVariables returns the distinct placeholder names in a template body,
// sorted for stable output.
func ExtractVariables(body string) []string {
	matches := varPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := map[string]bool{}
	names := []string{}
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidationResult describes a template body
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Variables   []string `json:"variables"`
	Missing     []string `json:"missing,omitempty"`
	HasSpintext bool     `json:"has_spintext"`
}

// Validate checks that the body references every required variable.
func Validate(body string, required []string) ValidationResult {
	variables := ExtractVariables(body)
	present := map[string]bool{}
	for _, v := range variables {
		present[v] = true
	}

	missing := []string{}
	for _, req := range required {
		if !present[req] {
			missing = append(missing, req)
		}
	}

	return ValidationResult{
		Valid:       len(missing) == 0,
		Variables:   variables,
		Missing:     missing,
		HasSpintext: spinPattern.MatchString(strings.ReplaceAll(body, "{{", "")) && strings.Contains(body, "|"),
	}
}

// sanitizeValue strips null bytes and caps the value length so a runaway
// custom field cannot blow up a message body.
func sanitizeValue(value string) string {
	s := strings.ReplaceAll(value, "\x00", "")
	if len(s) > maxValueLen {
		return s[:maxValueLen] + "..."
	}
	return s
}

// processSpintext picks one option from each {a|b|c} group. Groups without a
// pipe are left untouched so stray braces survive rendering.
func processSpintext(text string) string {
	return spinPattern.ReplaceAllStringFunc(text, func(match string) string {
		content := match[1 : len(match)-1]
		if !strings.Contains(content, "|") {
			return match
		}
		options := strings.Split(content, "|")
		pick := strings.TrimSpace(options[rand.Intn(len(options))])
		return pick
	})
}
