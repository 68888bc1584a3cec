// Package template renders input documents and engine invocations.
//
// Placeholders are literal tokens. Rendering never modifies the template it
// is given: one loaded template renders every work unit of a run.
package template

import (
	"regexp"
	"sort"
	"strings"
)

// Invocation tags. They are mutually non-overlapping, so the order in which
// they are substituted does not matter.
const (
	ConfigTag   = "CONFIG_TAG"
	EngineTag   = "ENGINE_TAG"
	WorkflowTag = "WORKFLOW_TAG"
	InputTag    = "INPUT_TAG"
)

// RuntimeToken is the position of the JVM launcher in DefaultInvocation.
const RuntimeToken = "java"

// DefaultInvocation is the engine command line shape:
// <runtime> <optional config flag> -jar <engine> run -i <input> <workflow>.
const DefaultInvocation = RuntimeToken + " " + ConfigTag + " -jar " + EngineTag + " run -i " + InputTag + " " + WorkflowTag

// Tags lists every invocation tag.
var Tags = []string{ConfigTag, EngineTag, WorkflowTag, InputTag}

var placeholderRE = regexp.MustCompile(`<[A-Za-z_][A-Za-z0-9_.-]*>`)

// Render returns tmpl with every occurrence of each key in values replaced by
// its value. Matching is exact and case-sensitive. The template is scanned
// once: inserted values are never searched for further keys. Where keys
// overlap at one position the longest wins.
func Render(tmpl string, values map[string]string) string {
	if len(values) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, values[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Placeholder wraps a manifest field name in angle brackets.
func Placeholder(field string) string {
	return "<" + field + ">"
}

// FieldValues maps manifest fields to their placeholder form, ready for Render.
func FieldValues(fields map[string]string) map[string]string {
	values := make(map[string]string, len(fields))
	for name, v := range fields {
		values[Placeholder(name)] = v
	}
	return values
}

// Unresolved lists the distinct <name> placeholders still present in a
// rendered document, in order of first appearance. Leftovers are allowed;
// this only feeds diagnostics.
func Unresolved(rendered string) []string {
	matches := placeholderRE.FindAllString(rendered, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// RemainingTags reports which invocation tags are still present in s.
func RemainingTags(s string) []string {
	var out []string
	for _, tag := range Tags {
		if strings.Contains(s, tag) {
			out = append(out, tag)
		}
	}
	return out
}

// ShellQuote quotes s for /bin/sh when it contains anything outside a
// conservative safe set. The empty string stays empty so optional
// arguments disappear from the command line.
func ShellQuote(s string) string {
	if s == "" {
		return ""
	}
	safe := true
	for _, r := range s {
		if !isSafeShellRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./=:,+@%", r)
}
