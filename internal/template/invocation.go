package template

import "strings"

// Base holds the per-run values for the invocation tags.
type Base struct {
	Runtime      string // replaces the leading "java" token; empty keeps it
	EngineConfig string // full flag, e.g. -Dconfig.file=/abs/cromwell.conf; may be empty
	Engine       string
	Workflow     string
}

// ConfigFlag renders the engine configuration flag for a config file path.
func ConfigFlag(path string) string {
	if path == "" {
		return ""
	}
	return "-Dconfig.file=" + path
}

// RenderBase resolves the run-wide tags of an invocation template, leaving
// InputTag in place. Text outside the tags is kept as written; a tag whose
// value is empty is removed together with the blank that precedes it.
// Substituted values are shell-quoted.
func RenderBase(tmpl string, b Base) string {
	values := map[string]string{
		ConfigTag:   ShellQuote(b.EngineConfig),
		EngineTag:   ShellQuote(b.Engine),
		WorkflowTag: ShellQuote(b.Workflow),
	}

	out := replaceRuntime(tmpl, b.Runtime)
	for tag, v := range values {
		if v != "" {
			continue
		}
		out = strings.ReplaceAll(out, " "+tag, "")
		out = strings.ReplaceAll(out, tag+" ", "")
	}
	return Render(out, values)
}

// replaceRuntime swaps a leading RuntimeToken word for runtime.
func replaceRuntime(tmpl, runtime string) string {
	if runtime == "" {
		return tmpl
	}
	trimmed := strings.TrimLeft(tmpl, " \t\n")
	rest, ok := strings.CutPrefix(trimmed, RuntimeToken)
	if !ok || (rest != "" && !strings.ContainsAny(rest[:1], " \t\n")) {
		return tmpl
	}
	lead := tmpl[:len(tmpl)-len(trimmed)]
	return lead + runtime + rest
}

// RenderInput resolves InputTag in a base invocation.
func RenderInput(base, inputPath string) string {
	return Render(base, map[string]string{InputTag: ShellQuote(inputPath)})
}
