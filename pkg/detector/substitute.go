package detector

import "strings"

// Substitute replaces every {{key}} whose key is bound in vars with its value.
// The template is scanned once from left to right: inserted values are never
// rescanned, and placeholders without a binding are copied unchanged.
func Substitute(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		rest = rest[open:]

		end := strings.Index(rest[2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		if value, ok := vars[rest[2:2+end]]; ok {
			b.WriteString(value)
			rest = rest[2+end+2:]
			continue
		}
		// unbound: emit one brace and look for a placeholder starting at the next
		b.WriteByte('{')
		rest = rest[1:]
	}
}

// mergeVariables overlays call-time variables on the rule defaults
func mergeVariables(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
