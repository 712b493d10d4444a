package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{"repeated key", "{{ip}}-{{ip}}", map[string]string{"ip": "X"}, "X-X"},
		{"unbound key", "foo{{missing}}bar", map[string]string{"ip": "1.2.3.4"}, "foo{{missing}}bar"},
		{"no placeholders", "static_query", map[string]string{}, "static_query"},
		{"nil vars", "up{{x}}", nil, "up{{x}}"},
		{
			"promql",
			`rate(http_requests_total{path="{{path}}",ip="{{ip}}"}[5m])`,
			map[string]string{"path": "/login", "ip": "10.0.0.1"},
			`rate(http_requests_total{path="/login",ip="10.0.0.1"}[5m])`,
		},
		{"value containing placeholder is not rescanned", "{{a}}{{b}}", map[string]string{"a": "{{b}}", "b": "B"}, "{{b}}B"},
		{"value is verbatim", "{{q}}", map[string]string{"q": `"quoted" \n`}, `"quoted" \n`},
		{"unterminated", "up{{ip", map[string]string{"ip": "X"}, "up{{ip"},
		{"extra brace", "{{{ip}}}", map[string]string{"ip": "X"}, "{X}"},
		{"empty key", "a{{}}b", map[string]string{"": "E"}, "aEb"},
		{"adjacent", "{{a}}{{a}}{{a}}", map[string]string{"a": "1"}, "111"},
		{"unbound then bound", "{{x}}{{ip}}", map[string]string{"ip": "X"}, "{{x}}X"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.vars))
		})
	}
}

func TestMergeVariablesContextWins(t *testing.T) {
	defaults := map[string]string{"job": "api", "path": "/"}
	merged := mergeVariables(defaults, map[string]string{"path": "/login"})

	assert.Equal(t, map[string]string{"job": "api", "path": "/login"}, merged)
	assert.Equal(t, "/", defaults["path"], "defaults must not be mutated")
}
