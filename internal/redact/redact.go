// Package redact rewrites secrets out of record bodies before they are
// encoded. It is a content filter that always rewrites and never blocks: a
// capture with a leaked token still stores the surrounding context, with the
// token replaced by a placeholder naming the rule that caught it.
package redact

import "regexp"

type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

func placeholder(name string) string {
	return "[redacted:" + name + "]"
}

// rules are applied in order. The private key block goes first so its body
// cannot partially match the token rules below.
var rules = []rule{
	{
		name: "private-key",
		re:   regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	},
	{
		name: "api-key",
		re:   regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
	},
	{
		name: "github-token",
		re:   regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`),
	},
	{
		name: "aws-key",
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		name: "slack-token",
		re:   regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`),
	},
	{
		name: "bearer-token",
		re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`),
	},
	{
		name: "url-credentials",
		re:   regexp.MustCompile(`([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s:@]+@`),
		repl: "${1}" + placeholder("url-credentials") + "@",
	},
}

// Redactor applies the built-in secret rules to text.
type Redactor struct {
	rules []rule
}

// New returns a redactor with the built-in rule set.
func New() *Redactor {
	return &Redactor{rules: rules}
}

// Filter replaces every secret it recognizes and returns the rewritten text.
// It never returns an error; redaction is a rewrite, not a gate.
func (r *Redactor) Filter(text string) (string, error) {
	out := text
	for _, ru := range r.rules {
		repl := ru.repl
		if repl == "" {
			repl = placeholder(ru.name)
		}
		out = ru.re.ReplaceAllString(out, repl)
	}
	return out, nil
}
