package gateway

import (
	"regexp"
	"strings"
)

// Redactor scrubs credential material from text before it reaches logs
// or the event stream. It replaces the exact key values loaded at
// startup plus common provider key shapes that may ride along inside
// SDK error messages.
type Redactor struct {
	replacer *strings.Replacer
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

var builtinRedactPatterns = []*redactPattern{
	{regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{16,}`), "__MASKED_API_KEY__"},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9_\-]{30,}`), "__MASKED_API_KEY__"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-\.]{16,}`), "${1}__MASKED_TOKEN__"},
	{regexp.MustCompile(`(?i)(x-api-key["':\s=]+)[A-Za-z0-9_\-]{16,}`), "${1}__MASKED_API_KEY__"},
}

// NewRedactor builds a redactor for the given secret values. Empty and
// very short secrets are ignored so the replacer never mangles prose.
func NewRedactor(secrets []string) *Redactor {
	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		if len(s) < 8 {
			continue
		}
		pairs = append(pairs, s, "__MASKED_API_KEY__")
	}
	return &Redactor{
		replacer: strings.NewReplacer(pairs...),
		patterns: builtinRedactPatterns,
	}
}

// Redact returns text with every known secret replaced.
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	out := r.replacer.Replace(text)
	for _, p := range r.patterns {
		out = p.regex.ReplaceAllString(out, p.replacement)
	}
	return out
}

// RedactError formats err through Redact. A nil error yields "".
func (r *Redactor) RedactError(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
