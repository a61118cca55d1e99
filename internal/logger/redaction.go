package logger

import (
	"io"
	"regexp"
)

// Pattern is a named redaction pattern. The names double as violation
// labels in the policy engine's secrets checker.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPatterns returns the credential shapes the runtime redacts.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "api_key", Re: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`)},
		{Name: "anthropic_api_key", Re: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`)},
		{Name: "bearer_token", Re: regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`)},
		{Name: "github_token", Re: regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`)},
		{Name: "aws_access_key", Re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{Name: "password", Re: regexp.MustCompile(`password["\s:=]+[^\s"]+`)},
		{Name: "password", Re: regexp.MustCompile(`pwd["\s:=]+[^\s"]+`)},
		{Name: "auth_token", Re: regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`)},
		{Name: "generic_secret", Re: regexp.MustCompile(`secret["\s:=]+[^\s"]+`)},
	}
}

// Redactor redacts sensitive information from logs and tool output
type Redactor struct {
	patterns []Pattern
}

// NewRedactor creates a new redactor with the default patterns
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, Pattern{Name: name, Re: re})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.Re.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Findings returns the names of patterns that match s, in pattern order.
func (r *Redactor) Findings(s string) []string {
	var names []string
	for _, pattern := range r.patterns {
		if pattern.Re.MatchString(s) {
			names = append(names, pattern.Name)
		}
	}
	return names
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
