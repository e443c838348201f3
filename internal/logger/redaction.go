package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor strips secrets from log lines
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for session cookies and credentials
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// signed session cookie values: <id>.<mac>
			regexp.MustCompile(`(steer\.sid=)[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
			// Cookie / Set-Cookie header values
			regexp.MustCompile(`(?i)((?:set-)?cookie["\s:=]+)[^"\n]+`),
			// Bearer tokens
			regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`),
			// credentials embedded in URLs, e.g. proxy servers
			regexp.MustCompile(`(://[^/\s:@"]+:)[^@\s"/]+(@)`),
			// key/value secrets
			regexp.MustCompile(`(?i)((?:password|passwd|pwd|secret|token)["\s:=]+)[^\s",}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern; the whole match is replaced
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces secrets in s, keeping any leading key captured in group 1
// and trailing delimiter captured in group 2.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		switch re.NumSubexp() {
		case 0:
			s = re.ReplaceAllString(s, redacted)
		case 1:
			s = re.ReplaceAllString(s, "${1}"+redacted)
		default:
			s = re.ReplaceAllString(s, "${1}"+redacted+"${2}")
		}
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write
// caused by redaction changing the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
