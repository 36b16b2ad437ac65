package redact

import "regexp"

// Secrets leak into error strings through request dumps and provider error
// bodies. Every string persisted to the archive goes through String first.
var rules = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`), "sk-REDACTED"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{10,}`), "${1}REDACTED"},
	{regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)(\S+)`), "${1}REDACTED"},
	{regexp.MustCompile(`(?i)(token\s*[:=]\s*)(\S+)`), "${1}REDACTED"},
}

func String(s string) string {
	for _, rule := range rules {
		s = rule.pattern.ReplaceAllString(s, rule.replace)
	}
	return s
}

func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
