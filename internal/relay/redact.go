package relay

import (
	"regexp"
	"strings"
)

type secretPattern struct {
	re      *regexp.Regexp
	replace func(match string) string
}

func masked(string) string { return "***REDACTED***" }

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-=/+]+`), func(string) string { return "Bearer ***REDACTED***" }},
	{regexp.MustCompile(`(?i)\b(sk-[A-Za-z0-9\-_]{8,})\b`), masked},
	{regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(TOKEN|SECRET|PASSWORD|API_KEY))\b\s*[:=]\s*["']?([^\s"']+)`), func(m string) string {
		i := strings.IndexAny(m, ":=")
		if m[i] == '=' {
			return strings.TrimSpace(m[:i]) + "=***REDACTED***"
		}
		return strings.TrimSpace(m[:i]) + ": ***REDACTED***"
	}},
	// Telegram bot tokens: <bot id>:<secret>.
	{regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_\-]{30,}`), masked},
}

// redactSecrets masks credentials before text reaches the event log.
func redactSecrets(text string) (string, bool) {
	out := text
	redacted := false
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			redacted = true
			return p.replace(m)
		})
	}
	return out, redacted
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// preview is the redacted, truncated form of user or model text that is
// allowed into the event log.
func preview(s string) string {
	out, _ := redactSecrets(s)
	return truncate(out, 200)
}
