package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Signatures of a dead execution context as they appear in API error
// payloads. The remote side has no dedicated error code for this, so
// classification is by message text.
var contextLostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context\s*(not\s*found|does\s*not\s*exist|is\s*invalid|expired)`),
	regexp.MustCompile(`(?i)invalid\s*context`),
	regexp.MustCompile(`(?i)\bcontext_id\b`),
	regexp.MustCompile(`(?i)execution\s*context`),
}

// IsContextLost reports whether err indicates the remote execution context
// is gone. Timeouts and cancellations never classify as loss: a slow
// command is not a dead context.
func IsContextLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	if !strings.Contains(strings.ToLower(msg), "context") {
		return false
	}
	for _, pat := range contextLostPatterns {
		if pat.MatchString(msg) {
			return true
		}
	}
	return false
}
