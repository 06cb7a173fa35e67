package content

import (
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.UGCPolicy()

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from user-supplied text. It is applied to
// chat message content before it is persisted or fanned out.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// NormalizeMessage sanitizes and trims chat content. An empty result means
// the message carries nothing deliverable.
func NormalizeMessage(input string) string {
	return strings.TrimSpace(Sanitize(input))
}

// ValidateUsername checks that the username contains only allowed
// characters (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
