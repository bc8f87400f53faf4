package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ErrInvalidSlug marks slug validation failures so transport layers can map
// them to a client error.
var ErrInvalidSlug = errors.New("invalid slug")

// NormalizeSlug trims whitespace, lowercases the value, and ensures it matches
// the canonical URL-safe slug pattern required for tenant identifiers.
func NormalizeSlug(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("%w: slug is required", ErrInvalidSlug)
	}

	normalized := strings.ToLower(trimmed)
	if !slugPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", ErrInvalidSlug, input)
	}

	return normalized, nil
}
