package domain

import (
	"regexp"
	"strings"

	"github.com/gosimple/slug"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidSubdomain reports whether value is a single DNS-safe label.
func ValidSubdomain(value string) bool {
	return subdomainPattern.MatchString(value)
}

func NormalizeSubdomain(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// SuggestSubdomain derives a candidate label from a free-form organization name.
func SuggestSubdomain(organization string) string {
	candidate := slug.Make(organization)
	if len(candidate) > 63 {
		candidate = strings.TrimRight(candidate[:63], "-")
	}
	if !ValidSubdomain(candidate) {
		return ""
	}
	return candidate
}
