package slug

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxBaseLen = 48
	suffixLen  = 8
	fallback   = "job"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Generate builds a URL-safe slug from title and suffix.
// The result depends only on its inputs.
func Generate(title, suffix string) string {
	base := nonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	base = strings.Trim(base, "-")

	if len(base) > maxBaseLen {
		base = strings.TrimRight(base[:maxBaseLen], "-")
	}
	if base == "" {
		base = fallback
	}

	suffix = nonAlnum.ReplaceAllString(strings.ToLower(suffix), "")
	if suffix == "" {
		return base
	}

	return base + "-" + suffix
}

// NewSuffix returns a random suffix that keeps slugs of equal titles apart.
func NewSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}
