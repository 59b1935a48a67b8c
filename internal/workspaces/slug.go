package workspaces

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 64

// diacriticStripper decomposes accented letters and drops the marks,
// so "Café Über" slugs to "cafe-uber".
var diacriticStripper = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var (
	nonSlugRuns = regexp.MustCompile(`[^a-z0-9]+`)
	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Slugify derives a URL slug from a workspace name. The result is
// never empty; unusable names fall back to "workspace".
func Slugify(name string) string {
	stripped, _, err := transform.String(diacriticStripper, name)
	if err != nil {
		stripped = name
	}
	slug := strings.ToLower(stripped)
	slug = nonSlugRuns.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "workspace"
	}
	return slug
}

// slugBase resolves the base slug for a new workspace: the caller's
// explicit slug when given, the workspace name otherwise.
func slugBase(explicit, name string) (string, bool) {
	source := strings.TrimSpace(explicit)
	if source == "" {
		source = name
	}
	candidate := Slugify(source)
	if len(candidate) > maxSlugLen || !slugPattern.MatchString(candidate) {
		return "", false
	}
	return candidate, true
}
