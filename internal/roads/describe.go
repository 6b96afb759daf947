package roads

import (
	"regexp"
	"strings"
)

// intersectionPattern captures X in "<anything> at <X> - <rest>". "at" is
// matched case-insensitively as a whole word and X stops at the first hyphen.
var intersectionPattern = regexp.MustCompile(`(?i)\bat ([^-]+)\s*-`)

// ExtractIntersection returns the trimmed intersection phrase of a provider
// description, or "" when the description has no "at X -" part
func ExtractIntersection(description string) string {
	m := intersectionPattern.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractProviderRoadName returns the text between the last " at " and the
// following " - ", or "" when the description contains no " at "
func ExtractProviderRoadName(description string) string {
	idx := strings.LastIndex(description, " at ")
	if idx < 0 {
		return ""
	}
	rest := description[idx+len(" at "):]
	if end := strings.Index(rest, " - "); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
