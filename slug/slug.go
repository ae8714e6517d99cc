package slug

import (
	"regexp"
	"strings"
)

var (
	whitespaceRun = regexp.MustCompile(`[\s\v\p{Zs}\x{2028}\x{2029}\x{FEFF}]+`)
	disallowed    = regexp.MustCompile(`[^a-z0-9-]`)
)

// Slugify converts a display name into the key a student record is stored under.
//
// The input is lowercased, every run of whitespace becomes a single hyphen and
// anything outside [a-z0-9-] is dropped:
//
//	Slugify("Ada Lovelace")         // "ada-lovelace"
//	Slugify("  Jean-Luc  O'Neil ") // "-jean-luc-oneil-"
//
// Unicode space separators count as whitespace. No length or uniqueness rules
// are applied here.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = whitespaceRun.ReplaceAllString(s, "-")
	return disallowed.ReplaceAllString(s, "")
}
