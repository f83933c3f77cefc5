package matcher

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"
)

var (
	parenYear    = regexp.MustCompile(`\s*[\(\[]((?:18|19|20)\d{2})[\)\]]\s*$`)
	trailingYear = regexp.MustCompile(`\s+((?:18|19|20)\d{2})\s*$`)

	apostrophes = strings.NewReplacer("'", "", "’", "", "`", "")
)

// StripYear removes a trailing "(YYYY)" from title. A bare trailing " YYYY"
// is only removed when it equals year, so "Blade Runner 2049" survives.
// The extracted year is returned, or year itself when nothing was removed.
func StripYear(title string, year int) (string, int) {
	title = strings.TrimSpace(title)
	if m := parenYear.FindStringSubmatchIndex(title); m != nil && m[0] > 0 {
		y, _ := strconv.Atoi(title[m[2]:m[3]])
		return strings.TrimSpace(title[:m[0]]), y
	}
	if year > 0 {
		if m := trailingYear.FindStringSubmatchIndex(title); m != nil && m[0] > 0 {
			if y, _ := strconv.Atoi(title[m[2]:m[3]]); y == year {
				return strings.TrimSpace(title[:m[0]]), y
			}
		}
	}
	return title, year
}

// Normalize folds a title into the form used for equality checks:
// NFKC, transliterated to ASCII, lower case, punctuation dropped.
func Normalize(title string) string {
	s := norm.NFKC.String(title)
	s = slug.Make(apostrophes.Replace(s))
	return strings.ReplaceAll(s, "-", " ")
}
