package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

// RegexPrefix marks a URL pattern as a regular expression; other patterns
// match by substring.
const RegexPrefix = "regex:"

// Filter selects URLs for stage-two extraction. The zero value matches
// every URL.
type Filter struct {
	substrings []string
	regexps    []*regexp.Regexp
}

// CompileFilter builds a Filter from patterns. An invalid regular
// expression is a configuration error.
func CompileFilter(patterns []string) (Filter, error) {
	var f Filter
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(p, RegexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: url pattern %q: %v", ErrConfig, p, err)
			}
			f.regexps = append(f.regexps, re)
			continue
		}
		f.substrings = append(f.substrings, p)
	}
	return f, nil
}

// MatchAll reports whether the filter has no predicates.
func (f Filter) MatchAll() bool {
	return len(f.substrings) == 0 && len(f.regexps) == 0
}

// Match reports whether url satisfies any predicate.
func (f Filter) Match(url string) bool {
	if f.MatchAll() {
		return true
	}
	for _, s := range f.substrings {
		if strings.Contains(url, s) {
			return true
		}
	}
	for _, re := range f.regexps {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
