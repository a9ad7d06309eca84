package crawler

import (
	"net/url"
	"slices"
	"strings"
)

// DomainBlocklist rejects discovered links by host. Entries are exact hosts
// or suffix wildcards written "*.example.com" or ".example.com"; a wildcard
// also matches the bare suffix. A nil *DomainBlocklist blocks nothing.
type DomainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainBlocklist parses patterns. It returns nil when no usable
// pattern remains.
func NewDomainBlocklist(patterns []string) *DomainBlocklist {
	b := &DomainBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		if suffix, ok := strings.CutPrefix(value, "*."); ok {
			value = "." + suffix
		}
		if suffix, ok := strings.CutPrefix(value, "."); ok {
			if suffix != "" && !slices.Contains(b.suffixes, suffix) {
				b.suffixes = append(b.suffixes, suffix)
			}
			continue
		}
		if value != "" {
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

// IsBlocked reports whether host matches an entry.
func (b *DomainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BlocksURL reports whether rawURL's host is blocked. Unparseable URLs are
// not blocked; link resolution rejects them first.
func (b *DomainBlocklist) BlocksURL(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return b.IsBlocked(u.Hostname())
}
