package network

import (
	"net"
	"strings"
)

// HostFilter is a domain allow-list. A host matches when it equals one of
// the domains or is a subdomain of one; ports and a trailing dot are
// ignored, comparison is case-insensitive.
type HostFilter struct {
	domains []string
}

// NewHostFilter builds a filter from domains. An empty list matches nothing.
func NewHostFilter(domains []string) *HostFilter {
	f := &HostFilter{}
	for _, d := range domains {
		if d = normalizeHost(d); d != "" {
			f.domains = append(f.domains, d)
		}
	}
	return f
}

// Match reports whether host is allowed.
func (f *HostFilter) Match(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, d := range f.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Domains returns the normalized domain list.
func (f *HostFilter) Domains() []string {
	return append([]string(nil), f.domains...)
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
