package dedup

import (
	"strings"
	"unicode"
)

// Class groups tools whose targets normalize the same way.
type Class int

const (
	ClassOther Class = iota
	ClassURL
	ClassNetwork
	ClassShell
)

var (
	defaultURLTools = []string{
		"proxy_request", "http_request", "browser", "crawler", "dir_bruteforce", "nuclei", "sqlmap",
	}
	defaultNetworkTools = []string{
		"nmap", "port_scan", "dns_lookup", "whois", "subdomain_enum", "ping", "traceroute",
	}
	defaultShellTools = []string{
		"shell", "terminal", "python",
	}

	// Results of these tools are trusted for the freshness window.
	defaultStrictTools = []string{
		"nmap", "port_scan", "dns_lookup", "whois", "subdomain_enum", "nuclei", "dir_bruteforce", "crawler",
	}
	// These tools are exploratory and never hit the failure threshold.
	defaultAlwaysRetryTools = []string{
		"shell", "terminal", "python", "proxy_request", "http_request", "browser",
	}
	// Coordination tools have no target. They are never skipped and leave
	// no ledger rows.
	defaultBypassTools = []string{
		"delegate_task", "report_finding", "share_note", "message_agent", "list_agents",
	}
)

// NormalizeURL strips query string, fragment and trailing slashes and
// lower-cases the result.
func NormalizeURL(target string) string {
	s := strings.TrimSpace(target)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRightFunc(s, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
	return strings.ToLower(s)
}

// NormalizeHost trims and lower-cases a host or address.
func NormalizeHost(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}

// NormalizeCommand collapses runs of whitespace into single spaces.
func NormalizeCommand(target string) string {
	return strings.Join(strings.Fields(target), " ")
}

func normalizeFor(class Class, target string) string {
	switch class {
	case ClassURL:
		return NormalizeURL(target)
	case ClassNetwork:
		return NormalizeHost(target)
	case ClassShell:
		return NormalizeCommand(target)
	default:
		return strings.TrimSpace(target)
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
