package tools

import "github.com/mtzanidakis/phalanx/internal/store"

var rolePreferences = map[string][]string{
	store.RoleScout: {
		"nmap", "port_scan", "dns_lookup", "whois", "subdomain_enum", "ping", "traceroute",
		"crawler", "http_request", "browser",
		"share_note", "report_finding", "message_agent", "list_agents",
	},
	store.RoleAttacker: {
		"proxy_request", "http_request", "browser", "sqlmap", "nuclei", "dir_bruteforce",
		"shell", "terminal", "python",
		"report_finding", "share_note", "message_agent", "list_agents",
	},
	store.RoleManager: {
		"delegate_task", "list_agents", "message_agent", "share_note", "report_finding",
		"http_request",
	},
}

// ForRole returns the allowlist for role, restricted to the tools in the
// inventory. Unknown roles get the full inventory, and so does a role whose
// preferences match nothing.
func ForRole(inventory []string, role string) []string {
	prefs, ok := rolePreferences[role]
	if !ok {
		return inventory
	}

	present := make(map[string]bool, len(inventory))
	for _, name := range inventory {
		present[name] = true
	}

	var allowed []string
	for _, name := range prefs {
		if present[name] {
			allowed = append(allowed, name)
		}
	}
	if len(allowed) == 0 {
		return inventory
	}
	return allowed
}
