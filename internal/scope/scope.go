// Package scope decides whether a target sits inside an engagement's
// authorized scope, and extracts the primary target from tool invocations so
// the check can be applied before anything is spawned.
package scope

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?:/\d{1,2})?\b`)
	domainRe = regexp.MustCompile(`\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,}\b`)
)

// Parameter names probed, in order, when a tool call carries a parameter map.
var targetKeys = []string{"target", "host", "domain", "url", "ip", "hosts", "u"}

// InScope reports whether target falls inside the engagement scope. An empty
// scope disables checking entirely. Both sides are canonicalized (lowercased,
// scheme and path stripped); entries match on exact hostname, *.wildcard,
// parent domain suffix, or CIDR containment. Unparseable entries are skipped.
func InScope(target string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}

	t := canonical(target)
	// A target captured with a CIDR suffix is judged by its network address.
	if p, err := netip.ParsePrefix(t); err == nil {
		t = p.Addr().String()
	}
	addr, addrErr := netip.ParseAddr(t)

	for _, raw := range scope {
		entry := canonical(raw)
		if t == entry {
			return true
		}
		if base, ok := strings.CutPrefix(entry, "*."); ok {
			if t == base || strings.HasSuffix(t, "."+base) {
				return true
			}
		}
		if strings.HasSuffix(t, "."+entry) {
			return true
		}
		if addrErr == nil {
			if pfx, err := entryPrefix(entry); err == nil && pfx.Contains(addr) {
				return true
			}
		}
	}
	return false
}

// canonical lowercases and trims an entry or target, drops an http(s) scheme,
// and removes any path component. A valid CIDR keeps its mask.
func canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, "/")
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(s, scheme); ok {
			s = rest
			break
		}
	}
	if _, err := netip.ParsePrefix(s); err == nil {
		return s
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func entryPrefix(entry string) (netip.Prefix, error) {
	if strings.ContainsRune(entry, '/') {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ExtractTarget pulls the primary target out of a tool invocation. Catalog
// tool runs carry it in a well-known parameter; shell commands are scanned
// for the first IPv4 literal or domain-like token. The second return is
// false when no target could be identified.
func ExtractTarget(toolName string, input map[string]any) (string, bool) {
	switch toolName {
	case "execute_tool":
		params, _ := input["parameters"].(map[string]any)
		return TargetFromParams(params)
	case "execute_bash":
		command, _ := input["command"].(string)
		return TargetFromCommand(command)
	}
	return "", false
}

// TargetFromParams probes a tool parameter map for the first present
// target-bearing key.
func TargetFromParams(params map[string]any) (string, bool) {
	for _, key := range targetKeys {
		if v, ok := params[key]; ok {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// TargetFromCommand scans a shell command for the first IPv4 literal
// (optionally with a CIDR suffix), then for the first domain-like token.
func TargetFromCommand(command string) (string, bool) {
	if m := ipv4Re.FindString(command); m != "" {
		return m, true
	}
	if m := domainRe.FindString(command); m != "" {
		return m, true
	}
	return "", false
}

// ViolationMessage is the synthetic tool result handed back to the model
// when a target falls outside the engagement scope.
func ViolationMessage(target string, scope []string) string {
	scopeStr := "none defined"
	if len(scope) > 0 {
		scopeStr = strings.Join(scope, ", ")
	}
	return fmt.Sprintf("[SCOPE VIOLATION] Target '%s' is outside the defined engagement scope.\n"+
		"Allowed scope: %s\n"+
		"Tool execution was blocked. Only test targets within the defined scope.", target, scopeStr)
}
