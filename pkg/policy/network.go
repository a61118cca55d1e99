package policy

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/harun/plinth/pkg/core"
)

// hostArgNames are the argument keys treated as network targets.
var hostArgNames = []string{"url", "host", "hostname", "endpoint", "address", "base_url"}

var urlPattern = regexp.MustCompile(`https?://[^\s'"<>]+`)

// NetworkChecker screens url/host-bearing arguments against allow/deny
// host lists, with private and loopback ranges blocked by default. It
// also pulls URLs out of shell command text, since a curl target is as
// much a network call as an explicit url argument.
//
// Hostnames are judged literally; the checker never resolves DNS.
type NetworkChecker struct {
	rules NetworkRules
}

// NewNetworkChecker builds a checker from rules.
func NewNetworkChecker(rules NetworkRules) *NetworkChecker {
	return &NetworkChecker{rules: rules}
}

// Name implements Checker.
func (c *NetworkChecker) Name() string { return "network" }

// Check implements Checker.
func (c *NetworkChecker) Check(call core.ToolCall) []CheckResult {
	if !c.rules.Enabled {
		return nil
	}

	targets := c.collectTargets(call)
	if len(targets) == 0 {
		return nil
	}

	var results []CheckResult
	for _, target := range targets {
		results = append(results, c.checkHost(target)...)
	}
	if len(results) == 0 {
		return []CheckResult{pass(c.Name())}
	}
	return results
}

func (c *NetworkChecker) collectTargets(call core.ToolCall) []string {
	var targets []string
	seen := map[string]struct{}{}
	add := func(raw string) {
		host := extractHost(raw)
		if host == "" {
			return
		}
		if _, dup := seen[host]; dup {
			return
		}
		seen[host] = struct{}{}
		targets = append(targets, host)
	}

	for _, key := range hostArgNames {
		if raw, ok := call.Arguments[key].(string); ok && raw != "" {
			add(raw)
		}
	}
	if command, ok := call.Arguments["command"].(string); ok {
		for _, match := range urlPattern.FindAllString(command, -1) {
			add(match)
		}
	}
	return targets
}

func (c *NetworkChecker) checkHost(host string) []CheckResult {
	var results []CheckResult

	for _, deny := range c.rules.DenyHosts {
		if hostMatches(host, deny) {
			results = append(results, fail(c.Name(), SeverityBlock,
				"host %s is on the deny list (%s)", host, deny))
		}
	}

	if c.rules.BlockPrivate && isPrivateHost(host) {
		results = append(results, fail(c.Name(), SeverityBlock,
			"host %s is a private or loopback address", host))
	}

	if len(c.rules.AllowHosts) > 0 {
		allowed := false
		for _, allow := range c.rules.AllowHosts {
			if hostMatches(host, allow) {
				allowed = true
				break
			}
		}
		if !allowed {
			results = append(results, fail(c.Name(), SeverityBlock,
				"host %s is not on the allow list", host))
		}
	}

	return results
}

// extractHost pulls the hostname out of a URL or bare host:port string.
func extractHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return strings.ToLower(raw)
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(strings.Trim(raw, "[]"))
}

// hostMatches reports whether host equals the rule or is a subdomain of it.
func hostMatches(host, rule string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "" {
		return false
	}
	return host == rule || strings.HasSuffix(host, "."+rule)
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
