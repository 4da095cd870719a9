package shell

import (
	"regexp"
	"strings"
)

// denyRule pairs a human-readable reason with the pattern that trips it.
type denyRule struct {
	reason  string
	pattern *regexp.Regexp
}

// denyRules blocks the classic irreversible footguns before a command ever
// reaches the shell. This is a tripwire for obvious catastrophes, not a
// sandbox: anything subtler needs OS-level isolation.
var denyRules = []denyRule{
	{
		reason:  "recursive removal of the filesystem root",
		pattern: regexp.MustCompile(`\brm\s+(?:-{1,2}[\w-]+\s+)*-{1,2}\w*[rf]\w*\s+(?:-{1,2}[\w-]+\s+)*/(?:\s*$|\*|\s)`),
	},
	{
		reason:  "rm with --no-preserve-root",
		pattern: regexp.MustCompile(`\brm\b[^|;&]*--no-preserve-root`),
	},
	{
		reason:  "filesystem formatting",
		pattern: regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`),
	},
	{
		reason:  "fork bomb",
		pattern: regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	},
	{
		reason:  "raw dd write to a block device",
		pattern: regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|nvme|vd|xvd|mmcblk|loop|disk)`),
	},
	{
		reason:  "output redirected onto a block device",
		pattern: regexp.MustCompile(`>\s*/dev/(?:sd|hd|nvme|vd|xvd|mmcblk)[a-z0-9]*\b`),
	},
}

// denied returns the reason a command is blocked, or "" when it may run.
func denied(command string) string {
	for _, rule := range denyRules {
		if rule.pattern.MatchString(command) {
			return rule.reason
		}
	}
	return ""
}

// deniedExtra checks operator-supplied patterns as plain substrings and
// returns the first match, or "" when none apply.
func deniedExtra(command string, extras []string) string {
	for _, pattern := range extras {
		if pattern == "" {
			continue
		}
		if strings.Contains(command, pattern) {
			return pattern
		}
	}
	return ""
}
