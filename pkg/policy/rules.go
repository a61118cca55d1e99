package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Ruleset is the JSON-serializable configuration for all checkers.
// Zero-value sections fall back to the embedded defaults, so a partial
// rules file only overrides what it names.
type Ruleset struct {
	Filesystem FilesystemRules `json:"filesystem"`
	Network    NetworkRules    `json:"network"`
	Command    CommandRules    `json:"command"`
	Secrets    SecretsRules    `json:"secrets"`
}

// FilesystemRules governs path-bearing arguments.
type FilesystemRules struct {
	Enabled bool `json:"enabled"`

	// AllowPaths, when non-empty, is an exhaustive prefix allow-list:
	// any path outside it is blocked.
	AllowPaths []string `json:"allow_paths,omitempty"`

	// DenyPaths are blocked prefixes, checked before the allow-list.
	DenyPaths []string `json:"deny_paths,omitempty"`

	// DenyGlobs are blocked glob patterns matched against the full path
	// and its basename.
	DenyGlobs []string `json:"deny_globs,omitempty"`
}

// NetworkRules governs url/host-bearing arguments.
type NetworkRules struct {
	Enabled bool `json:"enabled"`

	// AllowHosts, when non-empty, is an exhaustive allow-list.
	AllowHosts []string `json:"allow_hosts,omitempty"`

	// DenyHosts are blocked host suffixes.
	DenyHosts []string `json:"deny_hosts,omitempty"`

	// BlockPrivate blocks loopback, RFC 1918, and link-local targets.
	BlockPrivate bool `json:"block_private"`
}

// CommandRule is one destructive-command pattern with its severity.
type CommandRule struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// CommandRules governs shell command text.
type CommandRules struct {
	Enabled  bool          `json:"enabled"`
	Patterns []CommandRule `json:"patterns,omitempty"`
}

// SecretsRules governs credential detection and redaction.
type SecretsRules struct {
	Enabled bool `json:"enabled"`

	// ExtraPatterns extend the built-in credential regexes.
	ExtraPatterns []string `json:"extra_patterns,omitempty"`
}

// DefaultRuleset returns the embedded defaults used when no rules file
// exists or a section is absent.
func DefaultRuleset() Ruleset {
	return Ruleset{
		Filesystem: FilesystemRules{
			Enabled:   true,
			DenyPaths: []string{"/etc", "/boot", "/dev", "/proc", "/sys", "/var/run"},
			DenyGlobs: []string{
				"*.pem",
				"id_rsa*",
				"id_ed25519*",
				"*.keychain",
				".env",
				".env.*",
			},
		},
		Network: NetworkRules{
			Enabled:      true,
			BlockPrivate: true,
		},
		Command: CommandRules{
			Enabled:  true,
			Patterns: defaultCommandRules(),
		},
		Secrets: SecretsRules{
			Enabled: true,
		},
	}
}

func defaultCommandRules() []CommandRule {
	return []CommandRule{
		{
			Pattern:  `(?i)\brm\s+(?:-{1,2}[\w-]+\s+)*(?:/|/\*)\s*$`,
			Severity: SeverityBlock,
			Reason:   "recursive delete of filesystem root",
		},
		{
			Pattern:  `(?i)\brm\s+(?:-{1,2}[\w-]+\s+)*(?:~|\$HOME)(?:/\*)?\s*$`,
			Severity: SeverityBlock,
			Reason:   "recursive delete of home directory",
		},
		{
			Pattern:  `--no-preserve-root`,
			Severity: SeverityBlock,
			Reason:   "rm root-preservation override",
		},
		{
			Pattern:  `(?i)\bmkfs(?:\.\w+)?\b`,
			Severity: SeverityBlock,
			Reason:   "filesystem format command",
		},
		{
			Pattern:  `(?i)\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`,
			Severity: SeverityBlock,
			Reason:   "raw write to block device",
		},
		{
			Pattern:  `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			Severity: SeverityBlock,
			Reason:   "fork bomb",
		},
		{
			Pattern:  `(?i)\bchmod\s+(?:-{1,2}[\w-]+\s+)*777\b`,
			Severity: SeverityAdvisory,
			Reason:   "world-writable permission change",
		},
		{
			Pattern:  `(?i)\b(?:curl|wget)\b[^|;&]*\|\s*(?:ba|z|da|fi)?sh\b`,
			Severity: SeverityAdvisory,
			Reason:   "piping a download into a shell",
		},
		{
			Pattern:  `(?i)\bgit\s+push\b[^|;&]*(?:--force\b|\s-f\b)`,
			Severity: SeverityAdvisory,
			Reason:   "forced git push",
		},
	}
}

// LoadRules reads a ruleset from path. A missing file yields the
// defaults; a present but unparseable file is an error, never a silent
// fallback. Sections the file leaves zero-valued keep their defaults.
func LoadRules(path string) (Ruleset, error) {
	rules := DefaultRuleset()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return Ruleset{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	var loaded Ruleset
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Ruleset{}, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return mergeRules(rules, loaded), nil
}

// mergeRules overlays loaded sections onto the defaults. A section
// counts as present when it is enabled or carries any configuration, so
// `"enabled": false` still lands as an explicit off switch when the
// section names any rule material.
func mergeRules(defaults, loaded Ruleset) Ruleset {
	out := defaults

	if loaded.Filesystem.Enabled || len(loaded.Filesystem.AllowPaths) > 0 ||
		len(loaded.Filesystem.DenyPaths) > 0 || len(loaded.Filesystem.DenyGlobs) > 0 {
		out.Filesystem = loaded.Filesystem
	}
	if loaded.Network.Enabled || loaded.Network.BlockPrivate ||
		len(loaded.Network.AllowHosts) > 0 || len(loaded.Network.DenyHosts) > 0 {
		out.Network = loaded.Network
	}
	if loaded.Command.Enabled || len(loaded.Command.Patterns) > 0 {
		out.Command = loaded.Command
		if len(out.Command.Patterns) == 0 {
			out.Command.Patterns = defaultCommandRules()
		}
	}
	if loaded.Secrets.Enabled || len(loaded.Secrets.ExtraPatterns) > 0 {
		out.Secrets = loaded.Secrets
	}
	return out
}
