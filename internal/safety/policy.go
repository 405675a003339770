package safety

import (
	"fmt"
	"regexp"
)

// Severity ranks how serious a policy violation is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Action is the recommended response to a violation.
type Action string

const (
	// ActionBlock: stop processing and return an error.
	ActionBlock Action = "block"
	// ActionSanitize: remove or replace the offending content first.
	ActionSanitize Action = "sanitize"
	// ActionWarn: log and continue.
	ActionWarn Action = "warn"
)

// Violation is one policy rule hit.
type Violation struct {
	Rule        string
	Severity    Severity
	Action      Action
	Description string
	// Matched is the first text fragment the rule matched.
	Matched string
}

// Blocking reports whether the caller should refuse to proceed.
func (v Violation) Blocking() bool { return v.Action == ActionBlock }

type policyRule struct {
	name        string
	severity    Severity
	action      Action
	description string
	re          *regexp.Regexp
}

// Rule sources, compiled case-insensitively. Each targets a threat class:
// sensitive file access, key material, injection payloads, traversal, or
// secret references.
var policyRuleDefs = []struct {
	name        string
	severity    Severity
	action      Action
	description string
	pattern     string
}{
	{
		"system_file_access", SeverityCritical, ActionBlock,
		"Attempt to access sensitive system files",
		`(/etc/passwd|/etc/shadow|\.ssh/|\.aws/credentials|\.gnupg/|\.bashrc|\.profile|\.zshrc)`,
	},
	{
		"crypto_key_patterns", SeverityHigh, ActionBlock,
		"Reference to private key material",
		`(id_rsa|id_ed25519|id_ecdsa|id_dsa|\.pem\b|private[_-]?key|-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY)`,
	},
	{
		"sql_injection", SeverityHigh, ActionSanitize,
		"Potential SQL injection payload",
		`(DROP\s+TABLE|DELETE\s+FROM|UNION\s+SELECT|OR\s+1\s*=\s*1|';\s*--)`,
	},
	{
		"shell_injection", SeverityCritical, ActionBlock,
		"Potential shell injection payload",
		"(;\\s*rm\\s+-rf|&&\\s*rm\\s|curl\\s+.*\\|\\s*sh|wget\\s+.*\\|\\s*sh|\\$\\(|`[^`]+`)",
	},
	{
		"encoded_exploits", SeverityMedium, ActionWarn,
		"Encoded or indirect code execution attempt",
		`(base64_decode|eval\s*\(|exec\s*\(|__import__)`,
	},
	{
		"path_traversal", SeverityHigh, ActionSanitize,
		"Path traversal attempt",
		`(\.\./|\.\.\\|%2[eE]%2[eE])`,
	},
	{
		"sensitive_env", SeverityMedium, ActionWarn,
		"Reference to sensitive environment variable",
		`(DATABASE_URL|SECRET_KEY|PRIVATE_KEY)`,
	},
}

var policyRules = compilePolicyRules()

func compilePolicyRules() []policyRule {
	out := make([]policyRule, 0, len(policyRuleDefs))
	for _, d := range policyRuleDefs {
		re, err := regexp.Compile(`(?i)` + d.pattern)
		if err != nil {
			// rules are constants; a failure here is a programming error
			panic(fmt.Sprintf("safety: invalid policy rule %q: %v", d.name, err))
		}
		out = append(out, policyRule{
			name:        d.name,
			severity:    d.severity,
			action:      d.action,
			description: d.description,
			re:          re,
		})
	}
	return out
}

// CheckPolicy evaluates input against every rule and returns all violations.
// Multiple rules can match the same input; a clean input returns nil.
func CheckPolicy(input string) []Violation {
	var out []Violation
	for _, r := range policyRules {
		m := r.re.FindString(input)
		if m == "" {
			continue
		}
		out = append(out, Violation{
			Rule:        r.name,
			Severity:    r.severity,
			Action:      r.action,
			Description: r.description,
			Matched:     m,
		})
	}
	return out
}
