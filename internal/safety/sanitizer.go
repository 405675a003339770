// Package safety screens inbound text for prompt-injection patterns before
// it reaches a model. Matched substrings are escaped, not dropped, so
// downstream consumers can see exactly what was neutralized.
package safety

import (
	"fmt"
	"regexp"
)

// Sanitized is the result of scanning and escaping one input string.
type Sanitized struct {
	// Content is the (possibly modified) text after escaping.
	Content string
	// Warnings describe each detected pattern.
	Warnings []string
	// Modified reports whether Content differs from the input.
	Modified bool
}

// Literal phrase patterns, matched case-insensitively. Each targets a
// well-known injection technique: instruction override, role impersonation,
// or special token injection.
var phrasePatterns = []string{
	// instruction override attempts
	`ignore previous`,
	`ignore all previous`,
	`disregard`,
	`forget everything`,
	`new instructions`,
	`updated instructions`,
	// role impersonation
	`you are now`,
	`act as`,
	`pretend to be`,
	// role markers (colon-delimited)
	`system:`,
	`assistant:`,
	`user:`,
	// special tokens (LLM-specific delimiters)
	`<\|`,
	`\|>`,
	`\[INST\]`,
	`\[/INST\]`,
	// fenced code block injection
	"```system",
}

// Structural patterns catch what phrase matching misses: role markers in
// brackets, "begin prompt" blocks, "from now on" overrides.
var structuralPatterns = []string{
	`\[\s*(system|assistant|user)\s*\]`,
	`[<{]\s*(system|assistant|user)\s*[}>]`,
	`begin\s*prompt`,
	`from\s+now\s+on\s*,?\s*(you|ignore|disregard|forget)`,
}

type compiled struct {
	re    *regexp.Regexp
	label string
}

var patterns = compilePatterns()

func compilePatterns() []compiled {
	out := make([]compiled, 0, len(phrasePatterns)+len(structuralPatterns))
	for _, p := range append(append([]string{}, phrasePatterns...), structuralPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			// patterns are constants; a failure here is a programming error
			panic(fmt.Sprintf("safety: invalid pattern %q: %v", p, err))
		}
		out = append(out, compiled{re: re, label: p})
	}
	return out
}

// CheckInjection scans input and wraps every match in a "[DETECTED: ...]"
// marker. Surrounding text is preserved unchanged.
func CheckInjection(input string) Sanitized {
	content := input
	var warnings []string
	modified := false

	for _, p := range patterns {
		if !p.re.MatchString(content) {
			continue
		}
		for _, m := range p.re.FindAllString(content, -1) {
			warnings = append(warnings, fmt.Sprintf("injection pattern %q matched: %q", p.label, m))
		}
		content = p.re.ReplaceAllStringFunc(content, func(m string) string {
			return "[DETECTED: " + m + "]"
		})
		modified = true
	}

	return Sanitized{Content: content, Warnings: warnings, Modified: modified}
}

// HasInjection is the cheap yes/no variant of CheckInjection.
func HasInjection(input string) bool {
	for _, p := range patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}
