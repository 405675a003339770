package safety

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const (
	// maxInputBytes caps prompt size at 100 KB.
	maxInputBytes = 102400
	// whitespaceRatioThreshold warns when input is mostly whitespace.
	whitespaceRatioThreshold = 0.90
	// maxConsecutiveRepeats warns when a single character runs longer.
	maxConsecutiveRepeats = 20
)

// Validation is the outcome of the structural checks on one input.
type Validation struct {
	// Valid is true when there are no errors; warnings do not affect it.
	Valid    bool
	Warnings []string
	Errors   []string
}

func (v *Validation) addError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

func (v *Validation) addWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Validate screens input for structural problems before it enters the
// pipeline: byte length, null bytes, whitespace flooding, character
// repetition, and unusual control characters. Length and null bytes are
// errors; the rest are warnings.
func Validate(input string) Validation {
	v := Validation{Valid: true}

	if len(input) > maxInputBytes {
		v.addError(fmt.Sprintf("input exceeds maximum length: %d bytes (limit: %d bytes)", len(input), maxInputBytes))
	}
	if strings.ContainsRune(input, 0) {
		v.addError("input contains null byte(s)")
	}
	checkWhitespaceRatio(input, &v)
	checkRepetition(input, &v)
	checkControlCharacters(input, &v)
	return v
}

func checkWhitespaceRatio(input string, v *Validation) {
	if input == "" {
		return
	}
	total, whitespace := 0, 0
	for _, r := range input {
		total++
		if unicode.IsSpace(r) {
			whitespace++
		}
	}
	ratio := float64(whitespace) / float64(total)
	if ratio > whitespaceRatioThreshold {
		v.addWarning(fmt.Sprintf("input is %.0f%% whitespace (%d of %d characters)", ratio*100, whitespace, total))
	}
}

func checkRepetition(input string, v *Validation) {
	var prev rune
	run := 0
	for _, r := range input {
		if run > 0 && r == prev {
			run++
			if run > maxConsecutiveRepeats {
				v.addWarning(fmt.Sprintf("character %q repeats %d consecutive times (threshold: %d)", prev, run, maxConsecutiveRepeats))
				// one warning per input is enough
				return
			}
			continue
		}
		prev = r
		run = 1
	}
}

// checkControlCharacters flags ASCII control bytes other than the common
// whitespace codes (tab, newline, carriage return).
func checkControlCharacters(input string, v *Validation) {
	seen := map[byte]bool{}
	for i := 0; i < len(input); i++ {
		b := input[i]
		if (b <= 8) || (b >= 14 && b <= 31) {
			seen[b] = true
		}
	}
	if len(seen) == 0 {
		return
	}
	found := make([]int, 0, len(seen))
	for b := range seen {
		found = append(found, int(b))
	}
	sort.Ints(found)
	v.addWarning(fmt.Sprintf("input contains unusual control character(s): %v", found))
}
