package guardrails

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxInputChars is the input length ceiling when config does
// not override it.
const DefaultMaxInputChars = 10000

// PII patterns. Deliberately conservative: an SSN-shaped or
// card-shaped token is an immediate trip, no confidence scoring.
var (
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
)

// Injection phrases: imperative attempts to override the system
// prompt. Matched case-insensitively anywhere in the text.
var injectionPhrases = regexp.MustCompile(`(?i)(ignore (all )?(previous|prior|above) (instructions|prompts?)|disregard (the )?system prompt|you are now|forget (everything|your instructions)|reveal your (system )?prompt|pretend (you have|there are) no (rules|restrictions))`)

// nonAlnumDensityLimit is the fraction of non-alphanumeric runes above
// which input is treated as an obfuscation attempt.
const nonAlnumDensityLimit = 0.30

// SanitizeInput rejects input exceeding maxChars. A zero maxChars
// applies DefaultMaxInputChars.
func SanitizeInput(maxChars int) Validator {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	return Validator{
		Name: "sanitize-user-input",
		Check: func(text string) Result {
			if len(text) > maxChars {
				return Result{Tripwire: true, Info: map[string]any{
					"reason":    "input too long",
					"length":    len(text),
					"max_chars": maxChars,
				}}
			}
			return Result{}
		},
	}
}

// ContentFilter trips on PII-shaped tokens (SSNs, payment card
// numbers).
func ContentFilter() Validator {
	return Validator{
		Name: "content-filter",
		Check: func(text string) Result {
			switch {
			case ssnPattern.MatchString(text):
				return Result{Tripwire: true, Info: map[string]any{"reason": "ssn pattern detected"}}
			case cardPattern.MatchString(text):
				return Result{Tripwire: true, Info: map[string]any{"reason": "payment card pattern detected"}}
			}
			return Result{}
		},
	}
}

// InjectionDetection trips on prompt-override phrasing or on input
// whose non-alphanumeric density suggests encoded payloads. The trip
// carries a confidence score: 1.0 for phrase matches, scaled by
// density otherwise.
func InjectionDetection() Validator {
	return Validator{
		Name: "injection-detection",
		Check: func(text string) Result {
			if m := injectionPhrases.FindString(text); m != "" {
				return Result{Tripwire: true, Info: map[string]any{
					"reason":     "override phrase detected",
					"phrase":     strings.ToLower(m),
					"confidence": 1.0,
				}}
			}
			if d := nonAlnumDensity(text); d > nonAlnumDensityLimit {
				return Result{Tripwire: true, Info: map[string]any{
					"reason":     "high non-alphanumeric density",
					"density":    d,
					"confidence": min(d/nonAlnumDensityLimit-1, 1.0),
				}}
			}
			return Result{}
		},
	}
}

// nonAlnumDensity returns the fraction of runes that are neither
// letters, digits, nor whitespace. Short strings are exempt — a bare
// "?" should not trip.
func nonAlnumDensity(text string) float64 {
	runes := []rune(text)
	if len(runes) < 20 {
		return 0
	}
	var odd int
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			odd++
		}
	}
	return float64(odd) / float64(len(runes))
}

// InputPipeline is the standard input chain in required order:
// sanitize → content-filter → injection-detection.
func InputPipeline(maxChars int) *Pipeline {
	return NewPipeline(
		SanitizeInput(maxChars),
		ContentFilter(),
		InjectionDetection(),
	)
}
