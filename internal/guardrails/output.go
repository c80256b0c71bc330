package guardrails

import "regexp"

// Default output length bounds.
const (
	DefaultMinOutputChars = 1
	DefaultMaxOutputChars = 100000
)

// Secret-shaped token patterns. These catch the common API-key shapes
// and environment-variable references that should never reach a user.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"api-key", regexp.MustCompile(`\b(sk|pk|rk)[-_](live|test|proj|ant)?[-_]?[A-Za-z0-9]{16,}\b`)},
	{"bearer-token", regexp.MustCompile(`\b[Bb]earer\s+[A-Za-z0-9\-._~+/]{20,}\b`)},
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"env-reference", regexp.MustCompile(`\$?\{?[A-Z][A-Z0-9]*(_[A-Z0-9]+)*_(KEY|TOKEN|SECRET|PASSWORD)\}?\b`)},
}

// OutputQuality enforces minimum and maximum response lengths. Zero
// bounds apply the defaults.
func OutputQuality(minChars, maxChars int) Validator {
	if minChars <= 0 {
		minChars = DefaultMinOutputChars
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return Validator{
		Name: "output-quality",
		Check: func(text string) Result {
			if len(text) < minChars {
				return Result{Tripwire: true, Info: map[string]any{
					"reason": "output below minimum length",
					"length": len(text),
					"min":    minChars,
				}}
			}
			if len(text) > maxChars {
				return Result{Tripwire: true, Info: map[string]any{
					"reason": "output above maximum length",
					"length": len(text),
					"max":    maxChars,
				}}
			}
			return Result{}
		},
	}
}

// SecretLeakage trips when the output contains secret-shaped tokens.
func SecretLeakage() Validator {
	return Validator{
		Name: "secret-leakage",
		Check: func(text string) Result {
			for _, sp := range secretPatterns {
				if sp.pattern.MatchString(text) {
					return Result{Tripwire: true, Info: map[string]any{
						"reason":  "secret-shaped token in output",
						"pattern": sp.name,
					}}
				}
			}
			return Result{}
		},
	}
}

// OutputPipeline is the standard output chain in required order:
// quality → leakage.
func OutputPipeline(minChars, maxChars int) *Pipeline {
	return NewPipeline(
		OutputQuality(minChars, maxChars),
		SecretLeakage(),
	)
}
