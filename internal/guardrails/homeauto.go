package guardrails

import "regexp"

// dangerousActionMentions match text that proposes consequential home
// actions. The safety validator flags these for visibility but never
// blocks — blocking for dangerous actions belongs to the approval
// engine, which sees the concrete tool invocation rather than prose.
var dangerousActionMentions = regexp.MustCompile(`(?i)\b(unlock(ing)?|disarm(ing)?|open(ing)? the (garage|gate)|disabl(e|ing) (the )?(alarm|camera|sensor))\b`)

// HomeSafety is the home-automation domain validator. It annotates
// output that references dangerous device actions so operators can see
// when the model proposed one, whether or not a tool call followed.
func HomeSafety() Validator {
	return Validator{
		Name: "home-safety",
		Check: func(text string) Result {
			matches := dangerousActionMentions.FindAllString(text, -1)
			if len(matches) == 0 {
				return Result{}
			}
			return Result{
				// Flag only: Tripwire stays false.
				Info: map[string]any{
					"flagged":  true,
					"mentions": matches,
				},
			}
		},
	}
}

// HomeOutputPipeline composes the standard output chain with the
// home-automation safety validator.
func HomeOutputPipeline(minChars, maxChars int) *Pipeline {
	return OutputPipeline(minChars, maxChars).Append(HomeSafety())
}
