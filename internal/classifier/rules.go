package classifier

import "regexp"

// Rule is a named fast-path pattern. Rules are data, not code: the
// tables below can be tuned and tested without touching the scoring
// logic in classifier.go.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// rulesVersion identifies the current rule tables. Bump when a table
// changes so routing audit entries remain interpretable.
const rulesVersion = "2025.08"

// simpleRules short-circuit to TierSimple. These cover trivially
// simple intents: greetings, direct device commands, and one-shot
// lookups.
var simpleRules = []Rule{
	{"greeting", regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening)|thanks|thank you)\b[\s!.,]*$`)},
	{"device-command", regexp.MustCompile(`(?i)^\s*(please\s+)?(turn (on|off)|switch (on|off)|dim|brighten|lock|unlock|open|close|start|stop|set)\b`)},
	{"weather-lookup", regexp.MustCompile(`(?i)\b(weather|forecast|temperature outside)\b`)},
	{"time-lookup", regexp.MustCompile(`(?i)\bwhat('s| is) the (time|date)\b`)},
}

// complexRules short-circuit to TierComplex. Multi-clause reasoning,
// construction, and comparison phrasing.
var complexRules = []Rule{
	{"build-design", regexp.MustCompile(`(?i)\b(build|design|architect|implement|refactor|optimi[sz]e)\b.+\b(system|service|pipeline|automation|schedule|program|function)\b`)},
	{"debug", regexp.MustCompile(`(?i)\b(debug|diagnose|troubleshoot|root.cause)\b`)},
	{"compare", regexp.MustCompile(`(?i)\b(compare|contrast|trade.?offs?|pros and cons)\b`)},
	{"how-why-chain", regexp.MustCompile(`(?i)\b(how|why)\b.+\b(and|then|because|so that|which)\b.+\?`)},
	{"analysis", regexp.MustCompile(`(?i)\b(analy[sz]e|explain why|walk me through|step.by.step)\b`)},
}

// technicalTerms feed the technical-term signal. Matches are counted,
// not short-circuited.
var technicalTerms = regexp.MustCompile(`(?i)\b(algorithm|api|async|automation|binary|compile|concurren\w+|database|encrypt\w*|entity|firmware|goroutine|http|json|kernel|latency|mqtt|network|protocol|quaternion|regex|schema|sql|thread|webhook|websocket|yaml|zigbee|z-wave)\b`)

// mathSymbols feed the math-symbol signal.
var mathSymbols = regexp.MustCompile(`[+\-*/^=<>≤≥≠∑∫√π%]|\b(integral|derivative|matrix|logarithm|equation)\b`)

// questionWords feed the question-depth signal alongside literal
// question marks.
var questionWords = regexp.MustCompile(`(?i)\b(how|why|what if|under what|in what way|to what extent)\b`)
