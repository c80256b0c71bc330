// Package classifier scores query complexity for routing decisions.
// Classification is pure and deterministic: the same text always
// produces the same Score, and classification never fails — empty or
// unparseable input is simply TierSimple.
package classifier

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Tier is the complexity bucket a query falls into.
type Tier int

const (
	TierSimple Tier = iota
	TierModerate
	TierComplex
)

func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierModerate:
		return "moderate"
	case TierComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Signals is the per-signal breakdown behind a score. Each value is
// normalized to 0–100 before weighting.
type Signals struct {
	Length         int `json:"length"`
	CodeBlocks     int `json:"code_blocks"`
	MathSymbols    int `json:"math_symbols"`
	QuestionDepth  int `json:"question_depth"`
	TechnicalTerms int `json:"technical_terms"`
}

// Score is the result of classification.
type Score struct {
	Tier     Tier    `json:"tier"`
	Signals  Signals `json:"signals"`
	Weighted float64 `json:"weighted"`
	// FastPath names the rule that short-circuited classification,
	// empty when the weighted score decided.
	FastPath string `json:"fast_path,omitempty"`
	// Escalated is true when a long conversation history bumped the
	// tier by one step.
	Escalated bool `json:"escalated,omitempty"`
	// RulesVersion records which rule tables produced this score.
	RulesVersion string `json:"rules_version"`
}

// Signal weights. They sum to 1.0; code blocks weigh heaviest because
// pasted code is the strongest complexity indicator we have.
const (
	weightLength    = 0.20
	weightCode      = 0.30
	weightMath      = 0.20
	weightQuestion  = 0.15
	weightTechnical = 0.15
)

// Weighted-score thresholds.
const (
	simpleCeiling   = 40.0
	moderateCeiling = 70.0
)

// historyEscalation is the number of prior turns beyond which a
// borderline score rounds toward the higher tier. The bonus is capped
// at one tier step.
const (
	historyEscalation = 8
	escalationBonus   = 5.0
)

// Classify scores the query text. historyLen is the number of prior
// turns in the conversation; pass 0 when there is no history.
func Classify(text string, historyLen int) Score {
	score := Score{RulesVersion: rulesVersion}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		score.Tier = TierSimple
		score.FastPath = "empty-input"
		return score
	}

	for _, r := range simpleRules {
		if r.Pattern.MatchString(trimmed) {
			score.Tier = TierSimple
			score.FastPath = r.Name
			return score
		}
	}
	for _, r := range complexRules {
		if r.Pattern.MatchString(trimmed) {
			score.Tier = TierComplex
			score.FastPath = r.Name
			return score
		}
	}

	score.Signals = measure(trimmed)
	score.Weighted = weighted(score.Signals)

	effective := score.Weighted
	if historyLen >= historyEscalation {
		effective += escalationBonus
	}

	score.Tier = tierFor(effective)
	if score.Tier != tierFor(score.Weighted) {
		score.Escalated = true
	}
	return score
}

func tierFor(w float64) Tier {
	switch {
	case w < simpleCeiling:
		return TierSimple
	case w < moderateCeiling:
		return TierModerate
	default:
		return TierComplex
	}
}

func weighted(s Signals) float64 {
	return weightLength*float64(s.Length) +
		weightCode*float64(s.CodeBlocks) +
		weightMath*float64(s.MathSymbols) +
		weightQuestion*float64(s.QuestionDepth) +
		weightTechnical*float64(s.TechnicalTerms)
}

// measure computes the raw signals, each clamped to 0–100.
func measure(text string) Signals {
	return Signals{
		Length:         clamp(len(text) / 20),
		CodeBlocks:     clamp(countCodeBlocks(text) * 34),
		MathSymbols:    clamp(len(mathSymbols.FindAllString(text, -1)) * 12),
		QuestionDepth:  clamp(questionDepth(text) * 25),
		TechnicalTerms: clamp(len(technicalTerms.FindAllString(text, -1)) * 15),
	}
}

// countCodeBlocks parses the text as markdown and counts fenced and
// indented code blocks. Markdown parsing is more reliable than a
// backtick regex: it ignores inline code spans and unbalanced fences.
func countCodeBlocks(text string) int {
	parser := goldmark.New().Parser()
	doc := parser.Parse(gmtext.NewReader([]byte(text)))

	count := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			count++
		}
		return ast.WalkContinue, nil
	})
	return count
}

// questionDepth counts question marks plus interrogative phrasing.
// A single "what time is it?" scores 2; chained how/why clauses climb
// quickly.
func questionDepth(text string) int {
	depth := strings.Count(text, "?")
	depth += len(questionWords.FindAllString(text, -1))
	return depth
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
