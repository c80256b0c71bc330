// Package guardrails implements the input and output validation
// pipelines. Each validator is a pure function over the text; the
// pipeline evaluates validators in declared order and stops at the
// first tripwire. Validators never mutate the text they inspect.
package guardrails

import "fmt"

// Result is the outcome of a single validator invocation.
type Result struct {
	Validator string         `json:"validator"`
	Tripwire  bool           `json:"tripwire_triggered"`
	Info      map[string]any `json:"info,omitempty"`
}

// Validator inspects text and reports whether it may proceed.
type Validator struct {
	Name  string
	Check func(text string) Result
}

// Rejection is the turn-level failure raised when a validator trips.
// It carries the validator name and its info map as the single cause;
// later validators in the chain are never consulted.
type Rejection struct {
	Validator string
	Info      map[string]any
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("guardrail %q rejected the text", r.Validator)
}

// Pipeline is an ordered validator chain.
type Pipeline struct {
	validators []Validator
}

// NewPipeline builds a pipeline that evaluates validators in the order
// given.
func NewPipeline(vs ...Validator) *Pipeline {
	return &Pipeline{validators: vs}
}

// Append returns a new pipeline with extra validators after the
// existing chain. Used to compose domain validators onto the standard
// set.
func (p *Pipeline) Append(vs ...Validator) *Pipeline {
	chain := make([]Validator, 0, len(p.validators)+len(vs))
	chain = append(chain, p.validators...)
	chain = append(chain, vs...)
	return &Pipeline{validators: chain}
}

// Run evaluates the chain against text. It returns the results
// produced up to and including the first trip; when a validator trips,
// the returned Rejection is the sole failure cause. A nil Rejection
// means the text passed every validator.
func (p *Pipeline) Run(text string) ([]Result, *Rejection) {
	var results []Result
	for _, v := range p.validators {
		res := v.Check(text)
		res.Validator = v.Name
		results = append(results, res)
		if res.Tripwire {
			return results, &Rejection{Validator: v.Name, Info: res.Info}
		}
	}
	return results, nil
}

// Names returns the validator names in evaluation order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.validators))
	for i, v := range p.validators {
		names[i] = v.Name
	}
	return names
}
