package domain

import (
	"fmt"
	"strings"
)

// ValidatorName identifies one of the fixed output validators.
type ValidatorName string

const (
	LengthCheck        ValidatorName = "length-check"
	ToxicityCheck      ValidatorName = "toxicity-check"
	FactualConsistency ValidatorName = "factual-consistency"
	BiasCheck          ValidatorName = "bias-check"
)

// AllValidators lists every validator in canonical pipeline order.
var AllValidators = []ValidatorName{LengthCheck, ToxicityCheck, FactualConsistency, BiasCheck}

// ParseValidatorName accepts the canonical name as well as underscore and
// case variants ("Length_Check").
func ParseValidatorName(s string) (ValidatorName, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, v := range AllValidators {
		if string(v) == norm {
			return v, nil
		}
	}
	return "", fmt.Errorf("domain: unknown validator %q", s)
}

// ValidatorConfig maps each validator to its enabled flag. A missing entry
// means disabled.
type ValidatorConfig map[ValidatorName]bool

// Enabled returns the enabled validators in canonical order.
func (c ValidatorConfig) Enabled() []ValidatorName {
	var out []ValidatorName
	for _, v := range AllValidators {
		if c[v] {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns an independent copy.
func (c ValidatorConfig) Clone() ValidatorConfig {
	out := make(ValidatorConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Outcome is a single validator's verdict.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeUnknown Outcome = "unknown"
)

// Verdict is what one validator decided about the raw text.
type Verdict struct {
	Validator     ValidatorName `json:"validator"`
	Outcome       Outcome       `json:"outcome"`
	Reason        string        `json:"reason,omitempty"`
	CorrectedText string        `json:"corrected_text,omitempty"`
	Corrected     bool          `json:"corrected"`
}

// Passed reports whether the validator ran and accepted the text.
func (v Verdict) Passed() bool {
	return v.Outcome == OutcomePass
}

// ValidationReport lists the verdicts of every validator that was asked to
// run, in canonical order, and which correction (if any) was applied.
type ValidationReport struct {
	Verdicts  []Verdict     `json:"verdicts"`
	AppliedBy ValidatorName `json:"applied_by,omitempty"`
}

// Verdict returns the verdict of the named validator, if it ran.
func (r *ValidationReport) Verdict(name ValidatorName) (Verdict, bool) {
	if r == nil {
		return Verdict{}, false
	}
	for _, v := range r.Verdicts {
		if v.Validator == name {
			return v, true
		}
	}
	return Verdict{}, false
}

// Failed returns the validators whose outcome was fail.
func (r *ValidationReport) Failed() []ValidatorName {
	if r == nil {
		return nil
	}
	var out []ValidatorName
	for _, v := range r.Verdicts {
		if v.Outcome == OutcomeFail {
			out = append(out, v.Validator)
		}
	}
	return out
}

// ResponsePair is the per-turn raw and validated output. Report is nil when
// validation was disabled for the turn.
type ResponsePair struct {
	Raw       string            `json:"raw"`
	Validated string            `json:"validated"`
	Report    *ValidationReport `json:"report,omitempty"`
}

// Differs reports whether validation changed the displayed text.
func (p ResponsePair) Differs() bool {
	return p.Raw != p.Validated
}
