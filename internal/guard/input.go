package guard

import (
	"context"
	"regexp"
	"strings"
)

// piiRule masks one kind of personal data. Rules run in order, so broader
// digit patterns come after the specific ones.
type piiRule struct {
	kind    string
	mask    string
	pattern *regexp.Regexp
}

var piiRules = []piiRule{
	{"email", "<EMAIL>", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"credit_card", "<CREDIT_CARD>", regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)},
	{"ssn", "<SSN>", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", "<PHONE>", regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|earlier|all)\b.{0,20}\b(instructions|prompts?|rules|guidelines)\b`),
	regexp.MustCompile(`(?i)\byou are now\b.{0,40}\b(DAN|unfiltered|uncensored|jailbroken|without (any )?restrictions)\b`),
	regexp.MustCompile(`(?i)\b(do anything now|developer mode|jailbreak mode)\b`),
	regexp.MustCompile(`(?i)\bpretend\b.{0,40}\b(no|without)\b.{0,20}\b(restrictions|filters|rules|guidelines|limits)\b`),
	regexp.MustCompile(`(?i)\b(bypass|override|disable)\b.{0,20}\b(safety|content|moderation)\b.{0,20}\b(filters?|polic(y|ies)|guidelines|guardrails)\b`),
	regexp.MustCompile(`(?i)\b(reveal|print|show)\b.{0,20}\b(system prompt|hidden instructions)\b`),
}

// InputOptions selects which input guards run.
type InputOptions struct {
	PII       bool
	Jailbreak bool
}

// InputResult is the outcome of screening a prompt. Text is what should be
// sent to the model.
type InputResult struct {
	Text     string
	Modified bool
	Masked   []string
	Rejected bool
	Reason   string
}

// InputGuard screens user prompts before they reach the model.
type InputGuard struct{}

func NewInputGuard() *InputGuard { return &InputGuard{} }

// Screen checks for jailbreak attempts first; a rejected prompt is not
// masked.
func (g *InputGuard) Screen(_ context.Context, text string, opts InputOptions) (InputResult, error) {
	res := InputResult{Text: text}
	if opts.Jailbreak {
		if pattern, ok := DetectJailbreak(text); ok {
			res.Rejected = true
			res.Reason = "prompt looks like an attempt to override the assistant's instructions (" + pattern + ")"
			return res, nil
		}
	}
	if opts.PII {
		masked, kinds := MaskPII(text)
		if len(kinds) > 0 {
			res.Text = masked
			res.Modified = true
			res.Masked = kinds
		}
	}
	return res, nil
}

// MaskPII replaces personal data with placeholders and reports which kinds
// were found.
func MaskPII(text string) (string, []string) {
	var kinds []string
	for _, r := range piiRules {
		if !r.pattern.MatchString(text) {
			continue
		}
		text = r.pattern.ReplaceAllString(text, r.mask)
		kinds = append(kinds, r.kind)
	}
	return text, kinds
}

// DetectJailbreak returns the matched phrase of the first pattern that hits.
func DetectJailbreak(text string) (string, bool) {
	for _, p := range jailbreakPatterns {
		if m := p.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}
