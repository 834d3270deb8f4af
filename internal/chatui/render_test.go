package chatui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/session"
)

func TestRenderer_Banner(t *testing.T) {
	r := NewRenderer(0)
	sess := newSession("sk", true, domain.LengthCheck, domain.BiasCheck)
	require.Contains(t, r.Banner(sess), "Guardrails is ENABLED with 2 active validators: length-check, bias-check")

	sess.SetGuardEnabled(false)
	require.Contains(t, r.Banner(sess), "Guardrails is DISABLED")
}

func TestRenderer_Verdicts(t *testing.T) {
	r := NewRenderer(0)
	out := r.Verdicts(&domain.ValidationReport{Verdicts: []domain.Verdict{
		{Validator: domain.LengthCheck, Outcome: domain.OutcomePass},
		{Validator: domain.ToxicityCheck, Outcome: domain.OutcomeFail, Reason: "flagged for hate"},
		{Validator: domain.FactualConsistency, Outcome: domain.OutcomeUnknown, Reason: "timeout"},
	}})
	require.Contains(t, out, "✔ length-check")
	require.Contains(t, out, "✘ toxicity-check (flagged for hate)")
	require.Contains(t, out, "? factual-consistency (timeout)")
	require.Empty(t, r.Verdicts(nil))
}

func TestRenderer_TurnWithoutReportHasNoCompareHint(t *testing.T) {
	r := NewRenderer(0)
	out := r.Turn(1, session.Turn{Prompt: "hi", Pair: domain.ResponsePair{Raw: "hello", Validated: "hello"}}, false)
	require.Contains(t, out, "hello")
	require.NotContains(t, out, "/compare")
}

func TestRenderer_CompareIdenticalPair(t *testing.T) {
	r := NewRenderer(80)
	out := r.Compare(domain.ResponsePair{Raw: "same", Validated: "same", Report: &domain.ValidationReport{}})
	require.Contains(t, out, "Raw Response (Before Guardrails)")
	require.Contains(t, out, "No differences.")
	require.Equal(t, 2, strings.Count(out, "same"))
}
