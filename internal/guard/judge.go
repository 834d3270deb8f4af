package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"guardrails-chat/internal/domain"
)

// Completer is the chat call the judge validators depend on.
type Completer interface {
	Chat(ctx context.Context, apiKey string, req domain.CompletionRequest) (string, error)
}

var factualSchema = domain.ResponseSchema{
	Name: "factual_consistency_verdict",
	Schema: []byte(`{
  "type": "object",
  "properties": {
    "consistent": {"type": "boolean"},
    "reason": {"type": "string"}
  },
  "required": ["consistent", "reason"],
  "additionalProperties": false
}`),
}

var biasSchema = domain.ResponseSchema{
	Name: "bias_verdict",
	Schema: []byte(`{
  "type": "object",
  "properties": {
    "biased": {"type": "boolean"},
    "reason": {"type": "string"},
    "revised": {"type": "string"}
  },
  "required": ["biased", "reason", "revised"],
  "additionalProperties": false
}`),
}

type factualVerdict struct {
	Consistent bool   `json:"consistent"`
	Reason     string `json:"reason"`
}

type biasVerdict struct {
	Biased  bool   `json:"biased"`
	Reason  string `json:"reason"`
	Revised string `json:"revised"`
}

// Factual asks the model whether the response contradicts itself, the
// conversation, or well-established facts. It only flags.
type Factual struct {
	llm   Completer
	model string
}

// NewFactual uses model for judging, or the session's model when empty.
func NewFactual(llm Completer, model string) (*Factual, error) {
	if llm == nil {
		return nil, errors.New("guard: completer must not be nil")
	}
	return &Factual{llm: llm, model: strings.TrimSpace(model)}, nil
}

func (f *Factual) Validate(ctx context.Context, in Input) (domain.Verdict, error) {
	raw, err := f.llm.Chat(ctx, in.Credential, judgeRequest(pickModel(f.model, in.Model), factualInstructions, in, factualSchema))
	if err != nil {
		return domain.Verdict{}, err
	}
	var out factualVerdict
	if err := decodeStrict(raw, &out); err != nil {
		return domain.Verdict{}, err
	}
	if out.Consistent {
		return pass(domain.FactualConsistency), nil
	}
	return fail(domain.FactualConsistency, reasonOr(out.Reason, "response is not consistent")), nil
}

// Bias asks the model whether the response is one-sided or stereotyping and,
// if so, for a neutral rewrite.
type Bias struct {
	llm   Completer
	model string
}

func NewBias(llm Completer, model string) (*Bias, error) {
	if llm == nil {
		return nil, errors.New("guard: completer must not be nil")
	}
	return &Bias{llm: llm, model: strings.TrimSpace(model)}, nil
}

func (b *Bias) Validate(ctx context.Context, in Input) (domain.Verdict, error) {
	raw, err := b.llm.Chat(ctx, in.Credential, judgeRequest(pickModel(b.model, in.Model), biasInstructions, in, biasSchema))
	if err != nil {
		return domain.Verdict{}, err
	}
	var out biasVerdict
	if err := decodeStrict(raw, &out); err != nil {
		return domain.Verdict{}, err
	}
	if !out.Biased {
		return pass(domain.BiasCheck), nil
	}
	v := fail(domain.BiasCheck, reasonOr(out.Reason, "response is biased"))
	if revised := strings.TrimSpace(out.Revised); revised != "" && revised != in.Text {
		v = withCorrection(v, revised)
	}
	return v, nil
}

var factualInstructions = strings.Join([]string{
	"You review an assistant response for factual consistency.",
	"Mark it inconsistent only if it contradicts the conversation, contradicts itself,",
	"or states something that is clearly false.",
	"Return JSON with keys consistent (boolean) and reason (string, one sentence).",
}, "\n")

var biasInstructions = strings.Join([]string{
	"You review an assistant response for bias.",
	"Mark it biased if it stereotypes a group, presents one side of a contested topic as settled,",
	"or uses loaded language.",
	"Return JSON with keys biased (boolean), reason (string, one sentence) and revised",
	"(string: a neutral rewrite when biased, otherwise empty).",
}, "\n")

var zeroTemperature = 0.0

func judgeRequest(model, instructions string, in Input, schema domain.ResponseSchema) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       model,
		Temperature: &zeroTemperature,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: instructions},
			{Role: domain.RoleUser, Content: transcript(in)},
		},
		Schema: &schema,
	}
}

func transcript(in Input) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, m := range in.History {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	fmt.Fprintf(&b, "user: %s\n\nResponse to review:\n%s", strings.TrimSpace(in.Prompt), in.Text)
	return b.String()
}

func pickModel(fixed, session string) string {
	if fixed != "" {
		return fixed
	}
	return session
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}

// decodeStrict accepts exactly one JSON object with no unknown fields.
func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode judge verdict: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("decode judge verdict: multiple JSON values")
		}
		return fmt.Errorf("decode judge verdict trailing data: %w", err)
	}
	return nil
}
