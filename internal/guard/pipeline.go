// Package guard validates model output and screens user input.
//
// Output validators all receive the same raw text and decide independently.
// The pipeline collects their verdicts and applies at most one correction.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"guardrails-chat/internal/domain"
)

const tracerName = "guardrails-chat/guard"

// Input is what every validator sees for one turn.
type Input struct {
	// Text is the raw model response.
	Text       string
	Prompt     string
	History    []domain.Message
	Credential string
	Model      string
}

// Validator decides about one raw response. A returned error is recorded as
// an unknown verdict and never aborts the turn.
type Validator interface {
	Validate(ctx context.Context, in Input) (domain.Verdict, error)
}

// correctionPrecedence orders validators whose corrections may be applied,
// highest first. factual-consistency only flags.
var correctionPrecedence = []domain.ValidatorName{
	domain.ToxicityCheck,
	domain.BiasCheck,
	domain.LengthCheck,
}

type Pipeline struct {
	validators map[domain.ValidatorName]Validator
	logger     *slog.Logger
	tracer     trace.Tracer
}

type PipelineOption func(*Pipeline)

func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewPipeline binds an implementation to each validator name. Names without
// one produce unknown verdicts when enabled.
func NewPipeline(validators map[domain.ValidatorName]Validator, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		validators: make(map[domain.ValidatorName]Validator, len(validators)),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for name, v := range validators {
		if _, err := domain.ParseValidatorName(string(name)); err != nil {
			return nil, fmt.Errorf("guard: %w", err)
		}
		if v == nil {
			return nil, fmt.Errorf("guard: validator %s must not be nil", name)
		}
		p.validators[name] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run applies the enabled validators to in.Text. With nothing enabled the
// validated text is the raw text and the report is nil.
func (p *Pipeline) Run(ctx context.Context, in Input, cfg domain.ValidatorConfig) domain.ResponsePair {
	enabled := cfg.Enabled()
	if len(enabled) == 0 {
		return domain.ResponsePair{Raw: in.Text, Validated: in.Text}
	}

	ctx, span := p.tracer.Start(ctx, "validate")
	defer span.End()

	report := &domain.ValidationReport{Verdicts: make([]domain.Verdict, 0, len(enabled))}
	for _, name := range enabled {
		report.Verdicts = append(report.Verdicts, p.runOne(ctx, name, in))
	}

	validated := in.Text
	for _, name := range correctionPrecedence {
		v, ok := report.Verdict(name)
		if ok && v.Outcome == domain.OutcomeFail && v.Corrected {
			validated = v.CorrectedText
			report.AppliedBy = name
			break
		}
	}

	span.SetAttributes(
		attribute.Int("guard.failed", len(report.Failed())),
		attribute.String("guard.applied_by", string(report.AppliedBy)),
	)
	return domain.ResponsePair{Raw: in.Text, Validated: validated, Report: report}
}

func (p *Pipeline) runOne(ctx context.Context, name domain.ValidatorName, in Input) (verdict domain.Verdict) {
	ctx, span := p.tracer.Start(ctx, string(name))
	defer func() {
		span.SetAttributes(attribute.String("guard.outcome", string(verdict.Outcome)))
		span.End()
	}()

	v, ok := p.validators[name]
	if !ok {
		return unknown(name, errors.New("validator not configured"))
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("validator panic: %v", r)
			p.logger.Warn("validator failed", "validator", name, "err", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			verdict = unknown(name, err)
		}
	}()

	out, err := v.Validate(ctx, in)
	if err != nil {
		p.logger.Warn("validator failed", "validator", name, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unknown(name, err)
	}
	out.Validator = name
	if out.Outcome != domain.OutcomeFail {
		out.Corrected = false
		out.CorrectedText = ""
	}
	return out
}

func unknown(name domain.ValidatorName, err error) domain.Verdict {
	return domain.Verdict{Validator: name, Outcome: domain.OutcomeUnknown, Reason: err.Error()}
}

func pass(name domain.ValidatorName) domain.Verdict {
	return domain.Verdict{Validator: name, Outcome: domain.OutcomePass}
}

func fail(name domain.ValidatorName, reason string) domain.Verdict {
	return domain.Verdict{Validator: name, Outcome: domain.OutcomeFail, Reason: reason}
}

func withCorrection(v domain.Verdict, text string) domain.Verdict {
	v.CorrectedText = text
	v.Corrected = true
	return v
}
