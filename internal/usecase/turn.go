package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/guard"
	"guardrails-chat/internal/integrations/openai"
	"guardrails-chat/internal/session"
)

const tracerName = "guardrails-chat/usecase"

type LLMClient interface {
	Chat(ctx context.Context, apiKey string, req domain.CompletionRequest) (string, error)
}

type OutputValidator interface {
	Run(ctx context.Context, in guard.Input, cfg domain.ValidatorConfig) domain.ResponsePair
}

type InputScreener interface {
	Screen(ctx context.Context, text string, opts guard.InputOptions) (guard.InputResult, error)
}

type TurnArchiver interface {
	ArchiveTurn(ctx context.Context, rec domain.TurnRecord) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// TurnService runs one prompt through fetch, validation and commit.
type TurnService struct {
	llm       LLMClient
	validator OutputValidator
	screener  InputScreener
	archive   TurnArchiver
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*TurnService)

func WithInputScreener(s InputScreener) Option {
	return func(t *TurnService) { t.screener = s }
}

// WithArchive records every rendered turn. Archive failures are logged only.
func WithArchive(a TurnArchiver) Option {
	return func(t *TurnService) { t.archive = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *TurnService) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(t *TurnService) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

func NewTurnService(llm LLMClient, validator OutputValidator, opts ...Option) (*TurnService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if validator == nil {
		return nil, errors.New("usecase: output validator must not be nil")
	}
	s := &TurnService{
		llm:       llm,
		validator: validator,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TurnResult is a rendered turn. Number is 1-based. Input describes what
// the input guards did to the prompt.
type TurnResult struct {
	Turn   session.Turn
	Number int
	Input  guard.InputResult
}

// Submit runs one turn. On any error the history is unchanged and the
// session is left in PhaseErrorShown, except for empty input which is a
// no-op.
func (s *TurnService) Submit(ctx context.Context, sess *session.Session, text string) (TurnResult, error) {
	if sess == nil || sess.Closed() {
		return TurnResult{}, newError(ErrorInternal, "session_closed", nil)
	}
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return TurnResult{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if sess.Phase() != session.PhaseIdle {
		if err := sess.Transition(session.PhaseIdle); err != nil {
			return TurnResult{}, newError(ErrorInternal, "turn_in_progress", err)
		}
	}

	number := len(sess.Turns()) + 1
	logger := s.logger.With("session_id", sess.ID(), "turn", number)
	ctx, span := s.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.Int("turn.number", number),
		attribute.Bool("guard.enabled", sess.GuardEnabled()),
	))
	defer span.End()

	abort := func(e *Error) (TurnResult, error) {
		_ = sess.Transition(session.PhaseErrorShown)
		span.RecordError(e)
		span.SetStatus(codes.Error, string(e.Code))
		logger.Warn("turn failed", "code", e.Code, "reason", e.Reason, "err", e.Err)
		return TurnResult{}, e
	}

	if !sess.HasCredential() {
		return abort(newError(ErrorCredential, "missing_credential", nil))
	}

	screened := s.screen(ctx, logger, sess, prompt)
	if screened.Rejected {
		return abort(newError(ErrorInputRejected, "jailbreak_detected", errors.New(screened.Reason)))
	}
	sent := screened.Text

	if err := sess.Transition(session.PhaseAwaitingRawResponse); err != nil {
		return abort(newError(ErrorInternal, "invalid_phase", err))
	}
	history := sess.History()
	raw, err := s.fetch(ctx, sess, history, sent)
	if err != nil {
		return abort(classifyProviderError(err))
	}

	if err := sess.Transition(session.PhaseAwaitingValidation); err != nil {
		return abort(newError(ErrorInternal, "invalid_phase", err))
	}
	pair := s.validator.Run(ctx, guard.Input{
		Text:       raw,
		Prompt:     sent,
		History:    history,
		Credential: sess.Credential(),
		Model:      sess.Model(),
	}, sess.ActiveValidators())

	turn := sess.CommitTurn(sent, pair)
	if err := sess.Transition(session.PhaseRendered); err != nil {
		return abort(newError(ErrorInternal, "invalid_phase", err))
	}

	s.archiveTurn(ctx, logger, domain.TurnRecord{
		SessionID: sess.ID(),
		Number:    number,
		Prompt:    sent,
		Model:     sess.Model(),
		Pair:      pair,
		CreatedAt: s.now().UTC(),
	})

	attrs := []any{"differs", pair.Differs()}
	if pair.Report != nil {
		attrs = append(attrs, "failed", pair.Report.Failed(), "applied_by", pair.Report.AppliedBy)
	}
	logger.Info("turn rendered", attrs...)
	return TurnResult{Turn: turn, Number: number, Input: screened}, nil
}

// screen runs the input guards. A guard error keeps the original prompt.
func (s *TurnService) screen(ctx context.Context, logger *slog.Logger, sess *session.Session, prompt string) guard.InputResult {
	unchanged := guard.InputResult{Text: prompt}
	opts := guard.InputOptions{PII: sess.PIIEnabled(), Jailbreak: sess.JailbreakEnabled()}
	if s.screener == nil || !sess.GuardEnabled() || (!opts.PII && !opts.Jailbreak) {
		return unchanged
	}
	res, err := s.screener.Screen(ctx, prompt, opts)
	if err != nil {
		logger.Warn("input guard failed, sending original prompt", "err", err)
		return unchanged
	}
	if !res.Rejected && strings.TrimSpace(res.Text) == "" {
		return unchanged
	}
	return res
}

func (s *TurnService) fetch(ctx context.Context, sess *session.Session, history []domain.Message, prompt string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "raw_fetch", trace.WithAttributes(
		attribute.String("llm.model", sess.Model()),
		attribute.Int("llm.messages", len(history)+1),
	))
	defer span.End()

	temperature := sess.Temperature()
	raw, err := s.llm.Chat(ctx, sess.Credential(), domain.CompletionRequest{
		Model:       sess.Model(),
		Temperature: &temperature,
		Messages:    buildPromptMessages(history, prompt),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		err := errors.New("usecase: empty completion")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return raw, nil
}

func (s *TurnService) archiveTurn(ctx context.Context, logger *slog.Logger, rec domain.TurnRecord) {
	if s.archive == nil {
		return
	}
	if err := s.archive.ArchiveTurn(ctx, rec); err != nil {
		logger.Error("archive turn failed", "err", err)
	}
}

func classifyProviderError(err error) *Error {
	if errors.Is(err, openai.ErrMissingAPIKey) {
		return newError(ErrorCredential, "missing_credential", err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return newError(ErrorCredential, "openai_unauthorized", err)
		case http.StatusTooManyRequests:
			return newError(ErrorProvider, reasonRateLimited, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorProvider, "openai_timeout", err)
	}
	return newError(ErrorProvider, "openai_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
