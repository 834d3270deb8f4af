// Package handler adapts a single chat turn to API Gateway. Every invocation
// is its own session: it is built from the request body and closed before
// the response is returned, so nothing crosses invocations.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/observability"
	"guardrails-chat/internal/session"
	"guardrails-chat/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerOpenAIKey     = "X-OpenAI-Key"
)

type TurnSubmitter interface {
	Submit(ctx context.Context, sess *session.Session, text string) (usecase.TurnResult, error)
}

// Defaults seed each per-request session. Credential is the server's
// pre-supplied key, used when the request carries none.
type Defaults struct {
	Credential   string
	GuardEnabled bool
	Validators   domain.ValidatorConfig
	PII          bool
	Jailbreak    bool
	Model        string
	Temperature  float64
}

type Handler struct {
	turns    TurnSubmitter
	defaults Defaults
	logger   *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(turns TurnSubmitter, defaults Defaults, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn submitter must not be nil")
	}
	h := &Handler{turns: turns, defaults: defaults, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type turnRequest struct {
	Prompt      string           `json:"prompt"`
	History     []domain.Message `json:"history"`
	Guard       *bool            `json:"guard"`
	Validators  []string         `json:"validators"`
	PII         *bool            `json:"pii"`
	Jailbreak   *bool            `json:"jailbreak"`
	Model       string           `json:"model"`
	Temperature *float64         `json:"temperature"`
}

type turnResponse struct {
	Raw       string                   `json:"raw"`
	Validated string                   `json:"validated"`
	Report    *domain.ValidationReport `json:"report"`
	History   []domain.Message         `json:"history"`
	Masked    []string                 `json:"masked,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = observability.WithCorrelationID(ctx, correlationID)
	logger := observability.LoggerFromContext(ctx, h.logger)

	if event.HTTPMethod != "" && event.HTTPMethod != http.MethodPost {
		return writeError(correlationID, http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed", "only POST is supported"), nil
	}

	req, err := decodeRequest(event)
	if err != nil {
		logger.Warn("invalid request body", "err", err)
		return writeError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body", err.Error()), nil
	}

	opts, err := h.sessionOptions(req)
	if err != nil {
		return writeError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "unknown_validator", err.Error()), nil
	}
	if key := header(event.Headers, headerOpenAIKey); key != "" {
		opts.Credential = key
	}

	sess := session.New(opts)
	defer sess.Close()
	if err := sess.Restore(req.History); err != nil {
		return writeError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_history", err.Error()), nil
	}

	res, err := h.turns.Submit(ctx, sess, req.Prompt)
	if err != nil {
		return h.mapError(logger, correlationID, err), nil
	}

	return writeJSON(correlationID, http.StatusOK, turnResponse{
		Raw:       res.Turn.Pair.Raw,
		Validated: res.Turn.Pair.Validated,
		Report:    res.Turn.Pair.Report,
		History:   sess.History(),
		Masked:    res.Input.Masked,
	}), nil
}

func (h *Handler) sessionOptions(req turnRequest) (session.Options, error) {
	d := h.defaults
	opts := session.Options{
		Credential:   d.Credential,
		GuardEnabled: d.GuardEnabled,
		Validators:   d.Validators.Clone(),
		PII:          d.PII,
		Jailbreak:    d.Jailbreak,
		Model:        d.Model,
		Temperature:  d.Temperature,
	}
	if req.Guard != nil {
		opts.GuardEnabled = *req.Guard
	}
	if req.PII != nil {
		opts.PII = *req.PII
	}
	if req.Jailbreak != nil {
		opts.Jailbreak = *req.Jailbreak
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		opts.Model = m
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.Validators != nil {
		cfg := domain.ValidatorConfig{}
		for _, name := range req.Validators {
			v, err := domain.ParseValidatorName(name)
			if err != nil {
				return session.Options{}, err
			}
			cfg[v] = true
		}
		opts.Validators = cfg
	}
	return opts, nil
}

func (h *Handler) mapError(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected turn error", "err", err)
		return writeError(correlationID, http.StatusInternalServerError, usecase.ErrorInternal, "unexpected", "internal error")
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorInputRejected:
		status = http.StatusUnprocessableEntity
	case usecase.ErrorCredential:
		status = http.StatusUnauthorized
	case usecase.ErrorProvider:
		status = http.StatusBadGateway
		if ucErr.RateLimited() {
			status = http.StatusTooManyRequests
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("turn failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return writeError(correlationID, status, ucErr.Code, ucErr.Reason, ucErr.Error())
}

func decodeRequest(event events.APIGatewayProxyRequest) (turnRequest, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return turnRequest{}, errors.New("body is not valid base64")
		}
		body = decoded
	}
	var req turnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return turnRequest{}, errors.New("body is not valid JSON")
	}
	return req, nil
}

// header looks a header up case-insensitively; API Gateway passes them
// through as sent.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func writeError(correlationID string, status int, code usecase.ErrorCode, reason, message string) events.APIGatewayProxyResponse {
	return writeJSON(correlationID, status, errorResponse{Error: string(code), Reason: reason, Message: message})
}

func writeJSON(correlationID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_response","message":"internal error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}
