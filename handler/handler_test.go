package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/session"
	"guardrails-chat/internal/usecase"
)

type stubTurns struct {
	pair domain.ResponsePair
	err  error

	prompt     string
	credential string
	guard      bool
	validators domain.ValidatorConfig
	model      string
	temp       float64
	history    []domain.Message
	sess       *session.Session
}

func (s *stubTurns) Submit(_ context.Context, sess *session.Session, text string) (usecase.TurnResult, error) {
	s.sess = sess
	s.prompt = text
	s.credential = sess.Credential()
	s.guard = sess.GuardEnabled()
	s.validators = sess.Validators()
	s.model = sess.Model()
	s.temp = sess.Temperature()
	s.history = sess.History()
	if s.err != nil {
		return usecase.TurnResult{}, s.err
	}
	turn := sess.CommitTurn(text, s.pair)
	return usecase.TurnResult{Turn: turn, Number: len(sess.Turns())}, nil
}

var defaults = Defaults{
	Credential:   "sk-server",
	GuardEnabled: true,
	Validators:   domain.ValidatorConfig{domain.LengthCheck: true},
	Model:        "gpt-default",
	Temperature:  0.7,
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turn",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, defaults)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	turns := &stubTurns{pair: domain.ResponsePair{
		Raw:       "a very long answer",
		Validated: "a very […]",
		Report: &domain.ValidationReport{
			Verdicts:  []domain.Verdict{{Validator: domain.LengthCheck, Outcome: domain.OutcomeFail, Corrected: true}},
			AppliedBy: domain.LengthCheck,
		},
	}}
	h, err := NewHandler(turns, defaults)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{
		"prompt": "tell me more",
		"history": [{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]
	}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])

	require.Equal(t, "tell me more", turns.prompt)
	require.Equal(t, "sk-server", turns.credential)
	require.True(t, turns.guard)
	require.Equal(t, "gpt-default", turns.model)
	require.Len(t, turns.history, 2)
	require.True(t, turns.sess.Closed())

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "a very long answer", out.Raw)
	require.Equal(t, "a very […]", out.Validated)
	require.NotNil(t, out.Report)
	require.Equal(t, domain.LengthCheck, out.Report.AppliedBy)
	require.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "tell me more"},
		{Role: domain.RoleAssistant, Content: "a very […]"},
	}, out.History)
}

func TestHandle_RequestOverridesDefaults(t *testing.T) {
	turns := &stubTurns{pair: domain.ResponsePair{Raw: "x", Validated: "x"}}
	h, err := NewHandler(turns, defaults)
	require.NoError(t, err)

	event := makeEvent(`{"prompt":"hi","guard":false,"validators":["bias_check","toxicity-check"],"model":"gpt-4o","temperature":0.1}`)
	event.Headers["x-openai-key"] = "sk-client"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "sk-client", turns.credential)
	require.False(t, turns.guard)
	require.Equal(t, domain.ValidatorConfig{domain.BiasCheck: true, domain.ToxicityCheck: true}, turns.validators)
	require.Equal(t, "gpt-4o", turns.model)
	require.InDelta(t, 0.1, turns.temp, 1e-9)

	out := parseBody[turnResponse](t, resp.Body)
	require.Nil(t, out.Report)
}

func TestHandle_DefaultsAreNotShared(t *testing.T) {
	turns := &stubTurns{pair: domain.ResponsePair{Raw: "x", Validated: "x"}}
	h, err := NewHandler(turns, defaults)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(`{"prompt":"hi"}`))
	require.NoError(t, err)
	turns.sess.SetValidator(domain.BiasCheck, true)

	require.False(t, defaults.Validators[domain.BiasCheck])
}

func TestHandle_Base64Body(t *testing.T) {
	turns := &stubTurns{pair: domain.ResponsePair{Raw: "x", Validated: "x"}}
	h, err := NewHandler(turns, defaults)
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"prompt":"encoded"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "encoded", turns.prompt)
}

func TestHandle_BadRequests(t *testing.T) {
	cases := []struct {
		name   string
		method string
		body   string
		status int
		reason string
	}{
		{name: "invalid json", body: `not-json`, status: http.StatusBadRequest, reason: "invalid_body"},
		{name: "unknown validator", body: `{"prompt":"hi","validators":["spell-check"]}`, status: http.StatusBadRequest, reason: "unknown_validator"},
		{name: "system message in history", body: `{"prompt":"hi","history":[{"role":"system","content":"x"}]}`, status: http.StatusBadRequest, reason: "invalid_history"},
		{name: "wrong method", method: http.MethodGet, body: `{}`, status: http.StatusMethodNotAllowed, reason: "method_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			turns := &stubTurns{}
			h, err := NewHandler(turns, defaults)
			require.NoError(t, err)

			event := makeEvent(tc.body)
			if tc.method != "" {
				event.HTTPMethod = tc.method
			}
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
			require.Equal(t, tc.reason, out.Reason)
			require.Empty(t, turns.prompt)
		})
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_prompt"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "input rejected", err: &usecase.Error{Code: usecase.ErrorInputRejected, Reason: "jailbreak_detected"}, status: http.StatusUnprocessableEntity, code: string(usecase.ErrorInputRejected)},
		{name: "credential", err: &usecase.Error{Code: usecase.ErrorCredential, Reason: "openai_unauthorized"}, status: http.StatusUnauthorized, code: string(usecase.ErrorCredential)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorProvider, Reason: "openai_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorProvider)},
		{name: "provider", err: &usecase.Error{Code: usecase.ErrorProvider, Reason: "openai_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorProvider)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_closed"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			turns := &stubTurns{err: tc.err}
			h, err := NewHandler(turns, defaults)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.NotEmpty(t, out.Message)
			require.True(t, turns.sess.Closed())
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	turns := &stubTurns{pair: domain.ResponsePair{Raw: "ok", Validated: "ok"}}
	h, err := NewHandler(turns, defaults)
	require.NoError(t, err)

	event := makeEvent(`{"prompt":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
