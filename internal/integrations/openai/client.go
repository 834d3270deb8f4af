package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"guardrails-chat/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrMissingAPIKey is returned before any request is made when no key is set.
var ErrMissingAPIKey = errors.New("openai: api key must not be empty")

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai: unexpected status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Moderation is the first result of a moderation call, with category flags
// and scores keyed by the provider's category names ("hate", "violence", ...).
type Moderation struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

// Client is a focused OpenAI client for chat completions and moderations.
// The API key is passed per call because it belongs to the session, not to
// the process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// normalizeBaseURL returns the API root including the /v1 segment, which is
// what go-openai appends endpoint paths to.
func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) api(apiKey string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeBaseURL(c.baseURL)
	cfg.HTTPClient = c.resolvedHTTPClient()
	return goopenai.NewClientWithConfig(cfg)
}

// Chat sends the full ordered message list and returns the first choice.
func (c *Client) Chat(ctx context.Context, apiKey string, req domain.CompletionRequest) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", ErrMissingAPIKey
	}
	if req.Model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	body := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toProviderMessages(req.Messages),
	}
	if req.Temperature != nil && supportsTemperature(req.Model) {
		body.Temperature = wireTemperature(*req.Temperature)
	}
	if req.Schema != nil {
		body.ResponseFormat = jsonSchemaFormat(*req.Schema)
	}

	resp, err := c.api(apiKey).CreateChatCompletion(ctx, body)
	if err != nil {
		return "", wrapUpstream("request", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Moderate calls the Moderations API for a single text input.
func (c *Client) Moderate(ctx context.Context, apiKey, input string) (Moderation, error) {
	if strings.TrimSpace(apiKey) == "" {
		return Moderation{}, ErrMissingAPIKey
	}

	resp, err := c.api(apiKey).Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		return Moderation{}, wrapUpstream("moderation request", err)
	}
	if len(resp.Results) == 0 {
		return Moderation{}, errors.New("openai: no results in moderation response")
	}
	result := resp.Results[0]

	out := Moderation{Flagged: result.Flagged}
	if err := remarshal(result.Categories, &out.Categories); err != nil {
		return Moderation{}, fmt.Errorf("openai: decode moderation categories: %w", err)
	}
	if err := remarshal(result.CategoryScores, &out.Scores); err != nil {
		return Moderation{}, fmt.Errorf("openai: decode moderation scores: %w", err)
	}
	return out, nil
}

// supportsTemperature is false for reasoning models, which reject any
// temperature other than the default.
func supportsTemperature(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(m, prefix) {
			return false
		}
	}
	return true
}

// wireTemperature keeps an explicit 0 on the wire: go-openai omits a zero
// float32 and the provider would fall back to its default of 1.
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func toProviderMessages(msgs []domain.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case domain.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func jsonSchemaFormat(s domain.ResponseSchema) *goopenai.ChatCompletionResponseFormat {
	return &goopenai.ChatCompletionResponseFormat{
		Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
			Name:   s.Name,
			Schema: json.RawMessage(s.Schema),
			Strict: true,
		},
	}
}

// wrapUpstream turns go-openai's error types into HTTPStatusError so callers
// can branch on the status without importing go-openai.
func wrapUpstream(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %s failed: %w", op, &HTTPStatusError{
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		})
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %s failed: %w", op, &HTTPStatusError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		})
	}
	return fmt.Errorf("openai: %s failed: %w", op, err)
}

func remarshal(in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
