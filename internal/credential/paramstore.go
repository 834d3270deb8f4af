package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the slice of the SSM client used to read the stored token.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// tokenPayload is the JSON document stored in the parameter.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStore reads the OpenAI token from `<prefix>/open-ai-token`.
type ParamStore struct {
	api    ssmAPI
	prefix string
}

func NewParamStore(api ssmAPI, prefix string) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("credential: ssm api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("credential: parameter prefix must not be empty")
	}
	return &ParamStore{api: api, prefix: prefix}, nil
}

func (p *ParamStore) Name() string { return "ssm:" + p.parameterName() }

func (p *ParamStore) parameterName() string {
	return p.prefix + "/open-ai-token"
}

// Lookup fetches and decodes the token. A parameter holding an empty token is
// an error, not an absent credential.
func (p *ParamStore) Lookup(ctx context.Context) (string, error) {
	name := p.parameterName()
	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("credential: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("credential: parameter missing value")
	}

	var tp tokenPayload
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &tp); err != nil {
		return "", fmt.Errorf("credential: unmarshal parameter value as JSON: %w", err)
	}
	token := strings.TrimSpace(tp.Token)
	if token == "" {
		return "", errors.New("credential: stored token is empty")
	}
	return token, nil
}
