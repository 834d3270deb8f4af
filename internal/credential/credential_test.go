package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeSSM is a simple fake implementing ssmAPI for tests.
type fakeSSM struct {
	out   *ssm.GetParameterOutput
	err   error
	calls int
	name  string
	decry bool
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.name = *in.Name
	f.decry = *in.WithDecryption
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func paramOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v)}}
}

func TestNewParamStore_Validation(t *testing.T) {
	_, err := NewParamStore(nil, "/x")
	require.Error(t, err)

	_, err = NewParamStore(&fakeSSM{}, "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefix")
}

func TestParamStore_Lookup_HappyPath(t *testing.T) {
	api := &fakeSSM{out: paramOut(`{"token":" sk-ssm "}`)}
	p, err := NewParamStore(api, "/guardchat/")
	require.NoError(t, err)

	key, err := p.Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-ssm", key)
	require.Equal(t, "/guardchat/open-ai-token", api.name)
	require.True(t, api.decry)
	require.Equal(t, "ssm:/guardchat/open-ai-token", p.Name())
}

func TestParamStore_Lookup_Errors(t *testing.T) {
	cases := []struct {
		name string
		api  *fakeSSM
		want string
	}{
		{"api error", &fakeSSM{err: errors.New("boom")}, "boom"},
		{"missing value", &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}}, "missing value"},
		{"nil output", &fakeSSM{}, "missing value"},
		{"not json", &fakeSSM{out: paramOut("sk-plain")}, "unmarshal"},
		{"empty token", &fakeSSM{out: paramOut(`{"token":""}`)}, "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewParamStore(tc.api, "/x")
			require.NoError(t, err)
			_, err = p.Lookup(context.Background())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolver_FirstNonEmptyWins(t *testing.T) {
	api := &fakeSSM{out: paramOut(`{"token":"sk-ssm"}`)}
	p, err := NewParamStore(api, "/x")
	require.NoError(t, err)

	r := NewResolver(Static{Label: "env", Key: "  "}, nil, p)
	key, origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-ssm", key)
	require.Equal(t, "ssm:/x/open-ai-token", origin)

	_, _, _ = r.Resolve(context.Background())
	require.Equal(t, 1, api.calls)
}

func TestResolver_StaticBeforeSSM(t *testing.T) {
	api := &fakeSSM{out: paramOut(`{"token":"sk-ssm"}`)}
	p, err := NewParamStore(api, "/x")
	require.NoError(t, err)

	key, origin, err := NewResolver(Static{Label: "OPENAI_API_KEY", Key: "sk-env"}, p).Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-env", key)
	require.Equal(t, "OPENAI_API_KEY", origin)
	require.Zero(t, api.calls)
}

func TestResolver_NotFound(t *testing.T) {
	_, _, err := NewResolver().Resolve(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = NewResolver(Static{Label: "config"}).Resolve(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_SourceErrorStops(t *testing.T) {
	p, err := NewParamStore(&fakeSSM{err: errors.New("denied")}, "/x")
	require.NoError(t, err)

	_, origin, err := NewResolver(p, Static{Label: "late", Key: "sk-late"}).Resolve(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "denied")
	require.Equal(t, "ssm:/x/open-ai-token", origin)
}
