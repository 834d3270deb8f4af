package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "v", line["k"])
}

func TestOpenLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardchat.log")
	logger, closeFn, err := OpenLogger("info", path)
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = OpenLogger("nope", path)
	require.Error(t, err)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, slog.LevelInfo)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	require.Equal(t, "corr-1", CorrelationID(ctx))
	LoggerFromContext(ctx, base).Info("x")
	require.Contains(t, buf.String(), `"correlation_id":"corr-1"`)

	require.Equal(t, base, LoggerFromContext(context.Background(), base))
}

func TestInitTracer_NoFileIsNoop(t *testing.T) {
	shutdown, err := InitTracer("guardchat", "", nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_WritesSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	path := filepath.Join(t.TempDir(), "trace.json")
	shutdown, err := InitTracer("guardchat", path, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "turn")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"Name":"turn"`)
}
