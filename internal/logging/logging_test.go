package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_ErrorLevelSuppressesInfo(t *testing.T) {
	logger := New("error", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestL_AttachesRequestAndTenant(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithTenant(ctx, "team_1", "org_1")

	L(ctx).Info("wire confirmed", "transaction_id", "tx_1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "wire confirmed", line["msg"])
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, "team_1", line["team_id"])
	assert.Equal(t, "org_1", line["org_id"])
	assert.Equal(t, "tx_1", line["transaction_id"])
}

func TestWithTenant_EmptyIsNoop(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithTenant(ctx, "", "")

	L(ctx).Info("anonymous")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "team_id")
	assert.NotContains(t, line, "org_id")
}
