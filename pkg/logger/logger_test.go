package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

type ctxKey struct{}

func TestNew_JSONWithExtractors(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithAttr(slog.String("service", "test")),
		logger.WithContextExtractors(logger.ContextValue("request_id", ctxKey{})),
	)

	ctx := context.WithValue(context.Background(), ctxKey{}, "req-1")
	log.InfoContext(ctx, "hello", logger.PlanID("pro_monthly"), logger.SubscriptionID(""))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "test", rec["service"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "pro_monthly", rec["plan_id"])
	assert.NotContains(t, rec, "subscription_id")
}

func TestWithEnvironment(t *testing.T) {
	t.Run("development uses text at debug", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithEnvironment("development", "svc"))
		log.Debug("dbg")
		assert.Contains(t, buf.String(), "msg=dbg")
		assert.Contains(t, buf.String(), "service=svc")
	})

	t.Run("production uses json at info", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithEnvironment("production", "svc"))
		log.Debug("dbg")
		assert.Empty(t, buf.String())
		log.Info("inf")
		assert.Contains(t, buf.String(), `"msg":"inf"`)
	})
}

func TestWithFormat_PanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
}

func TestAttrs(t *testing.T) {
	assert.Equal(t, slog.Attr{}, logger.Error(nil))
	assert.Equal(t, "error", logger.Error(errors.New("x")).Key)
	assert.Equal(t, slog.Attr{}, logger.UserID(nil))
	assert.Equal(t, slog.Attr{}, logger.CustomerID(""))
	assert.Equal(t, "cus_1", logger.CustomerID("cus_1").Value.String())
}
