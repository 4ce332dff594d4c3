package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func TestInit_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := Init(context.Background(), domain.TracingConfig{Enabled: false, Endpoint: "localhost:4317"}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), domain.TracingConfig{Enabled: true}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, "tenant.id", string(Tenant("t").Key))
	assert.Equal(t, "acct", Account("acct").Value.AsString())
	assert.Equal(t, "request", EventKind(domain.KindRequest).Value.AsString())
	assert.Equal(t, "BLOCK", Disposition(domain.DispositionBlock).Value.AsString())
}

func TestInit_InstallsPropagator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Init(context.Background(), domain.TracingConfig{}, logger)
	require.NoError(t, err)

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}
