package telemetry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

func TestReadyHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name  string
		ready telemetry.ReadyFunc
		want  int
	}{
		{"nil check is ready", nil, http.StatusOK},
		{"healthy dependencies", func(context.Context) error { return nil }, http.StatusOK},
		{"unreachable dependency", func(context.Context) error { return errors.New("redis: connection refused") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			telemetry.ReadyHandler(tt.ready, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInitTracer_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.InitTracer(context.Background(), "test", "")
	assert.NoError(t, err)
	shutdown()
}
