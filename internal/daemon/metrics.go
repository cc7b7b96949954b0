package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/config"
	"github.com/matheus3301/carchat/internal/observability"
)

// MetricsServer exposes Prometheus metrics over HTTP. It does nothing when
// no address is configured.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewMetricsServer(cfg *config.Config, logger *zap.Logger) *MetricsServer {
	m := &MetricsServer{logger: logger}
	if cfg.Metrics.Addr == "" {
		return m
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	m.srv = &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m
}

func (m *MetricsServer) Start() {
	if m.srv == nil {
		return
	}
	go func() {
		m.logger.Info("metrics server starting", zap.String("addr", m.srv.Addr))
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if m.srv == nil {
		return
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
