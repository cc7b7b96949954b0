package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carchat_realtime_connection_state",
			Help: "1 for the current real-time connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "carchat_realtime_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts.",
		},
	)
	connectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_realtime_connect_failures_total",
			Help: "Total number of failed connection attempts by class.",
		},
		[]string{"class"},
	)
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_router_inbound_events_total",
			Help: "Total number of inbound events dispatched to subscribers.",
		},
		[]string{"kind"},
	)
	droppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_router_dropped_events_total",
			Help: "Total number of inbound frames dropped by reason.",
		},
		[]string{"reason"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_router_commands_total",
			Help: "Total number of outbound commands by result.",
		},
		[]string{"command", "result"},
	)
	messageSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_message_sends_total",
			Help: "Total number of optimistic sends by outcome.",
		},
		[]string{"outcome"},
	)
	messageSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carchat_message_send_duration_seconds",
			Help:    "Latency between optimistic insert and reconciliation.",
			Buckets: prometheus.DefBuckets,
		},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carchat_grpc_server_handled_total",
			Help: "Total number of control requests handled by the daemon.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

func init() {
	prometheus.MustRegister(
		connectionState,
		reconnectAttemptsTotal,
		connectFailuresTotal,
		inboundEventsTotal,
		droppedEventsTotal,
		commandsTotal,
		messageSendsTotal,
		messageSendDuration,
		grpcServerHandledTotal,
	)
}

// SetConnectionState flips the state gauge so only current reads 1.
func SetConnectionState(previous, current string) {
	if previous != "" {
		connectionState.WithLabelValues(previous).Set(0)
	}
	connectionState.WithLabelValues(current).Set(1)
}

func IncReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func IncConnectFailure(class string) {
	connectFailuresTotal.WithLabelValues(class).Inc()
}

func IncInboundEvent(kind string) {
	inboundEventsTotal.WithLabelValues(kind).Inc()
}

func IncDroppedEvent(reason string) {
	droppedEventsTotal.WithLabelValues(reason).Inc()
}

// IncCommand records an outbound command; sent is false when it was dropped.
func IncCommand(command string, sent bool) {
	result := "sent"
	if !sent {
		result = "dropped"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}

func ObserveSend(outcome string, started time.Time) {
	messageSendsTotal.WithLabelValues(outcome).Inc()
	messageSendDuration.Observe(time.Since(started).Seconds())
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Convert(err).Code().String()).Inc()
		return resp, err
	}
}

func GRPCServerMetricsStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Convert(err).Code().String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
