package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSplitFullMethod(t *testing.T) {
	tests := []struct {
		in, service, method string
	}{
		{"/carchat.v1.Control/Send", "carchat.v1.Control", "Send"},
		{"bogus", "unknown", "unknown"},
	}
	for _, tt := range tests {
		s, m := splitFullMethod(tt.in)
		if s != tt.service || m != tt.method {
			t.Errorf("splitFullMethod(%q) = %q, %q", tt.in, s, m)
		}
	}
}

func TestSetConnectionState(t *testing.T) {
	SetConnectionState("", "CONNECTING")
	SetConnectionState("CONNECTING", "CONNECTED")

	if v := testutil.ToFloat64(connectionState.WithLabelValues("CONNECTED")); v != 1 {
		t.Errorf("CONNECTED = %v, want 1", v)
	}
	if v := testutil.ToFloat64(connectionState.WithLabelValues("CONNECTING")); v != 0 {
		t.Errorf("CONNECTING = %v, want 0", v)
	}
}

func TestIncCommand(t *testing.T) {
	before := testutil.ToFloat64(commandsTotal.WithLabelValues("typing.start", "dropped"))
	IncCommand("typing.start", false)
	after := testutil.ToFloat64(commandsTotal.WithLabelValues("typing.start", "dropped"))
	if after-before != 1 {
		t.Errorf("dropped counter delta = %v, want 1", after-before)
	}
}

func TestUnaryInterceptorRecordsCode(t *testing.T) {
	interceptor := GRPCServerMetricsUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/carchat.v1.Control/Login"}
	before := testutil.ToFloat64(grpcServerHandledTotal.WithLabelValues("carchat.v1.Control", "Login", "Unauthenticated"))

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unauthenticated, "bad token")
	})
	if err == nil {
		t.Fatal("expected handler error to pass through")
	}

	after := testutil.ToFloat64(grpcServerHandledTotal.WithLabelValues("carchat.v1.Control", "Login", "Unauthenticated"))
	if after-before != 1 {
		t.Errorf("handled counter delta = %v, want 1", after-before)
	}
}

func TestStreamInterceptorPassesError(t *testing.T) {
	interceptor := GRPCServerMetricsStreamInterceptor()
	want := errors.New("boom")
	err := interceptor(nil, nil, &grpc.StreamServerInfo{FullMethod: "/carchat.v1.Control/WatchEvents"},
		func(srv interface{}, stream grpc.ServerStream) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	IncReconnectAttempt()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "carchat_realtime_reconnect_attempts_total") {
		t.Error("reconnect counter missing from /metrics output")
	}
}
