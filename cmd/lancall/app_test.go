package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lancall/internal/core/domain"
	signaltransport "lancall/internal/infrastructure/signal"
	"lancall/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type requestRecorder struct {
	mu       sync.Mutex
	requests []*domain.SignalingMessage
}

func (r *requestRecorder) HandleSignal(*domain.SignalingMessage, domain.Endpoint) {}

func (r *requestRecorder) HandleConnectionRequest(msg *domain.SignalingMessage, _ domain.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, msg)
}

func (r *requestRecorder) received() []*domain.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.SignalingMessage(nil), r.requests...)
}

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Identifier = "alice"
	cfg.Node.DisplayName = "Alice"
	cfg.Signal.Host = "127.0.0.1"
	cfg.Signal.Port = port
	cfg.Discovery.Enabled = true
	cfg.Logging.Level = "error"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(ctx)
	})
	return a
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func serve(t *testing.T, a *app, method, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func TestApp_StartsAndAdvertises(t *testing.T) {
	port := freePort(t)
	a := newTestApp(t, testConfig(port))
	a.start(context.Background())

	assert.True(t, a.transport.Running())
	assert.Equal(t, port, a.transport.Port())
	assert.True(t, a.registry.IsSelf(context.Background(), "alice"))

	code, body := serve(t, a, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, code, body)
}

func TestApp_KeepsServingWhenSignalPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	a := newTestApp(t, testConfig(port))
	a.start(context.Background())

	assert.False(t, a.transport.Running())
	assert.False(t, a.registry.IsSelf(context.Background(), "alice"), "node must not be advertised")

	code, _ := serve(t, a, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)

	code, body := serve(t, a, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var status struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "not listening", status.Checks["signal_transport"])

	code, body = serve(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "lancall_event_subscribers"))

	// Outbound signaling still works and advertises the configured port.
	recorder := &requestRecorder{}
	remote := signaltransport.NewTransport(signaltransport.Options{
		FrameLimits: signaltransport.DefaultOptions().FrameLimits,
		Host:        "127.0.0.1",
	}, nil, zap.NewNop())
	remote.SetHandler(recorder)
	require.NoError(t, remote.Start(0))
	defer remote.Stop()

	require.NoError(t, a.registry.Upsert(context.Background(), domain.PeerRecord{
		Identifier: "bob",
		Addresses:  []string{"127.0.0.1"},
		Port:       remote.Port(),
	}))

	code, body = serve(t, a, http.MethodPost, "/api/v1/peers/bob/request")
	require.Equal(t, http.StatusAccepted, code, body)

	require.Eventually(t, func() bool { return len(recorder.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := recorder.received()[0]
	assert.Equal(t, domain.PeerID("alice"), got.FromIdentifier)
	assert.Equal(t, port, got.Port)
}
