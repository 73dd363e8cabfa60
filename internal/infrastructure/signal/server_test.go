package signal

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"lancall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu       sync.Mutex
	signals  []*domain.SignalingMessage
	senders  []domain.Endpoint
	requests []*domain.SignalingMessage
}

func (h *recordingHandler) HandleSignal(msg *domain.SignalingMessage, sender domain.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, msg)
	h.senders = append(h.senders, sender)
}

func (h *recordingHandler) HandleConnectionRequest(msg *domain.SignalingMessage, sender domain.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, msg)
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals) + len(h.requests)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.BodyTimeout = 300 * time.Millisecond
	return opts
}

func startTransport(t *testing.T) (*Transport, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	tr := NewTransport(testOptions(), nil, zap.NewNop())
	tr.SetHandler(h)
	require.NoError(t, tr.Start(0))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, h
}

// rawExchange writes raw on a fresh connection and parses the response.
func rawExchange(t *testing.T, port int, raw string) (*http.Response, map[string]any) {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	return resp, body
}

func TestTransport_HealthProbe(t *testing.T) {
	tr, h := startTransport(t)

	resp, body := rawExchange(t, tr.Port(), "GET /signaling HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(tr.Port()), body["port"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 0, h.calls())
}

func TestTransport_UnknownRoutes(t *testing.T) {
	tr, h := startTransport(t)

	requests := []string{
		"GET /nope HTTP/1.1\r\n\r\n",
		"PUT /signaling HTTP/1.1\r\n\r\n{\"type\":\"reject\"}",
		"DELETE /signaling HTTP/1.1\r\n\r\n",
		"GET /call-request HTTP/1.1\r\n\r\n",
		"POST /other HTTP/1.1\r\n\r\n{\"type\":\"reject\"}",
	}
	for _, raw := range requests {
		t.Run(strings.Fields(raw)[0]+" "+strings.Fields(raw)[1], func(t *testing.T) {
			resp, body := rawExchange(t, tr.Port(), raw)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "Endpoint not found", body["error"])
		})
	}
	assert.Equal(t, 0, h.calls())
}

func TestTransport_InvalidJSON(t *testing.T) {
	tr, h := startTransport(t)

	for _, body := range []string{"{not json}", "", "[1,2", "{\"type\":\"offer\"}"} {
		raw := "POST /signaling HTTP/1.1\r\nContent-Type: application/json\r\n"
		if body == "" {
			raw += "Content-Length: 0\r\n"
		}
		raw += "\r\n" + body
		resp, _ := rawExchange(t, tr.Port(), raw)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
	}

	resp, body := rawExchange(t, tr.Port(), "POST /signaling HTTP/1.1\r\n\r\n{not json}")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid JSON", body["error"])
	assert.Equal(t, 0, h.calls())
}

func TestTransport_DispatchesMessage(t *testing.T) {
	tr, h := startTransport(t)

	resp, body := rawExchange(t, tr.Port(),
		"POST /signaling HTTP/1.1\r\n\r\n{\"type\":\"offer\",\"sdp\":\"v=0\",\"timestamp\":1699999999999,\"sessionId\":\"s-1\"}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "received", body["status"])
	assert.Equal(t, "offer", body["type"])

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.signals, 1)
	assert.Equal(t, domain.KindOffer, h.signals[0].Kind)
	assert.Equal(t, "s-1", h.signals[0].SessionID)
	assert.Equal(t, "127.0.0.1", h.senders[0].Host)
	assert.NotZero(t, h.senders[0].Port)
}

func TestTransport_CallRequest(t *testing.T) {
	tr, h := startTransport(t)

	resp, body := rawExchange(t, tr.Port(), "POST /call-request HTTP/1.1\r\n\r\n{\"fromIdentifier\":\"desk-a\",\"port\":9000}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "call-request", body["type"])

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.requests, 1)
	assert.Equal(t, domain.PeerID("desk-a"), h.requests[0].FromIdentifier)
	assert.Equal(t, 9000, h.requests[0].Port)
}

func TestTransport_NoHandler(t *testing.T) {
	tr := NewTransport(testOptions(), nil, zap.NewNop())
	require.NoError(t, tr.Start(0))
	defer tr.Stop()

	resp, body := rawExchange(t, tr.Port(), "POST /signaling HTTP/1.1\r\n\r\n{\"type\":\"reject\"}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reject", body["type"])
}

func TestTransport_CallRequestWithoutIdentifier(t *testing.T) {
	tr, h := startTransport(t)

	resp, body := rawExchange(t, tr.Port(), "POST /call-request HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "call-request", body["type"])

	require.Eventually(t, func() bool { return h.calls() == 1 }, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.requests[0].FromIdentifier)
}

func TestTransport_StartStopLifecycle(t *testing.T) {
	tr := NewTransport(testOptions(), nil, zap.NewNop())
	assert.NoError(t, tr.Stop(), "stop before start is a no-op")

	require.NoError(t, tr.Start(0))
	port := tr.Port()
	assert.True(t, tr.Running())
	require.NoError(t, tr.Start(0), "second start is a no-op")
	assert.Equal(t, port, tr.Port())

	require.NoError(t, tr.Stop())
	assert.False(t, tr.Running())
	assert.Equal(t, 0, tr.Port())
	assert.NoError(t, tr.Stop())

	_, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestTransport_BindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tr := NewTransport(testOptions(), nil, zap.NewNop())
	err = tr.Start(ln.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, domain.ErrBind))
	assert.False(t, tr.Running())
}

func TestTransport_StopClosesPendingConnections(t *testing.T) {
	tr, _ := startTransport(t)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tr.Port())))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("POST /signaling HTTP/1.1\r\n"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return while a connection was mid-request")
	}
}

func TestClient_SendAllKinds(t *testing.T) {
	tr, h := startTransport(t)
	client := NewClient(ClientOptions{Timeout: time.Second, Self: "desk-a", LocalPort: 9999}, nil, zap.NewNop())
	peer := domain.PeerRecord{Identifier: "desk-b", Addresses: []string{"127.0.0.1"}, Port: tr.Port()}

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host","sdpMid":"0"}`)
	sent := []*domain.SignalingMessage{
		{Kind: domain.KindOffer, SDP: testSDP, SessionID: "s-1"},
		{Kind: domain.KindAnswer, SDP: testSDP, SessionID: "s-1"},
		{Kind: domain.KindICECandidate, Candidate: candidate, SessionID: "s-1"},
		{Kind: domain.KindReject, SessionID: "s-1"},
		{Kind: domain.KindCallRequest},
	}
	for _, msg := range sent {
		require.NoError(t, client.Send(context.Background(), peer, msg))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.signals, len(sent))
	for i, got := range h.signals {
		assert.Equal(t, sent[i].Kind, got.Kind)
		assert.Equal(t, sent[i].SDP, got.SDP)
		assert.Equal(t, string(sent[i].Candidate), string(got.Candidate))
		assert.Equal(t, domain.PeerID("desk-a"), got.FromIdentifier)
		assert.Equal(t, 9999, got.Port)
		assert.False(t, got.Timestamp.IsZero())
	}
	assert.True(t, sent[0].Timestamp.IsZero(), "caller's message must not be mutated")
}

func TestClient_ProbeAndRequestConnection(t *testing.T) {
	tr, h := startTransport(t)
	client := NewClient(ClientOptions{Timeout: time.Second, Self: "desk-a", LocalPort: 9999}, nil, zap.NewNop())
	peer := domain.PeerRecord{Identifier: "desk-b", Addresses: []string{"127.0.0.1"}, Port: tr.Port()}

	assert.True(t, client.Probe(context.Background(), peer))
	require.NoError(t, client.RequestConnection(context.Background(), peer, ""))

	h.mu.Lock()
	require.Len(t, h.requests, 1)
	assert.Equal(t, domain.PeerID("desk-a"), h.requests[0].FromIdentifier)
	assert.Equal(t, 9999, h.requests[0].Port)
	h.mu.Unlock()
}

func TestClient_UnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := NewClient(ClientOptions{Timeout: 500 * time.Millisecond}, nil, zap.NewNop())
	peer := domain.PeerRecord{Identifier: "gone", Addresses: []string{"127.0.0.1"}, Port: port}

	assert.NotPanics(t, func() {
		err = client.Send(context.Background(), peer, &domain.SignalingMessage{Kind: domain.KindReject})
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, domain.ErrSendFailure))
	assert.False(t, client.Probe(context.Background(), peer))

	err = client.Send(context.Background(), domain.PeerRecord{Identifier: "nowhere"}, &domain.SignalingMessage{Kind: domain.KindReject})
	assert.True(t, stderrors.Is(err, domain.ErrSendFailure))
}

func TestClient_RejectsInvalidMessage(t *testing.T) {
	tr, h := startTransport(t)
	client := NewClient(ClientOptions{Timeout: time.Second}, nil, zap.NewNop())
	peer := domain.PeerRecord{Identifier: "desk-b", Addresses: []string{"127.0.0.1"}, Port: tr.Port()}

	err := client.Send(context.Background(), peer, &domain.SignalingMessage{Kind: domain.KindOffer})
	assert.True(t, stderrors.Is(err, domain.ErrSendFailure))
	assert.Equal(t, 0, h.calls())
}
