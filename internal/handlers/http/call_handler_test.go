package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/infrastructure/events"
	"lancall/internal/infrastructure/middleware"
	"lancall/internal/infrastructure/repositories/memory"
	apperrors "lancall/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCalls struct {
	mu      sync.Mutex
	snap    domain.CallSnapshot
	started []domain.PeerRecord
	err     error
}

func (f *fakeCalls) StartCall(_ context.Context, peer domain.PeerRecord) (domain.CallSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.snap, f.err
	}
	f.started = append(f.started, peer)
	p := peer
	f.snap = domain.CallSnapshot{SessionID: "s-1", State: domain.CallStateCalling, Role: domain.RoleInitiator, Peer: &p}
	return f.snap, nil
}

func (f *fakeCalls) AcceptCall(context.Context) (domain.CallSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State != domain.CallStateRinging {
		return f.snap, apperrors.NewNoIncomingCallError()
	}
	f.snap.State = domain.CallStateConnected
	return f.snap, nil
}

func (f *fakeCalls) RejectCall(context.Context) (domain.CallSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, apperrors.NewNoIncomingCallError()
}

func (f *fakeCalls) EndCall(context.Context) (domain.CallSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State.Active() {
		f.snap.State = domain.CallStateEnded
		f.snap.EndReason = domain.EndReasonLocalHangup
	}
	return f.snap, nil
}

func (f *fakeCalls) Current() domain.CallSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeSignaler struct {
	reachable bool
	requested []domain.PeerID
}

func (f *fakeSignaler) Send(context.Context, domain.PeerRecord, *domain.SignalingMessage) error {
	return nil
}

func (f *fakeSignaler) Probe(context.Context, domain.PeerRecord) bool { return f.reachable }

func (f *fakeSignaler) RequestConnection(_ context.Context, peer domain.PeerRecord, _ domain.PeerID) error {
	if !f.reachable {
		return apperrors.NewSendFailure(domain.KindCallRequest, peer.PreferredAddress(), errors.New("refused"))
	}
	f.requested = append(f.requested, peer.Identifier)
	return nil
}

type fixture struct {
	router   *gin.Engine
	calls    *fakeCalls
	signaler *fakeSignaler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	registry := memory.NewMemoryPeerRegistry()
	require.NoError(t, registry.Upsert(context.Background(), domain.PeerRecord{
		Identifier: "bob", DisplayName: "Bob", Addresses: []string{"10.0.0.2"}, Port: 8888,
	}))

	f := &fixture{calls: &fakeCalls{snap: domain.CallSnapshot{State: domain.CallStateIdle}}, signaler: &fakeSignaler{reachable: true}}
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewCallHandler(f.calls, registry, f.signaler, "alice").SetupRoutes(router)
	f.router = router
	return f
}

func (f *fixture) do(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestCallHandler_Peers(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodGet, "/api/v1/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["peers"], 1)
	assert.Equal(t, "alice", body["self"])

	w, body = f.do(http.MethodPost, "/api/v1/peers", map[string]any{
		"identifier": "carol",
		"addresses":  []string{"10.0.0.3"},
		"port":       9000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	peer := body["peer"].(map[string]any)
	assert.Equal(t, "carol", peer["display_name"])
	assert.Equal(t, true, peer["manual"])

	w, body = f.do(http.MethodPost, "/api/v1/peers", map[string]any{"identifier": "bad id!", "addresses": []string{"10.0.0.3"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["error"])

	w, _ = f.do(http.MethodDelete, "/api/v1/peers/carol", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, body = f.do(http.MethodDelete, "/api/v1/peers/carol", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestCallHandler_ProbeAndRequest(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodPost, "/api/v1/peers/bob/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["reachable"])

	w, _ = f.do(http.MethodPost, "/api/v1/peers/bob/request", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []domain.PeerID{"bob"}, f.signaler.requested)

	f.signaler.reachable = false
	w, body = f.do(http.MethodPost, "/api/v1/peers/bob/request", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "SEND_FAILURE", body["error"])

	w, _ = f.do(http.MethodPost, "/api/v1/peers/nobody/probe", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallHandler_CallLifecycle(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodPost, "/api/v1/calls", map[string]any{"peer_id": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	call := body["call"].(map[string]any)
	assert.Equal(t, "calling", call["state"])
	require.Len(t, f.calls.started, 1)
	assert.Equal(t, domain.PeerID("bob"), f.calls.started[0].Identifier)

	w, body = f.do(http.MethodGet, "/api/v1/calls/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "calling", body["call"].(map[string]any)["state"])

	w, body = f.do(http.MethodPost, "/api/v1/calls/accept", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_INCOMING_CALL", body["error"])

	w, body = f.do(http.MethodDelete, "/api/v1/calls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local-hangup", body["call"].(map[string]any)["end_reason"])
}

func TestCallHandler_StartCallErrors(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(http.MethodPost, "/api/v1/calls", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(http.MethodPost, "/api/v1/calls", map[string]any{"peer_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(http.MethodPost, "/api/v1/calls", map[string]any{"address": "not an address!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(http.MethodPost, "/api/v1/calls", map[string]any{"address": "10.0.0.9", "port": 9000})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"10.0.0.9"}, f.calls.started[0].Addresses)
	assert.Equal(t, 9000, f.calls.started[0].Port)

	f.calls.err = apperrors.NewCallInProgressError()
	w, body := f.do(http.MethodPost, "/api/v1/calls", map[string]any{"peer_id": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CALL_IN_PROGRESS", body["error"])
}

func TestEventsHandler_StreamsEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	hub := events.NewHub(logger)

	router := gin.New()
	NewEventsHandler(hub, func() domain.CallSnapshot {
		return domain.CallSnapshot{State: domain.CallStateIdle}
	}, logger).SetupRoutes(router)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first domain.CallEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.CallStateIdle, first.Call.State)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.OnCallEvent(domain.CallEvent{Type: domain.EventRemoteMedia, Call: domain.CallSnapshot{State: domain.CallStateConnected}})

	var next domain.CallEvent
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, domain.EventRemoteMedia, next.Type)
	assert.Equal(t, domain.CallStateConnected, next.Call.State)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
