package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/internal/infrastructure/repositories/memory"
	apperrors "lancall/pkg/errors"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"

type fakeLocal struct {
	id       string
	released atomic.Int32
}

func (l *fakeLocal) ID() string { return l.id }

func (l *fakeLocal) Release() error {
	l.released.Add(1)
	return nil
}

type fakeEngine struct {
	mu         sync.Mutex
	acquireErr error
	remoteErr  error
	// gate, when set, holds acquisition until it is closed.
	gate     chan struct{}
	locals   []*fakeLocal
	sessions []*fakeSession
}

func (e *fakeEngine) AcquireLocalMedia(ctx context.Context, _ domain.MediaConstraints) (ports.LocalMedia, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	l := &fakeLocal{id: fmt.Sprintf("local-%d", len(e.locals)+1)}
	e.locals = append(e.locals, l)
	return l, nil
}

func (e *fakeEngine) NewSession(observer ports.MediaObserver) (ports.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{engine: e, observer: observer}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) lastSession() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

func (e *fakeEngine) releases() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int32, 0, len(e.locals))
	for _, l := range e.locals {
		out = append(out, l.released.Load())
	}
	return out
}

type fakeSession struct {
	engine   *fakeEngine
	observer ports.MediaObserver

	mu         sync.Mutex
	attached   ports.LocalMedia
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	candidates []json.RawMessage
	closed     bool
}

func (s *fakeSession) AttachLocalMedia(local ports.LocalMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = local
	return nil
}

func (s *fakeSession) CreateOffer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: testSDP}, nil
}

func (s *fakeSession) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: testSDP}, nil
}

func (s *fakeSession) SetLocalDescription(desc domain.SessionDescription) error {
	s.mu.Lock()
	s.local = &desc
	s.mu.Unlock()
	s.observer.OnLocalCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host","sdpMid":"0"}`))
	return nil
}

func (s *fakeSession) SetRemoteDescription(desc domain.SessionDescription) error {
	s.engine.mu.Lock()
	err := s.engine.remoteErr
	s.engine.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = &desc
	return nil
}

func (s *fakeSession) AddCandidate(candidate json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return errors.New("remote description not set")
	}
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) candidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// switchboard routes messages between fake signalers by host.
type switchboard struct {
	mu    sync.Mutex
	nodes map[string]ports.SignalHandler
}

func newSwitchboard() *switchboard {
	return &switchboard{nodes: make(map[string]ports.SignalHandler)}
}

func (b *switchboard) attach(host string, h ports.SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[host] = h
}

func (b *switchboard) lookup(host string) ports.SignalHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes[host]
}

type fakeSignaler struct {
	board *switchboard
	host  string

	mu   sync.Mutex
	sent []domain.SignalingMessage
}

func (f *fakeSignaler) Send(_ context.Context, peer domain.PeerRecord, msg *domain.SignalingMessage) error {
	cp := *msg
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()

	h := f.board.lookup(peer.PreferredAddress())
	if h == nil {
		return apperrors.NewSendFailure(msg.Kind, peer.PreferredAddress(), errors.New("connection refused"))
	}
	h.HandleSignal(&cp, domain.Endpoint{Host: f.host, Port: 40000})
	return nil
}

func (f *fakeSignaler) Probe(_ context.Context, peer domain.PeerRecord) bool {
	return f.board.lookup(peer.PreferredAddress()) != nil
}

func (f *fakeSignaler) RequestConnection(_ context.Context, peer domain.PeerRecord, from domain.PeerID) error {
	h := f.board.lookup(peer.PreferredAddress())
	if h == nil {
		return apperrors.NewSendFailure(domain.KindCallRequest, peer.PreferredAddress(), errors.New("connection refused"))
	}
	h.HandleConnectionRequest(&domain.SignalingMessage{
		Kind:           domain.KindCallRequest,
		FromIdentifier: from,
		Port:           domain.DefaultSignalPort,
	}, domain.Endpoint{Host: f.host, Port: 40000})
	return nil
}

func (f *fakeSignaler) sentKinds() []domain.MessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MessageKind, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Kind)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (r *eventRecorder) OnCallEvent(ev domain.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) find(typ domain.CallEventType) (domain.CallEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return domain.CallEvent{}, false
}

func (r *eventRecorder) states() []domain.CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallState
	for _, ev := range r.events {
		if ev.Type == domain.EventStateChanged {
			out = append(out, ev.Call.State)
		}
	}
	return out
}

type testNode struct {
	svc      *CallService
	engine   *fakeEngine
	signaler *fakeSignaler
	registry ports.PeerRegistry
	events   *eventRecorder
	record   domain.PeerRecord
}

func newTestNode(t *testing.T, board *switchboard, id, host string, opts ...func(*CallConfig, *fakeEngine)) *testNode {
	t.Helper()
	n := &testNode{
		engine:   &fakeEngine{},
		signaler: &fakeSignaler{board: board, host: host},
		registry: memory.NewMemoryPeerRegistry(),
		events:   &eventRecorder{},
		record: domain.PeerRecord{
			Identifier:  domain.PeerID(id),
			DisplayName: id,
			Addresses:   []string{host},
			Port:        domain.DefaultSignalPort,
		},
	}
	cfg := CallConfig{
		Self:         domain.PeerID(id),
		Constraints:  domain.MediaConstraints{Audio: true, Video: true},
		CandidateTTL: time.Second,
		SendTimeout:  time.Second,
		MediaTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg, n.engine)
	}
	n.svc = NewCallService(cfg, n.engine, n.signaler, n.registry, n.events, nil, zaptest.NewLogger(t).Sugar())
	board.attach(host, n.svc)
	t.Cleanup(func() { _ = n.svc.Close(context.Background()) })
	return n
}

func waitState(t *testing.T, n *testNode, want domain.CallState) domain.CallSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.svc.Current().State == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
	return n.svc.Current()
}
