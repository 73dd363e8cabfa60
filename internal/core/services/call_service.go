package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/pkg/cache"
	apperrors "lancall/pkg/errors"
	"lancall/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errServiceClosed = errors.New("call service closed")

// CallConfig configures a CallService.
type CallConfig struct {
	Self        domain.PeerID
	Constraints domain.MediaConstraints
	// CallingTimeout ends an unanswered outgoing call. Zero disables it.
	CallingTimeout time.Duration
	// CandidateTTL bounds how long candidates that arrive before their
	// offer are kept.
	CandidateTTL time.Duration
	SendTimeout  time.Duration
	// MediaTimeout bounds local media acquisition and description creation.
	MediaTimeout time.Duration
	InboxSize    int
}

func (c *CallConfig) setDefaults() {
	if c.CandidateTTL <= 0 {
		c.CandidateTTL = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
}

// CallService owns the single call a process may hold. Every state change
// runs on one event loop goroutine; user commands, inbound signals, media
// callbacks and timers are all posted to it. Slow work (media acquisition,
// outbound sends) runs off the loop and posts its result back.
type CallService struct {
	cfg      CallConfig
	media    ports.MediaEngine
	signaler ports.Signaler
	registry ports.PeerRegistry
	listener ports.CallListener
	metrics  ports.Metrics
	quality  *QualityService
	logger   *zap.SugaredLogger

	// current is the active session, or the last one after it ended.
	current *CallSession
	snap    atomic.Pointer[domain.CallSnapshot]

	orphans *cache.Cache[[]json.RawMessage]

	inbox     chan func()
	quit      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

var (
	_ ports.CallService   = (*CallService)(nil)
	_ ports.SignalHandler = (*CallService)(nil)
)

func NewCallService(
	cfg CallConfig,
	media ports.MediaEngine,
	signaler ports.Signaler,
	registry ports.PeerRegistry,
	listener ports.CallListener,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *CallService {
	cfg.setDefaults()
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	s := &CallService{
		cfg:      cfg,
		media:    media,
		signaler: signaler,
		registry: registry,
		listener: listener,
		metrics:  metrics,
		quality:  NewQualityService(),
		logger:   logger,
		orphans:  cache.New[[]json.RawMessage](cfg.CandidateTTL),
		inbox:    make(chan func(), cfg.InboxSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	idle := domain.CallSnapshot{State: domain.CallStateIdle}
	s.snap.Store(&idle)

	go s.run()
	return s
}

func (s *CallService) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop without blocking the caller. It reports false
// once the service is closed.
func (s *CallService) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	default:
	}
	// Inbox full: hand off so transport handlers still return promptly.
	go func() {
		select {
		case s.inbox <- fn:
		case <-s.quit:
		}
	}()
	return true
}

// do runs fn on the loop and waits for it. Once fn is queued it runs to
// completion even if ctx is cancelled.
func (s *CallService) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.inbox <- wrapped:
	case <-s.quit:
		return errServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return errServiceClosed
	}
}

// Current returns a snapshot of the active or most recent call.
func (s *CallService) Current() domain.CallSnapshot {
	return *s.snap.Load()
}

// Close ends the active call and stops the event loop.
func (s *CallService) Close(ctx context.Context) error {
	var notice *domain.SignalingMessage
	var peer domain.PeerRecord
	err := s.do(ctx, func() {
		sess := s.current
		if sess == nil || !sess.state.Active() {
			return
		}
		s.end(sess, domain.EndReasonServiceClosed, nil)
		notice, peer = s.message(domain.KindReject, sess.id), sess.remote
	})
	if notice != nil {
		s.send(ctx, peer, notice)
	}

	s.closeOnce.Do(func() { close(s.quit) })
	<-s.loopDone
	s.wg.Wait()
	s.orphans.Stop()
	if errors.Is(err, errServiceClosed) {
		return nil
	}
	return err
}

func (s *CallService) isSelf(peer domain.PeerRecord) bool {
	if peer.IsSelf || (s.cfg.Self != "" && peer.Identifier == s.cfg.Self) {
		return true
	}
	return s.registry != nil && s.registry.IsSelf(context.Background(), peer.Identifier)
}

// StartCall moves Idle to Calling, acquires local media, and sends an
// offer. A send failure leaves the call in Calling.
func (s *CallService) StartCall(ctx context.Context, peer domain.PeerRecord) (domain.CallSnapshot, error) {
	if s.isSelf(peer) {
		s.logger.Infow("refusing to call self", "peer_id", peer.Identifier)
		return s.Current(), apperrors.NewSelfCallError(peer.Identifier)
	}
	if peer.PreferredAddress() == "" {
		return s.Current(), apperrors.NewInvalidInputError("peer has no address")
	}

	var sess *CallSession
	var err error
	if derr := s.do(ctx, func() {
		if s.current != nil && s.current.state.Active() {
			err = apperrors.NewCallInProgressError()
			return
		}
		sess = newCallSession(uuid.NewString(), domain.RoleInitiator, peer)
		s.transition(sess, domain.CallStateCalling)
		s.current = sess
		s.metrics.RecordCallStarted(sess.role)
		s.armCallingTimeout(sess)
		s.publish(sess)
	}); derr != nil {
		return s.Current(), derr
	}
	if err != nil {
		return s.Current(), err
	}

	ctx, span := tracing.TraceCallOperation(ctx, "start", sess.id)
	defer span.End()

	mctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	local, acqErr := s.media.AcquireLocalMedia(mctx, s.cfg.Constraints)
	cancel()

	var offer *domain.SignalingMessage
	if derr := s.do(context.Background(), func() {
		if sess.state != domain.CallStateCalling {
			// Ended while media was being acquired.
			if local != nil {
				_ = local.Release()
			}
			err = sess.endErr
			return
		}
		if acqErr != nil {
			s.end(sess, domain.EndReasonMediaAccess, apperrors.NewMediaAccessError(acqErr))
			err = sess.endErr
			return
		}
		sess.local = local
		sess.adopted = true
		offer, err = s.createOffer(sess)
	}); derr != nil {
		if local != nil {
			_ = local.Release()
		}
		return s.Current(), derr
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		return s.Current(), err
	}
	if offer != nil {
		s.send(ctx, sess.remote, offer)
	}
	return s.Current(), nil
}

// AcceptCall answers the ringing call. It waits for local media
// acquisition started when the offer arrived.
func (s *CallService) AcceptCall(ctx context.Context) (domain.CallSnapshot, error) {
	var sess *CallSession
	var err error
	if derr := s.do(ctx, func() {
		sess = s.current
		if sess == nil || sess.state != domain.CallStateRinging || sess.role != domain.RoleResponder {
			err = apperrors.NewNoIncomingCallError()
			return
		}
		if s.isSelf(sess.remote) {
			s.logger.Infow("refusing to accept call from self", "peer_id", sess.remote.Identifier)
			err = apperrors.NewSelfCallError(sess.remote.Identifier)
		}
	}); derr != nil {
		return s.Current(), derr
	}
	if err != nil {
		return s.Current(), err
	}

	ctx, span := tracing.TraceCallOperation(ctx, "accept", sess.id)
	defer span.End()

	select {
	case <-sess.acq.done:
	case <-ctx.Done():
		return s.Current(), ctx.Err()
	}

	var answer *domain.SignalingMessage
	if derr := s.do(context.Background(), func() {
		s.adopt(sess)
		switch {
		case s.current != sess:
			err = apperrors.NewNoIncomingCallError()
		case sess.state == domain.CallStateEnded && sess.endErr != nil:
			err = sess.endErr
		case sess.state != domain.CallStateRinging:
			err = apperrors.NewNoIncomingCallError()
		default:
			answer, err = s.createAnswer(sess)
		}
	}); derr != nil {
		return s.Current(), derr
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		return s.Current(), err
	}
	if answer != nil {
		s.send(ctx, sess.remote, answer)
	}
	return s.Current(), nil
}

// RejectCall declines the ringing call and tells the caller.
func (s *CallService) RejectCall(ctx context.Context) (domain.CallSnapshot, error) {
	var notice *domain.SignalingMessage
	var peer domain.PeerRecord
	var err error
	if derr := s.do(ctx, func() {
		sess := s.current
		if sess == nil || sess.state != domain.CallStateRinging || sess.role != domain.RoleResponder {
			err = apperrors.NewNoIncomingCallError()
			return
		}
		s.end(sess, domain.EndReasonDeclined, nil)
		notice, peer = s.message(domain.KindReject, sess.id), sess.remote
	}); derr != nil {
		return s.Current(), derr
	}
	if notice != nil {
		s.send(ctx, peer, notice)
	}
	return s.Current(), err
}

// EndCall hangs up. It is a no-op when no call is active.
func (s *CallService) EndCall(ctx context.Context) (domain.CallSnapshot, error) {
	var notice *domain.SignalingMessage
	var peer domain.PeerRecord
	if derr := s.do(ctx, func() {
		sess := s.current
		if sess == nil || !sess.state.Active() {
			return
		}
		s.end(sess, domain.EndReasonLocalHangup, nil)
		notice, peer = s.message(domain.KindReject, sess.id), sess.remote
	}); derr != nil {
		return s.Current(), derr
	}
	if notice != nil {
		s.send(ctx, peer, notice)
	}
	return s.Current(), nil
}

// HandleSignal queues an inbound message and returns immediately.
func (s *CallService) HandleSignal(msg *domain.SignalingMessage, sender domain.Endpoint) {
	s.post(func() { s.onSignal(msg, sender) })
}

// HandleConnectionRequest queues an inbound call-request.
func (s *CallService) HandleConnectionRequest(msg *domain.SignalingMessage, sender domain.Endpoint) {
	s.post(func() { s.onConnectionRequest(msg, sender) })
}

func (s *CallService) onSignal(msg *domain.SignalingMessage, sender domain.Endpoint) {
	switch msg.Kind {
	case domain.KindOffer:
		s.onOffer(msg, sender)
	case domain.KindAnswer:
		s.onAnswer(msg, sender)
	case domain.KindICECandidate:
		s.onCandidate(msg, sender)
	case domain.KindReject:
		s.onReject(msg, sender)
	case domain.KindCallRequest:
		s.onConnectionRequest(msg, sender)
	}
}

func (s *CallService) onOffer(msg *domain.SignalingMessage, sender domain.Endpoint) {
	remote := s.resolvePeer(msg, sender)
	if s.isSelf(remote) {
		s.logger.Infow("dropping offer from self", "peer_id", remote.Identifier)
		return
	}

	if cur := s.current; cur != nil && cur.state.Active() {
		if cur.fromRemote(msg, sender) && (msg.SessionID == "" || msg.SessionID == cur.id) {
			s.logger.Debugw("dropping duplicate offer", "session_id", cur.id, "peer_id", remote.Identifier)
			return
		}
		s.logger.Infow("busy, rejecting offer", "peer_id", remote.Identifier, "session_id", msg.SessionID)
		s.sendAsync(remote, s.message(domain.KindReject, msg.SessionID))
		return
	}

	id := msg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess := newCallSession(id, domain.RoleResponder, remote)
	offer := msg.Description()
	sess.pendingOffer = &offer
	s.transition(sess, domain.CallStateRinging)
	s.current = sess
	s.metrics.RecordCallStarted(sess.role)

	for _, key := range orphanKeys(msg.SessionID, sender.Host) {
		if cands, ok := s.orphans.Take(key); ok {
			for _, c := range cands {
				sess.queueCandidate(c)
			}
		}
	}

	sess.acq = newAcquisition()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
		local, err := s.media.AcquireLocalMedia(ctx, s.cfg.Constraints)
		cancel()
		sess.acq.complete(local, err)
		if !s.post(func() { s.adopt(sess) }) && local != nil {
			_ = local.Release()
		}
	}()

	s.logger.Infow("incoming call", "session_id", sess.id, "peer_id", remote.Identifier, "address", sender.Host)
	s.publish(sess)
}

// adopt takes ownership of a finished acquisition. It runs on the loop and
// is idempotent.
func (s *CallService) adopt(sess *CallSession) {
	if sess.adopted || sess.acq == nil {
		return
	}
	select {
	case <-sess.acq.done:
	default:
		return
	}
	sess.adopted = true

	if !sess.state.Active() {
		if sess.acq.local != nil {
			_ = sess.acq.local.Release()
		}
		return
	}
	if sess.acq.err != nil {
		s.end(sess, domain.EndReasonMediaAccess, apperrors.NewMediaAccessError(sess.acq.err))
		s.sendAsync(sess.remote, s.message(domain.KindReject, sess.id))
		return
	}
	sess.local = sess.acq.local
}

func (s *CallService) onAnswer(msg *domain.SignalingMessage, sender domain.Endpoint) {
	sess := s.current
	if sess == nil || !sess.accepts(msg, sender) || sess.state != domain.CallStateCalling ||
		sess.role != domain.RoleInitiator || sess.media == nil {
		s.logger.Debugw("dropping stray answer", "session_id", msg.SessionID, "address", sender.Host)
		return
	}

	if err := sess.media.SetRemoteDescription(msg.Description()); err != nil {
		s.logger.Warnw("remote answer rejected", "session_id", sess.id, "error", err)
		s.end(sess, domain.EndReasonNegotiation, apperrors.NewNegotiationError(err))
		return
	}
	sess.remoteApplied = true
	s.flushCandidates(sess)

	s.transition(sess, domain.CallStateConnected)
	s.metrics.RecordCallConnected(sess.role, sess.connectedAt.Sub(sess.startedAt))
	s.logger.Infow("call connected", "session_id", sess.id, "role", sess.role)
	s.publish(sess)
}

func (s *CallService) onCandidate(msg *domain.SignalingMessage, sender domain.Endpoint) {
	sess := s.current
	if sess != nil && sess.accepts(msg, sender) {
		if sess.media == nil || !sess.remoteApplied {
			sess.queueCandidate(msg.Candidate)
			return
		}
		if err := sess.media.AddCandidate(msg.Candidate); err != nil {
			s.logger.Warnw("failed to apply remote candidate", "session_id", sess.id, "error", err)
		}
		return
	}

	if sess != nil && sess.state.Active() {
		s.logger.Debugw("dropping candidate for another call", "session_id", msg.SessionID, "address", sender.Host)
		return
	}
	if sess != nil && msg.SessionID != "" && msg.SessionID == sess.id {
		return
	}

	// No call yet: the offer may still be on its way.
	key := orphanKeys(msg.SessionID, sender.Host)[0]
	s.orphans.Update(key, func(cur []json.RawMessage, _ bool) []json.RawMessage {
		return append(cur, msg.Candidate)
	})
	s.logger.Debugw("buffered early candidate", "key", key)
}

func (s *CallService) onReject(msg *domain.SignalingMessage, sender domain.Endpoint) {
	sess := s.current
	if sess == nil || !sess.accepts(msg, sender) {
		s.logger.Debugw("dropping stray reject", "session_id", msg.SessionID, "address", sender.Host)
		return
	}
	if sess.state == domain.CallStateCalling {
		s.end(sess, domain.EndReasonRejected, nil)
		return
	}
	s.end(sess, domain.EndReasonRemoteHangup, nil)
}

func (s *CallService) onConnectionRequest(msg *domain.SignalingMessage, sender domain.Endpoint) {
	peer := s.resolvePeer(msg, sender)
	if s.isSelf(peer) {
		return
	}
	if s.registry != nil {
		if _, err := s.registry.Get(context.Background(), peer.Identifier); errors.Is(err, domain.ErrPeerNotFound) {
			if err := s.registry.Upsert(context.Background(), peer); err != nil {
				s.logger.Warnw("failed to register requesting peer", "peer_id", peer.Identifier, "error", err)
			}
		}
	}

	s.logger.Infow("connection request", "peer_id", peer.Identifier, "address", sender.Host)
	if s.listener != nil {
		ep := sender
		s.listener.OnCallEvent(domain.CallEvent{
			Type:       domain.EventConnectionRequest,
			Call:       s.Current(),
			Identifier: peer.Identifier,
			Sender:     &ep,
			Timestamp:  time.Now(),
		})
	}
}

// onMediaState ends the call once the media path is gone.
func (s *CallService) onMediaState(sess *CallSession, state domain.MediaState) {
	if s.current != sess || !sess.state.Active() {
		return
	}
	s.logger.Debugw("media state changed", "session_id", sess.id, "state", state)
	if state.Terminal() {
		s.end(sess, domain.EndReasonMediaFailure, fmt.Errorf("media connection %s", state))
		s.sendAsync(sess.remote, s.message(domain.KindReject, sess.id))
	}
}

func (s *CallService) onLocalCandidate(sess *CallSession, candidate json.RawMessage) {
	if s.current != sess || !sess.state.Active() {
		return
	}
	msg := s.message(domain.KindICECandidate, sess.id)
	msg.Candidate = candidate
	s.sendAsync(sess.remote, msg)
}

func (s *CallService) onRemoteMedia(sess *CallSession, media domain.RemoteMedia) {
	if s.current != sess || !sess.state.Active() {
		return
	}
	sess.remoteMedia = append(sess.remoteMedia, media)
	s.logger.Infow("remote media", "session_id", sess.id, "kind", media.Kind, "codec", media.Codec)
	s.emit(domain.EventRemoteMedia, sess)
}

func (s *CallService) onQualityReport(sess *CallSession, packetLoss float64, jitter time.Duration) {
	if s.current != sess || sess.state != domain.CallStateConnected {
		return
	}
	s.metrics.RecordMediaQuality(packetLoss, jitter)

	var prev domain.LinkQuality
	if sess.quality != nil {
		prev = sess.quality.Level
	}
	level := s.quality.Next(prev, packetLoss, jitter)
	sess.quality = &domain.MediaQuality{Level: level, PacketLoss: packetLoss, Jitter: jitter}
	if level == prev {
		s.snapOnly(sess)
		return
	}
	s.logger.Infow("link quality changed", "session_id", sess.id, "from", prev, "to", level,
		"packet_loss", packetLoss, "jitter", jitter)
	s.emit(domain.EventQualityChanged, sess)
}

func (s *CallService) createOffer(sess *CallSession) (*domain.SignalingMessage, error) {
	if err := s.openMedia(sess); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
	defer cancel()

	desc, err := sess.media.CreateOffer(ctx)
	if err == nil {
		err = sess.media.SetLocalDescription(desc)
	}
	if err != nil {
		s.end(sess, domain.EndReasonNegotiation, apperrors.NewNegotiationError(err))
		return nil, sess.endErr
	}
	msg := s.message(domain.KindOffer, sess.id)
	msg.SDP = desc.SDP
	return msg, nil
}

func (s *CallService) createAnswer(sess *CallSession) (*domain.SignalingMessage, error) {
	if err := s.openMedia(sess); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
	defer cancel()

	if err := sess.media.SetRemoteDescription(*sess.pendingOffer); err != nil {
		s.logger.Warnw("remote offer rejected", "session_id", sess.id, "error", err)
		s.end(sess, domain.EndReasonNegotiation, apperrors.NewNegotiationError(err))
		return nil, sess.endErr
	}
	sess.remoteApplied = true
	s.flushCandidates(sess)

	desc, err := sess.media.CreateAnswer(ctx)
	if err == nil {
		err = sess.media.SetLocalDescription(desc)
	}
	if err != nil {
		s.end(sess, domain.EndReasonNegotiation, apperrors.NewNegotiationError(err))
		return nil, sess.endErr
	}

	s.transition(sess, domain.CallStateConnected)
	s.metrics.RecordCallConnected(sess.role, sess.connectedAt.Sub(sess.startedAt))
	s.logger.Infow("call connected", "session_id", sess.id, "role", sess.role)
	s.publish(sess)

	msg := s.message(domain.KindAnswer, sess.id)
	msg.SDP = desc.SDP
	return msg, nil
}

func (s *CallService) openMedia(sess *CallSession) error {
	ms, err := s.media.NewSession(&sessionObserver{svc: s, sess: sess})
	if err != nil {
		s.end(sess, domain.EndReasonNegotiation, apperrors.NewNegotiationError(err))
		return sess.endErr
	}
	sess.media = ms
	if sess.local != nil {
		if err := ms.AttachLocalMedia(sess.local); err != nil {
			s.end(sess, domain.EndReasonMediaAccess, apperrors.NewMediaAccessError(err))
			return sess.endErr
		}
	}
	return nil
}

func (s *CallService) flushCandidates(sess *CallSession) {
	for _, c := range sess.takeCandidates() {
		if err := sess.media.AddCandidate(c); err != nil {
			s.logger.Warnw("failed to apply queued candidate", "session_id", sess.id, "error", err)
		}
	}
}

// end moves sess to Ended and releases everything it holds. Calling it on
// an ended session does nothing.
func (s *CallService) end(sess *CallSession, reason domain.EndReason, err error) {
	if sess.state == domain.CallStateEnded {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.endReason = reason
	sess.endErr = err
	s.transition(sess, domain.CallStateEnded)

	if sess.media != nil {
		if cerr := sess.media.Close(); cerr != nil {
			s.logger.Debugw("media session close failed", "session_id", sess.id, "error", cerr)
		}
	}
	if rerr := sess.releaseLocal(); rerr != nil {
		s.logger.Warnw("failed to release local media", "session_id", sess.id, "error", rerr)
	}
	s.adopt(sess)

	s.metrics.RecordCallEnded(sess.role, reason, sess.duration())
	fields := []interface{}{"session_id", sess.id, "reason", reason, "peer_id", sess.remote.Identifier}
	if err != nil {
		fields = append(fields, "error", err)
	}
	s.logger.Infow("call ended", fields...)
	s.publish(sess)
}

func (s *CallService) transition(sess *CallSession, to domain.CallState) {
	if err := sess.setState(to); err != nil {
		s.logger.Errorw("call state machine violation", "session_id", sess.id, "error", err)
	}
}

func (s *CallService) armCallingTimeout(sess *CallSession) {
	if s.cfg.CallingTimeout <= 0 {
		return
	}
	sess.timer = time.AfterFunc(s.cfg.CallingTimeout, func() {
		s.post(func() {
			if s.current != sess || sess.state != domain.CallStateCalling {
				return
			}
			s.end(sess, domain.EndReasonTimeout, apperrors.NewTimeoutError())
			s.sendAsync(sess.remote, s.message(domain.KindReject, sess.id))
		})
	})
}

// resolvePeer finds the sender in the registry by identifier, then by
// address, else describes it from what the message carries.
func (s *CallService) resolvePeer(msg *domain.SignalingMessage, sender domain.Endpoint) domain.PeerRecord {
	ctx := context.Background()
	if s.registry != nil {
		if msg.FromIdentifier != "" {
			if peer, err := s.registry.Get(ctx, msg.FromIdentifier); err == nil {
				return peer
			}
		}
		if peer, err := s.registry.FindByAddress(ctx, sender.Host); err == nil {
			if msg.Port == 0 || peer.SignalPort() == msg.Port {
				return peer
			}
		}
	}

	id := msg.FromIdentifier
	if id == "" {
		id = domain.PeerID(sender.Host)
	}
	port := msg.Port
	if port == 0 {
		port = domain.DefaultSignalPort
	}
	return domain.PeerRecord{
		Identifier:  id,
		DisplayName: string(id),
		Addresses:   []string{sender.Host},
		Port:        port,
	}
}

func (s *CallService) message(kind domain.MessageKind, sessionID string) *domain.SignalingMessage {
	return &domain.SignalingMessage{
		Kind:           kind,
		SessionID:      sessionID,
		FromIdentifier: s.cfg.Self,
		Timestamp:      time.Now(),
	}
}

// send delivers msg once. Failures are logged by the signaler and otherwise
// ignored: the session carries on without them.
func (s *CallService) send(ctx context.Context, peer domain.PeerRecord, msg *domain.SignalingMessage) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.signaler.Send(ctx, peer, msg); err != nil {
		s.logger.Debugw("signal send failed", "kind", msg.Kind, "session_id", msg.SessionID, "error", err)
	}
}

func (s *CallService) sendAsync(peer domain.PeerRecord, msg *domain.SignalingMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(context.Background(), peer, msg)
	}()
}

func (s *CallService) publish(sess *CallSession) {
	s.emit(domain.EventStateChanged, sess)
}

// snapOnly refreshes the published snapshot without notifying the listener.
func (s *CallService) snapOnly(sess *CallSession) {
	if s.current == sess {
		snap := sess.snapshot()
		s.snap.Store(&snap)
	}
}

func (s *CallService) emit(typ domain.CallEventType, sess *CallSession) {
	snap := sess.snapshot()
	if s.current == sess {
		s.snap.Store(&snap)
	}
	if s.listener != nil {
		s.listener.OnCallEvent(domain.CallEvent{Type: typ, Call: snap, Timestamp: time.Now()})
	}
}

func orphanKeys(sessionID, host string) []string {
	if sessionID != "" {
		return []string{"session:" + sessionID, "host:" + host}
	}
	return []string{"host:" + host}
}

// sessionObserver forwards media callbacks for one session onto the loop.
type sessionObserver struct {
	svc  *CallService
	sess *CallSession
}

func (o *sessionObserver) OnRemoteMedia(media domain.RemoteMedia) {
	o.svc.post(func() { o.svc.onRemoteMedia(o.sess, media) })
}

func (o *sessionObserver) OnConnectionStateChange(state domain.MediaState) {
	o.svc.post(func() { o.svc.onMediaState(o.sess, state) })
}

func (o *sessionObserver) OnQualityReport(packetLoss float64, jitter time.Duration) {
	o.svc.post(func() { o.svc.onQualityReport(o.sess, packetLoss, jitter) })
}

func (o *sessionObserver) OnLocalCandidate(candidate json.RawMessage) {
	o.svc.post(func() { o.svc.onLocalCandidate(o.sess, candidate) })
}
