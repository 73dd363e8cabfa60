package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
)

var transitions = map[domain.CallState][]domain.CallState{
	domain.CallStateIdle:      {domain.CallStateCalling, domain.CallStateRinging},
	domain.CallStateCalling:   {domain.CallStateConnected, domain.CallStateEnded},
	domain.CallStateRinging:   {domain.CallStateConnected, domain.CallStateEnded},
	domain.CallStateConnected: {domain.CallStateEnded},
}

// acquisition is an in-flight local media request. local and err are
// written once, before done is closed.
type acquisition struct {
	done  chan struct{}
	local ports.LocalMedia
	err   error
}

func newAcquisition() *acquisition {
	return &acquisition{done: make(chan struct{})}
}

func (a *acquisition) complete(local ports.LocalMedia, err error) {
	a.local, a.err = local, err
	close(a.done)
}

// CallSession is one negotiation from Idle to Ended. Its fields are only
// touched from the owning CallService's event loop.
type CallSession struct {
	id     string
	state  domain.CallState
	role   domain.Role
	remote domain.PeerRecord

	media       ports.MediaSession
	local       ports.LocalMedia
	releaseOnce sync.Once
	acq         *acquisition
	adopted     bool

	// pendingOffer is the responder's stored remote offer.
	pendingOffer *domain.SessionDescription
	// pendingCandidates wait for the remote description to be applied.
	pendingCandidates []json.RawMessage
	remoteApplied     bool

	remoteMedia []domain.RemoteMedia
	quality     *domain.MediaQuality
	timer       *time.Timer

	endReason domain.EndReason
	endErr    error

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
}

func newCallSession(id string, role domain.Role, remote domain.PeerRecord) *CallSession {
	return &CallSession{
		id:        id,
		state:     domain.CallStateIdle,
		role:      role,
		remote:    remote,
		startedAt: time.Now(),
	}
}

func (s *CallSession) setState(to domain.CallState) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			switch to {
			case domain.CallStateConnected:
				s.connectedAt = time.Now()
			case domain.CallStateEnded:
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal call transition %s -> %s", s.state, to)
}

// accepts reports whether msg, received from sender, belongs to this
// session. A message without a session id is matched on its sender only.
func (s *CallSession) accepts(msg *domain.SignalingMessage, sender domain.Endpoint) bool {
	if !s.state.Active() {
		return false
	}
	if msg.SessionID != "" && msg.SessionID != s.id {
		return false
	}
	return s.fromRemote(msg, sender)
}

func (s *CallSession) fromRemote(msg *domain.SignalingMessage, sender domain.Endpoint) bool {
	if msg.FromIdentifier != "" && msg.FromIdentifier == s.remote.Identifier {
		return true
	}
	return s.remote.HasAddress(sender.Host)
}

func (s *CallSession) queueCandidate(c json.RawMessage) {
	s.pendingCandidates = append(s.pendingCandidates, c)
}

func (s *CallSession) takeCandidates() []json.RawMessage {
	out := s.pendingCandidates
	s.pendingCandidates = nil
	return out
}

// releaseLocal releases the local media handle at most once.
func (s *CallSession) releaseLocal() error {
	var err error
	s.releaseOnce.Do(func() {
		if s.local != nil {
			err = s.local.Release()
		}
	})
	return err
}

// duration is the connected time, or the setup time for calls that never
// connected.
func (s *CallSession) duration() time.Duration {
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	if !s.connectedAt.IsZero() {
		return end.Sub(s.connectedAt)
	}
	return end.Sub(s.startedAt)
}

func (s *CallSession) snapshot() domain.CallSnapshot {
	peer := s.remote.WithSelf(s.remote.IsSelf)
	snap := domain.CallSnapshot{
		SessionID:   s.id,
		State:       s.state,
		Role:        s.role,
		Peer:        &peer,
		EndReason:   s.endReason,
		RemoteMedia: append([]domain.RemoteMedia(nil), s.remoteMedia...),
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
	if s.quality != nil {
		q := *s.quality
		snap.Quality = &q
	}
	if s.endErr != nil {
		snap.Error = s.endErr.Error()
	}
	return snap
}
