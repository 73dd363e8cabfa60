package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Session is one call's peer connection.
type Session struct {
	pc       *webrtc.PeerConnection
	observer ports.MediaObserver
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSession(pc *webrtc.PeerConnection, observer ports.MediaObserver, logger *zap.SugaredLogger) *Session {
	s := &Session{pc: pc, observer: observer, logger: logger}
	pc.OnICECandidate(s.handleICECandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(s.handleTrack)
	return s
}

// AttachLocalMedia adds the handle's tracks and starts reading the
// receiver reports the remote side sends about them.
func (s *Session) AttachLocalMedia(local ports.LocalMedia) error {
	lm, ok := local.(*LocalMedia)
	if !ok {
		return fmt.Errorf("unsupported local media handle %T", local)
	}
	for _, t := range lm.tracks {
		sender, err := s.pc.AddTrack(t.track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.track.Kind(), err)
		}
		go s.readReports(sender, t.clockRate)
	}
	return nil
}

// CreateOffer adds a receive-only transceiver for any kind without a local
// track so the remote side can still send it.
func (s *Session) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range s.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return domain.SessionDescription{}, err
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (s *Session) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (s *Session) SetLocalDescription(desc domain.SessionDescription) error {
	return s.pc.SetLocalDescription(toPion(desc))
}

func (s *Session) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(toPion(desc))
}

// AddCandidate applies a candidate in its browser JSON form.
func (s *Session) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	return s.pc.AddICECandidate(init)
}

func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.pc.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil || s.isClosed() {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.logger.Warnw("failed to encode local candidate", "error", err)
		return
	}
	s.observer.OnLocalCandidate(raw)
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Debugw("peer connection state changed", "connection_state", state)
	if s.isClosed() {
		return
	}
	s.observer.OnConnectionStateChange(mediaState(state))
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)
	s.observer.OnRemoteMedia(domain.RemoteMedia{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind().String(),
		Codec:    track.Codec().MimeType,
	})

	// Reading keeps the interceptors fed; there is no local sink.
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
}

func (s *Session) readReports(sender *webrtc.RTPSender, clockRate uint32) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if loss, jitter, ok := summarizeReports(packets, clockRate); ok {
			s.observer.OnQualityReport(loss, jitter)
		}
	}
}

// summarizeReports averages loss and jitter over the receiver report
// blocks in packets. Jitter arrives in RTP timestamp units.
func summarizeReports(packets []rtcp.Packet, clockRate uint32) (float64, time.Duration, bool) {
	var totalLoss float64
	var totalJitter uint64
	count := 0

	for _, packet := range packets {
		var reports []rtcp.ReceptionReport
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			reports = p.Reports
		case *rtcp.SenderReport:
			reports = p.Reports
		default:
			continue
		}
		for _, r := range reports {
			totalLoss += float64(r.FractionLost) / 256.0
			totalJitter += uint64(r.Jitter)
			count++
		}
	}

	if count == 0 || clockRate == 0 {
		return 0, 0, false
	}
	avgJitter := time.Duration(totalJitter / uint64(count) * uint64(time.Second) / uint64(clockRate))
	return totalLoss / float64(count), avgJitter, true
}

func mediaState(state webrtc.PeerConnectionState) domain.MediaState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.MediaStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.MediaStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.MediaStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.MediaStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.MediaStateClosed
	default:
		return domain.MediaStateNew
	}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}
