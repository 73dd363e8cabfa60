package ports

import (
	"context"
	"encoding/json"
	"time"

	"lancall/internal/core/domain"
)

// MediaEngine is the real-time media collaborator.
type MediaEngine interface {
	AcquireLocalMedia(ctx context.Context, constraints domain.MediaConstraints) (LocalMedia, error)
	NewSession(observer MediaObserver) (MediaSession, error)
}

// LocalMedia is a handle on captured local tracks. The call session that
// acquired it is the only one allowed to release it.
type LocalMedia interface {
	ID() string
	Release() error
}

// MediaSession negotiates and carries one call's media.
type MediaSession interface {
	AttachLocalMedia(local LocalMedia) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// MediaObserver receives media collaborator callbacks. Implementations
// must not block.
type MediaObserver interface {
	OnRemoteMedia(media domain.RemoteMedia)
	OnConnectionStateChange(state domain.MediaState)
	OnLocalCandidate(candidate json.RawMessage)
	// OnQualityReport carries the fraction of packets lost (0..1) and the
	// interarrival jitter from the latest receiver report.
	OnQualityReport(packetLoss float64, jitter time.Duration)
}

// Signaler delivers signaling messages to a peer's transport endpoint.
// Delivery is best effort: a returned error has already been logged.
type Signaler interface {
	Send(ctx context.Context, peer domain.PeerRecord, msg *domain.SignalingMessage) error
	Probe(ctx context.Context, peer domain.PeerRecord) bool
	RequestConnection(ctx context.Context, peer domain.PeerRecord, from domain.PeerID) error
}

// CallService drives the single call a process may hold.
type CallService interface {
	StartCall(ctx context.Context, peer domain.PeerRecord) (domain.CallSnapshot, error)
	AcceptCall(ctx context.Context) (domain.CallSnapshot, error)
	RejectCall(ctx context.Context) (domain.CallSnapshot, error)
	EndCall(ctx context.Context) (domain.CallSnapshot, error)
	Current() domain.CallSnapshot
}

// CallListener receives call events.
type CallListener interface {
	OnCallEvent(event domain.CallEvent)
}

// Metrics records signaling and call activity.
type Metrics interface {
	RecordSignalReceived(kind domain.MessageKind)
	RecordSignalSent(kind domain.MessageKind, delivered bool)
	RecordTransportRequest(method, path string, status int)
	RecordCallStarted(role domain.Role)
	RecordCallConnected(role domain.Role, setup time.Duration)
	RecordCallEnded(role domain.Role, reason domain.EndReason, duration time.Duration)
	RecordMediaQuality(packetLoss float64, jitter time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordSignalReceived(domain.MessageKind)                      {}
func (NopMetrics) RecordSignalSent(domain.MessageKind, bool)                    {}
func (NopMetrics) RecordTransportRequest(string, string, int)                   {}
func (NopMetrics) RecordCallStarted(domain.Role)                                {}
func (NopMetrics) RecordCallConnected(domain.Role, time.Duration)               {}
func (NopMetrics) RecordCallEnded(domain.Role, domain.EndReason, time.Duration) {}
func (NopMetrics) RecordMediaQuality(float64, time.Duration)                    {}
