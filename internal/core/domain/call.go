package domain

import "time"

type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateCalling   CallState = "calling"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
)

// Active reports whether a session in this state holds the call slot.
func (s CallState) Active() bool {
	return s == CallStateCalling || s == CallStateRinging || s == CallStateConnected
}

type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type EndReason string

const (
	EndReasonNone          EndReason = ""
	EndReasonLocalHangup   EndReason = "local-hangup"
	EndReasonRemoteHangup  EndReason = "remote-hangup"
	EndReasonRejected      EndReason = "rejected"
	EndReasonDeclined      EndReason = "declined"
	EndReasonMediaAccess   EndReason = "media-access"
	EndReasonNegotiation   EndReason = "negotiation"
	EndReasonMediaFailure  EndReason = "media-failure"
	EndReasonTimeout       EndReason = "timeout"
	EndReasonServiceClosed EndReason = "service-closed"
)

// MediaState is the connection state reported by the media collaborator.
type MediaState string

const (
	MediaStateNew          MediaState = "new"
	MediaStateConnecting   MediaState = "connecting"
	MediaStateConnected    MediaState = "connected"
	MediaStateDisconnected MediaState = "disconnected"
	MediaStateFailed       MediaState = "failed"
	MediaStateClosed       MediaState = "closed"
)

// Terminal reports whether the media session can no longer carry the call.
func (s MediaState) Terminal() bool {
	return s == MediaStateDisconnected || s == MediaStateFailed || s == MediaStateClosed
}

// MediaConstraints selects which local tracks to acquire.
type MediaConstraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// RemoteMedia describes a track received from the remote peer. Its
// lifetime is owned by the media collaborator.
type RemoteMedia struct {
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}

// CallSnapshot is a read-only view of a call session.
type CallSnapshot struct {
	SessionID   string        `json:"session_id,omitempty"`
	State       CallState     `json:"state"`
	Role        Role          `json:"role,omitempty"`
	Peer        *PeerRecord   `json:"peer,omitempty"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	RemoteMedia []RemoteMedia `json:"remote_media,omitempty"`
	Quality     *MediaQuality `json:"quality,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
}

type CallEventType string

const (
	EventStateChanged      CallEventType = "state-changed"
	EventRemoteMedia       CallEventType = "remote-media"
	EventConnectionRequest CallEventType = "connection-request"
	EventQualityChanged    CallEventType = "quality-changed"
)

// CallEvent is emitted to the call listener on every observable change.
type CallEvent struct {
	Type       CallEventType `json:"type"`
	Call       CallSnapshot  `json:"call"`
	Identifier PeerID        `json:"identifier,omitempty"`
	Sender     *Endpoint     `json:"sender,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// LinkQuality grades the media path from receiver reports.
type LinkQuality string

const (
	QualityHigh   LinkQuality = "high"
	QualityMedium LinkQuality = "medium"
	QualityLow    LinkQuality = "low"
)

// MediaQuality is the latest receiver report summary for a call.
type MediaQuality struct {
	Level      LinkQuality   `json:"level"`
	PacketLoss float64       `json:"packet_loss"`
	Jitter     time.Duration `json:"jitter"`
}
