package domain

import (
	"encoding/json"
	"time"
)

// MessageKind is the type of a signaling message on the wire.
type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
	KindReject       MessageKind = "reject"
	KindCallRequest  MessageKind = "call-request"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindReject, KindCallRequest:
		return true
	}
	return false
}

// CarriesDescription reports whether messages of this kind hold a session description.
func (k MessageKind) CarriesDescription() bool {
	return k == KindOffer || k == KindAnswer
}

// SignalingMessage is the unit exchanged between two signaling transports.
// Exactly one of SDP and Candidate is set for offer, answer and
// ice-candidate; reject and call-request carry neither.
type SignalingMessage struct {
	Kind           MessageKind
	SDP            string
	Candidate      json.RawMessage
	Timestamp      time.Time
	FromIdentifier PeerID
	SessionID      string
	Port           int
}

// SessionDescription is an opaque negotiated description produced by the
// media collaborator.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Description returns the message's session description.
func (m *SignalingMessage) Description() SessionDescription {
	return SessionDescription{Type: string(m.Kind), SDP: m.SDP}
}
