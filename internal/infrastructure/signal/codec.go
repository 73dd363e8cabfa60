package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lancall/internal/core/domain"
	apperrors "lancall/pkg/errors"
)

// wireMessage is the JSON envelope exchanged on /signaling.
type wireMessage struct {
	Type           string          `json:"type"`
	SDP            string          `json:"sdp,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	FromIdentifier string          `json:"fromIdentifier,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Port           int             `json:"port,omitempty"`
}

// connectionRequest is the body of POST /call-request.
type connectionRequest struct {
	FromIdentifier string `json:"fromIdentifier"`
	Port           int    `json:"port,omitempty"`
}

var errInvalidMessage = errors.New("invalid signaling message")

// Validate checks that msg carries exactly the payload its kind requires.
func Validate(msg *domain.SignalingMessage) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", errInvalidMessage, msg.Kind)
	}
	hasCandidate := len(msg.Candidate) > 0 && string(msg.Candidate) != "null"
	switch {
	case msg.Kind.CarriesDescription():
		if msg.SDP == "" || hasCandidate {
			return fmt.Errorf("%w: %s requires sdp and no candidate", errInvalidMessage, msg.Kind)
		}
	case msg.Kind == domain.KindICECandidate:
		if !hasCandidate || msg.SDP != "" {
			return fmt.Errorf("%w: %s requires candidate and no sdp", errInvalidMessage, msg.Kind)
		}
	default:
		if msg.SDP != "" || hasCandidate {
			return fmt.Errorf("%w: %s carries no payload", errInvalidMessage, msg.Kind)
		}
	}
	if msg.Port < 0 || msg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", errInvalidMessage, msg.Port)
	}
	return nil
}

// EncodeMessage serializes msg in the wire format.
func EncodeMessage(msg *domain.SignalingMessage) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	w := wireMessage{
		Type:           string(msg.Kind),
		SDP:            msg.SDP,
		Candidate:      msg.Candidate,
		FromIdentifier: string(msg.FromIdentifier),
		SessionID:      msg.SessionID,
		Port:           msg.Port,
	}
	if !msg.Timestamp.IsZero() {
		w.Timestamp = msg.Timestamp.UnixMilli()
	}
	return json.Marshal(w)
}

// DecodeMessage parses and validates a wire payload.
func DecodeMessage(data []byte) (*domain.SignalingMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.NewParseError(err)
	}
	msg := &domain.SignalingMessage{
		Kind:           domain.MessageKind(w.Type),
		SDP:            w.SDP,
		FromIdentifier: domain.PeerID(w.FromIdentifier),
		SessionID:      w.SessionID,
		Port:           w.Port,
	}
	if len(w.Candidate) > 0 {
		msg.Candidate = w.Candidate
	}
	if w.Timestamp != 0 {
		msg.Timestamp = time.UnixMilli(w.Timestamp)
	}
	if err := Validate(msg); err != nil {
		return nil, apperrors.NewParseError(err)
	}
	return msg, nil
}

func decodeConnectionRequest(data []byte) (*domain.SignalingMessage, error) {
	var req connectionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.NewParseError(err)
	}
	if req.Port < 0 || req.Port > 65535 {
		return nil, apperrors.NewParseError(fmt.Errorf("%w: port %d out of range", errInvalidMessage, req.Port))
	}
	return &domain.SignalingMessage{
		Kind:           domain.KindCallRequest,
		FromIdentifier: domain.PeerID(req.FromIdentifier),
		Port:           req.Port,
		Timestamp:      time.Now(),
	}, nil
}

// isSyntaxError reports whether err came from malformed JSON rather than
// a well-formed document with the wrong shape.
func isSyntaxError(err error) bool {
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typeErr)
}
