package ports

import "lancall/internal/core/domain"

// SignalHandler receives what the signaling transport parsed. It is called
// concurrently from every accepted connection and must return promptly.
type SignalHandler interface {
	HandleSignal(msg *domain.SignalingMessage, sender domain.Endpoint)
	// HandleConnectionRequest receives a call-request. An empty
	// msg.FromIdentifier leaves the caller to be identified by sender;
	// msg.Port is the sender's transport port when known.
	HandleConnectionRequest(msg *domain.SignalingMessage, sender domain.Endpoint)
}
