package domain

import "errors"

var (
	ErrBind           = errors.New("signaling transport cannot listen")
	ErrMediaAccess    = errors.New("local media unavailable")
	ErrCallInProgress = errors.New("call in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNegotiation    = errors.New("session negotiation failed")
	ErrSendFailure    = errors.New("signaling message not delivered")
	ErrParse          = errors.New("malformed signaling payload")
	ErrTimeout        = errors.New("call timed out")
	ErrSelfCall       = errors.New("peer is this device")
	ErrPeerNotFound   = errors.New("peer not found")
)
