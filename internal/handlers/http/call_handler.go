package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	apperrors "lancall/pkg/errors"
	"lancall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 3 * time.Second

// CallHandler exposes the user actions of a call over HTTP.
type CallHandler struct {
	calls    ports.CallService
	registry ports.PeerRegistry
	signaler ports.Signaler
	self     domain.PeerID
}

func NewCallHandler(
	calls ports.CallService,
	registry ports.PeerRegistry,
	signaler ports.Signaler,
	self domain.PeerID,
) *CallHandler {
	return &CallHandler{
		calls:    calls,
		registry: registry,
		signaler: signaler,
		self:     self,
	}
}

func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.POST("/peers", h.AddPeer)
		api.DELETE("/peers/:id", h.RemovePeer)
		api.POST("/peers/:id/probe", h.ProbePeer)
		api.POST("/peers/:id/request", h.RequestConnection)

		api.POST("/calls", h.StartCall)
		api.GET("/calls/current", h.CurrentCall)
		api.POST("/calls/accept", h.AcceptCall)
		api.POST("/calls/reject", h.RejectCall)
		api.DELETE("/calls", h.EndCall)
	}
}

type peerRequest struct {
	Identifier  domain.PeerID `json:"identifier"`
	DisplayName string        `json:"display_name"`
	Addresses   []string      `json:"addresses"`
	Port        int           `json:"port"`
}

func (r peerRequest) validate() error {
	if err := validation.ValidateIdentifier(string(r.Identifier)); err != nil {
		return err
	}
	if r.DisplayName != "" {
		if err := validation.ValidateDisplayName(r.DisplayName); err != nil {
			return err
		}
	}
	if len(r.Addresses) == 0 {
		return errors.New("at least one address is required")
	}
	for _, addr := range r.Addresses {
		if err := validation.ValidateAddress(addr); err != nil {
			return err
		}
	}
	if r.Port != 0 {
		return validation.ValidatePort(r.Port)
	}
	return nil
}

func (r peerRequest) record() domain.PeerRecord {
	name := r.DisplayName
	if name == "" {
		name = string(r.Identifier)
	}
	return domain.PeerRecord{
		Identifier:  r.Identifier,
		DisplayName: name,
		Addresses:   r.Addresses,
		Port:        r.Port,
		Manual:      true,
	}
}

func (h *CallHandler) ListPeers(c *gin.Context) {
	peers, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if peers == nil {
		peers = []domain.PeerRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"self":  h.self,
	})
}

func (h *CallHandler) AddPeer(c *gin.Context) {
	var req peerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := req.validate(); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	peer := req.record()
	if err := h.registry.Upsert(c.Request.Context(), peer); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	stored, err := h.registry.Get(c.Request.Context(), peer.Identifier)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"peer": stored})
}

func (h *CallHandler) RemovePeer(c *gin.Context) {
	id := domain.PeerID(c.Param("id"))
	if err := h.registry.Remove(c.Request.Context(), id); err != nil {
		c.Error(h.lookupError(id, err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) ProbePeer(c *gin.Context) {
	peer, err := h.peer(c.Request.Context(), domain.PeerID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	c.JSON(http.StatusOK, gin.H{
		"peer_id":   peer.Identifier,
		"reachable": h.signaler.Probe(ctx, peer),
	})
}

func (h *CallHandler) RequestConnection(c *gin.Context) {
	peer, err := h.peer(c.Request.Context(), domain.PeerID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	if err := h.signaler.RequestConnection(c.Request.Context(), peer, h.self); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "peer_id": peer.Identifier})
}

// StartCall places a call to a registered peer, or to an address given
// inline.
func (h *CallHandler) StartCall(c *gin.Context) {
	var req struct {
		PeerID  domain.PeerID `json:"peer_id"`
		Address string        `json:"address"`
		Port    int           `json:"port"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	var peer domain.PeerRecord
	switch {
	case req.PeerID != "":
		p, err := h.peer(c.Request.Context(), req.PeerID)
		if err != nil {
			c.Error(err)
			return
		}
		peer = p
	case req.Address != "":
		if err := validation.ValidateAddress(req.Address); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
		if req.Port != 0 {
			if err := validation.ValidatePort(req.Port); err != nil {
				c.Error(apperrors.NewInvalidInputError(err.Error()))
				return
			}
		}
		peer = domain.PeerRecord{
			Identifier:  domain.PeerID(req.Address),
			DisplayName: req.Address,
			Addresses:   []string{req.Address},
			Port:        req.Port,
		}
	default:
		c.Error(apperrors.NewInvalidInputError("peer_id or address is required"))
		return
	}

	snap, err := h.calls.StartCall(c.Request.Context(), peer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": snap})
}

func (h *CallHandler) CurrentCall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"call": h.calls.Current()})
}

func (h *CallHandler) AcceptCall(c *gin.Context) {
	h.respond(c, h.calls.AcceptCall)
}

func (h *CallHandler) RejectCall(c *gin.Context) {
	h.respond(c, h.calls.RejectCall)
}

func (h *CallHandler) EndCall(c *gin.Context) {
	h.respond(c, h.calls.EndCall)
}

func (h *CallHandler) respond(c *gin.Context, action func(context.Context) (domain.CallSnapshot, error)) {
	snap, err := action(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": snap})
}

func (h *CallHandler) peer(ctx context.Context, id domain.PeerID) (domain.PeerRecord, error) {
	peer, err := h.registry.Get(ctx, id)
	if err != nil {
		return domain.PeerRecord{}, h.lookupError(id, err)
	}
	return peer, nil
}

func (h *CallHandler) lookupError(id domain.PeerID, err error) error {
	if errors.Is(err, domain.ErrPeerNotFound) {
		return apperrors.NewNotFoundError("peer " + string(id))
	}
	return err
}
