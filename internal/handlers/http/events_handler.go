package http

import (
	"net/http"
	"time"

	"lancall/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// The control API binds to loopback; any local page may watch events.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// EventSource is the call event fan-out the handler subscribes to.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.CallEvent, func())
}

// EventsHandler streams call events to websocket clients.
type EventsHandler struct {
	source  EventSource
	current func() domain.CallSnapshot
	logger  *zap.SugaredLogger

	pingInterval time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func NewEventsHandler(source EventSource, current func() domain.CallSnapshot, logger *zap.SugaredLogger) *EventsHandler {
	return &EventsHandler{
		source:       source,
		current:      current,
		logger:       logger,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		readTimeout:  60 * time.Second,
	}
}

func (h *EventsHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/api/v1/events", h.Stream)
}

// Stream upgrades the request and writes the current call followed by
// every event until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.source.Subscribe(64)
	defer cancel()

	h.logger.Debugw("event stream opened", "remote_addr", c.ClientIP())

	// The reader only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := domain.CallEvent{Type: domain.EventStateChanged, Call: h.current(), Timestamp: time.Now()}
	if err := h.write(conn, initial); err != nil {
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Debugw("event stream closed", "remote_addr", c.ClientIP())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(conn, ev); err != nil {
				h.logger.Debugw("event write failed", "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, ev domain.CallEvent) error {
	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteJSON(ev)
}
