package signal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	apperrors "lancall/pkg/errors"
	rlog "lancall/pkg/logger"
	"lancall/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	PathSignaling   = "/signaling"
	PathCallRequest = "/call-request"
)

// Options configures a Transport.
type Options struct {
	Host string
	FrameLimits
}

// DefaultOptions returns limits suited to a LAN peer.
func DefaultOptions() Options {
	return Options{
		FrameLimits: FrameLimits{
			HeaderTimeout:  5 * time.Second,
			BodyTimeout:    2 * time.Second,
			MaxHeaderBytes: 8 * 1024,
			MaxBodyBytes:   1 << 20,
		},
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Port   int    `json:"port"`
}

type ackResponse struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Transport accepts one request per connection on the signaling port and
// hands parsed messages to its SignalHandler. It holds no call state.
type Transport struct {
	opts    Options
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	clog    *rlog.ContextLogger

	mu       sync.Mutex
	handler  ports.SignalHandler
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewTransport(opts Options, metrics ports.Metrics, logger *zap.Logger) *Transport {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Transport{
		opts:    opts,
		metrics: metrics,
		logger:  logger.Sugar(),
		clog:    rlog.NewContextLogger(logger),
		conns:   make(map[net.Conn]struct{}),
	}
}

// SetHandler registers the receiver of inbound messages. Register it
// before Start; messages parsed while no handler is set are dropped.
func (t *Transport) SetHandler(h ports.SignalHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Start binds the signaling port. Calling Start while running is a no-op.
// Port 0 picks an ephemeral port, see Port.
func (t *Transport) Start(port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.logger.Errorw("signaling transport bind failed", "address", addr, "error", err)
		return apperrors.NewBindError(addr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop(ln)

	t.logger.Infow("signaling transport listening", "address", ln.Addr().String())
	return nil
}

// Stop closes the listener and every connection still being served. It is
// safe to call when not running.
func (t *Transport) Stop() error {
	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	if ln == nil {
		t.mu.Unlock()
		return nil
	}
	err := ln.Close()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Infow("signaling transport stopped", "address", ln.Addr().String())
	return err
}

// Running reports whether the transport is listening.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

// Port returns the bound port, or 0 when not running.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.logger.Errorw("signaling accept failed", "error", err)
			return
		}

		if !t.track(conn) {
			conn.Close()
			return
		}
		go t.serveConn(conn)
	}
}

// track registers conn for Stop; it refuses once the listener is gone.
func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return false
	}
	t.conns[conn] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)
	defer conn.Close()

	start := time.Now()
	remote := conn.RemoteAddr().String()
	ctx := rlog.WithRemoteAddr(context.Background(), remote)
	ctx = rlog.WithRequestID(ctx, uuid.NewString())

	req, err := ReadRequest(conn, t.opts.FrameLimits)
	if err != nil {
		t.clog.LogError(ctx, err, "malformed signaling request")
		t.respond(ctx, conn, http.StatusBadRequest, errorResponse{Error: "Bad request"})
		return
	}

	if req.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))
	}
	ctx, span := tracing.TraceSignalReceive(ctx, req.Method, req.Path, remote)
	defer span.End()

	status, body := t.route(ctx, req, domain.ParseEndpoint(remote))
	span.SetAttributes(attribute.Int("http.status_code", status))

	t.respond(ctx, conn, status, body)
	t.metrics.RecordTransportRequest(req.Method, req.Path, status)
	t.clog.LogRequest(ctx, req.Method, req.Path, status, time.Since(start).Milliseconds())
}

func (t *Transport) respond(ctx context.Context, conn net.Conn, status int, body any) {
	if err := conn.SetWriteDeadline(time.Now().Add(t.opts.HeaderTimeout)); err != nil {
		return
	}
	if err := WriteResponse(conn, status, body); err != nil {
		t.clog.LogError(ctx, err, "failed to write signaling response")
	}
}

func (t *Transport) currentHandler() ports.SignalHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) route(ctx context.Context, req *Request, sender domain.Endpoint) (int, any) {
	switch {
	case req.Method == http.MethodGet && req.Path == PathSignaling:
		return http.StatusOK, healthResponse{Status: "ok", Port: t.Port()}

	case req.Method == http.MethodPost && req.Path == PathSignaling:
		if req.BodyErr != nil {
			t.clog.LogError(ctx, req.BodyErr, "unreadable signaling body")
			return http.StatusBadRequest, errorResponse{Error: "Invalid JSON"}
		}
		msg, err := DecodeMessage(req.Body)
		if err != nil {
			t.clog.LogError(ctx, err, "rejected signaling message")
			if isSyntaxError(err) {
				return http.StatusBadRequest, errorResponse{Error: "Invalid JSON"}
			}
			return http.StatusBadRequest, errorResponse{Error: "Invalid message"}
		}
		tracing.AddSpanAttributes(ctx, tracing.MessageKind.String(string(msg.Kind)), tracing.SessionIDKey.String(msg.SessionID))
		t.metrics.RecordSignalReceived(msg.Kind)
		if h := t.currentHandler(); h != nil {
			h.HandleSignal(msg, sender)
		} else {
			t.logger.Warnw("no signal handler registered, dropping message", "kind", msg.Kind, "sender", sender.String())
		}
		return http.StatusOK, ackResponse{Status: "received", Type: string(msg.Kind)}

	case req.Method == http.MethodPost && req.Path == PathCallRequest:
		if req.BodyErr != nil {
			t.clog.LogError(ctx, req.BodyErr, "unreadable call-request body")
			return http.StatusBadRequest, errorResponse{Error: "Invalid JSON"}
		}
		msg, err := decodeConnectionRequest(req.Body)
		if err != nil {
			t.clog.LogError(ctx, err, "rejected call-request")
			if isSyntaxError(err) {
				return http.StatusBadRequest, errorResponse{Error: "Invalid JSON"}
			}
			return http.StatusBadRequest, errorResponse{Error: "Invalid message"}
		}
		if h := t.currentHandler(); h != nil {
			t.metrics.RecordSignalReceived(msg.Kind)
			h.HandleConnectionRequest(msg, sender)
		}
		return http.StatusOK, ackResponse{Status: "received", Type: string(domain.KindCallRequest)}
	}

	return http.StatusNotFound, errorResponse{Error: "Endpoint not found"}
}
