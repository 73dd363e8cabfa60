package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	apperrors "lancall/pkg/errors"
	"lancall/pkg/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds the single delivery attempt of one message.
	Timeout time.Duration
	// Self and LocalPort fill in the sender hints of outgoing messages
	// that do not carry them.
	Self      domain.PeerID
	LocalPort int
}

// Client delivers signaling messages to a peer's Transport. Each message
// gets exactly one attempt; failures are logged and returned, never retried.
type Client struct {
	http    *http.Client
	opts    ClientOptions
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

var _ ports.Signaler = (*Client)(nil)

func NewClient(opts ClientOptions, metrics ports.Metrics, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
				DialContext:       (&net.Dialer{Timeout: opts.Timeout}).DialContext,
			},
		},
		opts:    opts,
		metrics: metrics,
		logger:  logger.Sugar(),
	}
}

func endpointURL(peer domain.PeerRecord, path string) (string, error) {
	host := peer.PreferredAddress()
	if host == "" {
		return "", fmt.Errorf("peer %q has no address", peer.Identifier)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(peer.SignalPort())) + path, nil
}

// Send posts msg to peer's /signaling endpoint with a fresh timestamp.
func (c *Client) Send(ctx context.Context, peer domain.PeerRecord, msg *domain.SignalingMessage) error {
	out := *msg
	out.Timestamp = time.Now()
	if out.FromIdentifier == "" {
		out.FromIdentifier = c.opts.Self
	}
	if out.Port == 0 {
		out.Port = c.opts.LocalPort
	}

	target, err := endpointURL(peer, PathSignaling)
	if err != nil {
		return c.fail(ctx, out.Kind, string(peer.Identifier), err)
	}

	ctx, span := tracing.TraceSignalSend(ctx, string(out.Kind), target)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(out.SessionID), tracing.PeerIDKey.String(string(peer.Identifier)))

	body, err := EncodeMessage(&out)
	if err != nil {
		return c.fail(ctx, out.Kind, target, err)
	}
	if err := c.post(ctx, target, body); err != nil {
		return c.fail(ctx, out.Kind, target, err)
	}

	c.metrics.RecordSignalSent(out.Kind, true)
	c.logger.Debugw("signaling message delivered", "kind", out.Kind, "target", target, "session_id", out.SessionID)
	return nil
}

// Probe reports whether peer's transport answers the health probe. It is
// only a hint; callers must not refuse to call on a false result.
func (c *Client) Probe(ctx context.Context, peer domain.PeerRecord) bool {
	target, err := endpointURL(peer, PathSignaling)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugw("signaling probe failed", "target", target, "error", err)
		return false
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&health); err != nil {
		return false
	}
	return resp.StatusCode == http.StatusOK && health.Status == "ok"
}

// RequestConnection asks peer to surface a connection request from this node.
func (c *Client) RequestConnection(ctx context.Context, peer domain.PeerRecord, from domain.PeerID) error {
	if from == "" {
		from = c.opts.Self
	}
	target, err := endpointURL(peer, PathCallRequest)
	if err != nil {
		return c.fail(ctx, domain.KindCallRequest, string(peer.Identifier), err)
	}

	ctx, span := tracing.TraceSignalSend(ctx, string(domain.KindCallRequest), target)
	defer span.End()

	body, err := json.Marshal(connectionRequest{FromIdentifier: string(from), Port: c.opts.LocalPort})
	if err != nil {
		return c.fail(ctx, domain.KindCallRequest, target, err)
	}
	if err := c.post(ctx, target, body); err != nil {
		return c.fail(ctx, domain.KindCallRequest, target, err)
	}
	c.metrics.RecordSignalSent(domain.KindCallRequest, true)
	return nil
}

func (c *Client) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Close = true
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fail(ctx context.Context, kind domain.MessageKind, target string, err error) error {
	tracing.RecordError(ctx, err)
	c.metrics.RecordSignalSent(kind, false)
	c.logger.Warnw("signaling message not delivered", "kind", kind, "target", target, "error", err)
	return apperrors.NewSendFailure(kind, target, err)
}
