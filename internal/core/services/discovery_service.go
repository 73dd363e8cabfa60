package services

import (
	"context"
	"sync"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"

	"go.uber.org/zap"
)

// DiscoveryConfig names the advertised service and this node's identity.
type DiscoveryConfig struct {
	ServiceType string
	Protocol    string
	Domain      string
	Self        domain.PeerID
	DisplayName string
}

// DiscoveryService turns discovery events into peer registry changes and
// advertises this node.
type DiscoveryService struct {
	cfg       DiscoveryConfig
	discovery ports.Discovery
	registry  ports.PeerRegistry
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	started   bool
	published bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewDiscoveryService(cfg DiscoveryConfig, discovery ports.Discovery, registry ports.PeerRegistry, logger *zap.SugaredLogger) *DiscoveryService {
	return &DiscoveryService{
		cfg:       cfg,
		discovery: discovery,
		registry:  registry,
		logger:    logger,
	}
}

// Start begins consuming discovery events and starts a scan. Calling it
// twice is a no-op.
func (d *DiscoveryService) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.started = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.consume(loopCtx, d.discovery.Events(), d.done)

	if _, err := d.discovery.Scan(ctx, d.cfg.ServiceType, d.cfg.Protocol, d.cfg.Domain); err != nil {
		d.logger.Warnw("discovery scan failed", "service_type", d.cfg.ServiceType, "error", err)
		return err
	}
	d.logger.Infow("discovery started", "service_type", d.cfg.ServiceType, "protocol", d.cfg.Protocol)
	return nil
}

// Publish advertises this node on port. The own identifier is marked as
// self first so the node's echo never shows up as a callable peer.
func (d *DiscoveryService) Publish(ctx context.Context, port int) error {
	if err := d.registry.MarkSelf(ctx, d.cfg.Self); err != nil {
		return err
	}
	name := d.cfg.DisplayName
	if name == "" {
		name = string(d.cfg.Self)
	}
	attrs := map[string]string{
		"displayName": name,
		"identifier":  string(d.cfg.Self),
	}
	if _, err := d.discovery.Publish(ctx, d.cfg.ServiceType, d.cfg.Protocol, d.cfg.Domain, string(d.cfg.Self), port, attrs); err != nil {
		d.logger.Warnw("failed to publish service", "name", d.cfg.Self, "port", port, "error", err)
		return err
	}

	d.mu.Lock()
	d.published = true
	d.mu.Unlock()
	d.logger.Infow("service published", "name", d.cfg.Self, "port", port)
	return nil
}

func (d *DiscoveryService) Unpublish(ctx context.Context) error {
	d.mu.Lock()
	published := d.published
	d.published = false
	d.mu.Unlock()
	if !published {
		return nil
	}
	_, err := d.discovery.Unpublish(ctx, string(d.cfg.Self))
	return err
}

// Stop halts the scan and forgets every discovered peer.
func (d *DiscoveryService) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.started = false
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	err := d.discovery.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
	if cerr := d.registry.Clear(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *DiscoveryService) consume(ctx context.Context, events <-chan domain.DiscoveryEvent, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *DiscoveryService) handle(ctx context.Context, ev domain.DiscoveryEvent) {
	switch ev.Type {
	case domain.DiscoveryFound:
		d.logger.Debugw("service found", "name", ev.Name)
	case domain.DiscoveryResolved:
		if ev.Record == nil || len(ev.Record.Addresses) == 0 {
			d.logger.Debugw("ignoring unresolved service", "name", ev.Name)
			return
		}
		peer := peerFromRecord(ev.Record)
		if err := d.registry.Upsert(ctx, peer); err != nil {
			d.logger.Warnw("failed to register peer", "name", ev.Record.Name, "error", err)
			return
		}
		d.logger.Debugw("peer resolved", "peer_id", peer.Identifier, "address", peer.PreferredAddress(), "port", peer.Port)
	case domain.DiscoveryRemoved:
		if err := d.registry.Remove(ctx, domain.PeerID(ev.Name)); err != nil {
			d.logger.Debugw("removed service was not registered", "name", ev.Name)
		}
	case domain.DiscoveryError:
		d.logger.Warnw("discovery error", "name", ev.Name, "error", ev.Err)
	}
}

func peerFromRecord(rec *domain.ServiceRecord) domain.PeerRecord {
	display := rec.Attributes["displayName"]
	if display == "" {
		display = rec.Attributes["name"]
	}
	if display == "" {
		display = rec.Name
	}
	return domain.PeerRecord{
		Identifier:  domain.PeerID(rec.Name),
		DisplayName: display,
		Addresses:   append([]string(nil), rec.Addresses...),
		Port:        rec.Port,
	}
}
