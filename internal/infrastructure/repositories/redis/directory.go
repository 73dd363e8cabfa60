package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/pkg/circuitbreaker"
	"lancall/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "lancall:svc:"

type announceOp string

const (
	opPublish   announceOp = "publish"
	opUnpublish announceOp = "unpublish"
)

// announcement is broadcast on the service channel whenever a record is
// published or withdrawn, so scanners do not wait for the next resync.
type announcement struct {
	Op         announceOp            `json:"op"`
	InstanceID string                `json:"instance_id"`
	Name       string                `json:"name"`
	Record     *domain.ServiceRecord `json:"record,omitempty"`
}

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	InstanceID string
	// Addresses are advertised for records this node publishes.
	Addresses       []string
	TTL             time.Duration
	RefreshInterval time.Duration
	EventBuffer     int
}

type publication struct {
	record domain.ServiceRecord
	cancel context.CancelFunc
}

type scanSession struct {
	service string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Directory is a Discovery backend for networks where multicast is not
// available: service records live under expiring keys and changes are
// announced over pub/sub.
type Directory struct {
	client  *redis.Client
	opts    DirectoryOptions
	logger  *zap.SugaredLogger
	events  chan domain.DiscoveryEvent
	breaker *circuitbreaker.CircuitBreaker

	mu        sync.Mutex
	published map[string]*publication
	scan      *scanSession
}

var _ ports.Discovery = (*Directory)(nil)

func NewDirectory(client *redis.Client, opts DirectoryOptions, logger *zap.SugaredLogger) *Directory {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RefreshInterval <= 0 || opts.RefreshInterval >= opts.TTL {
		opts.RefreshInterval = opts.TTL / 3
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	d := &Directory{
		client:    client,
		opts:      opts,
		logger:    logger,
		events:    make(chan domain.DiscoveryEvent, opts.EventBuffer),
		published: make(map[string]*publication),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 3,
			Cooldown:         opts.TTL,
		}),
	}
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		d.logger.Warnw("directory refresh circuit changed", "from", from.String(), "to", to.String())
	})
	return d
}

func serviceName(serviceType, protocol, domainName string) string {
	return strings.TrimSuffix(serviceType+"."+protocol+"."+domainName, ".")
}

func (d *Directory) recordKey(service, name string) string {
	return keyPrefix + service + ":" + name
}

func (d *Directory) channel(service string) string {
	return keyPrefix + service
}

func (d *Directory) Events() <-chan domain.DiscoveryEvent {
	return d.events
}

// Publish stores this node's record and keeps refreshing it until
// Unpublish. Publishing a name again replaces its record.
func (d *Directory) Publish(ctx context.Context, serviceType, protocol, domainName, name string, port int, attributes map[string]string) (bool, error) {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "publish", name)
	defer span.End()

	service := serviceName(serviceType, protocol, domainName)
	record := domain.ServiceRecord{
		Name:       name,
		Type:       serviceType,
		Protocol:   protocol,
		Domain:     domainName,
		Addresses:  append([]string(nil), d.opts.Addresses...),
		Port:       port,
		Attributes: attributes,
	}

	if err := d.store(ctx, service, record); err != nil {
		tracing.RecordError(ctx, err)
		return false, err
	}
	d.announce(ctx, service, announcement{Op: opPublish, Name: name, Record: &record})

	refreshCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if prev, ok := d.published[name]; ok {
		prev.cancel()
	}
	d.published[name] = &publication{record: record, cancel: cancel}
	d.mu.Unlock()

	go d.refresh(refreshCtx, service, record)

	d.logger.Infow("service published", "service", service, "name", name, "port", port)
	return true, nil
}

// Unpublish withdraws name. It reports false when name was not published
// by this Directory.
func (d *Directory) Unpublish(ctx context.Context, name string) (bool, error) {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "unpublish", name)
	defer span.End()

	d.mu.Lock()
	pub, ok := d.published[name]
	delete(d.published, name)
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	pub.cancel()

	service := serviceName(pub.record.Type, pub.record.Protocol, pub.record.Domain)
	if err := d.client.Del(ctx, d.recordKey(service, name)).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return false, fmt.Errorf("failed to delete service record: %w", err)
	}
	d.announce(ctx, service, announcement{Op: opUnpublish, Name: name})

	d.logger.Infow("service unpublished", "service", service, "name", name)
	return true, nil
}

// Scan starts watching service. It reports false when a scan is already
// running.
func (d *Directory) Scan(ctx context.Context, serviceType, protocol, domainName string) (bool, error) {
	service := serviceName(serviceType, protocol, domainName)

	d.mu.Lock()
	if d.scan != nil {
		d.mu.Unlock()
		return false, nil
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	sess := &scanSession{service: service, cancel: cancel, done: make(chan struct{})}
	d.scan = sess
	d.mu.Unlock()

	pubsub := d.client.Subscribe(scanCtx, d.channel(service))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		d.mu.Lock()
		d.scan = nil
		d.mu.Unlock()
		return false, fmt.Errorf("failed to subscribe to %s: %w", service, err)
	}

	go d.watch(scanCtx, sess, pubsub)

	d.logger.Infow("directory scan started", "service", service)
	return true, nil
}

// Stop ends the running scan, if any. Published records are kept.
func (d *Directory) Stop() error {
	d.mu.Lock()
	sess := d.scan
	d.scan = nil
	d.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.cancel()
	<-sess.done
	d.logger.Infow("directory scan stopped", "service", sess.service)
	return nil
}

// Close stops scanning and withdraws every published record.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	names := make([]string, 0, len(d.published))
	for name := range d.published {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		if _, err := d.Unpublish(ctx, name); err != nil {
			d.logger.Warnw("failed to unpublish on close", "name", name, "error", err)
		}
	}
	return d.Stop()
}

func (d *Directory) store(ctx context.Context, service string, record domain.ServiceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal service record: %w", err)
	}
	if err := d.client.Set(ctx, d.recordKey(service, record.Name), data, d.opts.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store service record: %w", err)
	}
	return nil
}

func (d *Directory) announce(ctx context.Context, service string, a announcement) {
	a.InstanceID = d.opts.InstanceID
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := d.client.Publish(ctx, d.channel(service), data).Err(); err != nil {
		d.logger.Warnw("failed to announce service change", "op", a.Op, "name", a.Name, "error", err)
	}
}

func (d *Directory) refresh(ctx context.Context, service string, record domain.ServiceRecord) {
	ticker := time.NewTicker(d.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.breaker.Execute(func() error {
				return d.store(ctx, service, record)
			})
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, circuitbreaker.ErrOpen):
				d.logger.Debugw("skipping service record refresh", "name", record.Name)
			default:
				d.logger.Warnw("failed to refresh service record", "name", record.Name, "error", err)
			}
		}
	}
}

// watch emits events for the scanned service until ctx ends. Announcements
// give prompt updates; the periodic resync catches records that expired.
func (d *Directory) watch(ctx context.Context, sess *scanSession, pubsub *redis.PubSub) {
	defer close(sess.done)
	defer pubsub.Close()

	known := make(map[string]string)
	d.resync(ctx, sess.service, known)

	ticker := time.NewTicker(d.opts.RefreshInterval)
	defer ticker.Stop()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.resync(ctx, sess.service, known)
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var a announcement
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				d.logger.Warnw("failed to unmarshal announcement", "error", err, "payload", msg.Payload)
				continue
			}
			switch a.Op {
			case opPublish:
				if a.Record != nil {
					d.observe(ctx, known, *a.Record)
				}
			case opUnpublish:
				if _, ok := known[a.Name]; ok {
					delete(known, a.Name)
					d.emit(ctx, domain.DiscoveryEvent{Type: domain.DiscoveryRemoved, Name: a.Name})
				}
			}
		}
	}
}

func (d *Directory) resync(ctx context.Context, service string, known map[string]string) {
	prefix := d.recordKey(service, "")
	seen := make(map[string]bool)

	iter := d.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var record domain.ServiceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			d.logger.Warnw("skipping malformed service record", "key", iter.Val(), "error", err)
			continue
		}
		seen[record.Name] = true
		d.observe(ctx, known, record)
	}
	if err := iter.Err(); err != nil {
		if ctx.Err() == nil {
			d.emit(ctx, domain.DiscoveryEvent{Type: domain.DiscoveryError, Err: fmt.Errorf("directory resync: %w", err)})
		}
		return
	}

	for name := range known {
		if !seen[name] {
			delete(known, name)
			d.emit(ctx, domain.DiscoveryEvent{Type: domain.DiscoveryRemoved, Name: name})
		}
	}
}

// observe emits found for new names and resolved whenever the record changed.
func (d *Directory) observe(ctx context.Context, known map[string]string, record domain.ServiceRecord) {
	data, _ := json.Marshal(record)
	prev, exists := known[record.Name]
	if exists && prev == string(data) {
		return
	}
	known[record.Name] = string(data)
	if !exists {
		d.emit(ctx, domain.DiscoveryEvent{Type: domain.DiscoveryFound, Name: record.Name})
	}
	rec := record
	d.emit(ctx, domain.DiscoveryEvent{Type: domain.DiscoveryResolved, Name: record.Name, Record: &rec})
}

func (d *Directory) emit(ctx context.Context, event domain.DiscoveryEvent) {
	select {
	case d.events <- event:
	case <-ctx.Done():
	}
}
