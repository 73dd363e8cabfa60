package discovery

import (
	"context"
	"sync"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"

	"go.uber.org/zap"
)

// Static is a Discovery backend over a fixed list of service records.
// Records published through it are reported back to a running scan, the
// way a multicast responder hears its own advertisement.
type Static struct {
	logger    *zap.SugaredLogger
	events    chan domain.DiscoveryEvent
	addresses []string

	mu        sync.Mutex
	records   []domain.ServiceRecord
	published map[string]domain.ServiceRecord
	scanning  bool
}

var _ ports.Discovery = (*Static)(nil)

// NewStatic returns a backend that reports records on every scan.
// Published records advertise the given local addresses.
func NewStatic(records []domain.ServiceRecord, logger *zap.SugaredLogger, localAddresses ...string) *Static {
	if len(localAddresses) == 0 {
		localAddresses = []string{"127.0.0.1"}
	}
	return &Static{
		logger:    logger,
		events:    make(chan domain.DiscoveryEvent, 2*len(records)+16),
		addresses: localAddresses,
		records:   append([]domain.ServiceRecord(nil), records...),
		published: make(map[string]domain.ServiceRecord),
	}
}

func (s *Static) Events() <-chan domain.DiscoveryEvent {
	return s.events
}

func (s *Static) Scan(ctx context.Context, serviceType, protocol, domainName string) (bool, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return false, nil
	}
	s.scanning = true
	pending := append([]domain.ServiceRecord(nil), s.records...)
	for _, rec := range s.published {
		pending = append(pending, rec)
	}
	s.mu.Unlock()

	s.logger.Infow("static scan started", "records", len(pending))
	go func() {
		for _, rec := range pending {
			s.announce(rec)
		}
	}()
	return true, nil
}

func (s *Static) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanning = false
	return nil
}

func (s *Static) Publish(ctx context.Context, serviceType, protocol, domainName, name string, port int, attributes map[string]string) (bool, error) {
	rec := domain.ServiceRecord{
		Name:       name,
		Type:       serviceType,
		Protocol:   protocol,
		Domain:     domainName,
		Addresses:  append([]string(nil), s.addresses...),
		Port:       port,
		Attributes: attributes,
	}

	s.mu.Lock()
	s.published[name] = rec
	scanning := s.scanning
	s.mu.Unlock()

	if scanning {
		go s.announce(rec)
	}
	return true, nil
}

func (s *Static) Unpublish(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.published[name]
	delete(s.published, name)
	scanning := s.scanning
	s.mu.Unlock()

	if ok && scanning {
		go s.emit(domain.DiscoveryEvent{Type: domain.DiscoveryRemoved, Name: name})
	}
	return ok, nil
}

func (s *Static) announce(rec domain.ServiceRecord) {
	s.emit(domain.DiscoveryEvent{Type: domain.DiscoveryFound, Name: rec.Name})
	r := rec
	s.emit(domain.DiscoveryEvent{Type: domain.DiscoveryResolved, Name: rec.Name, Record: &r})
}

func (s *Static) emit(ev domain.DiscoveryEvent) {
	s.mu.Lock()
	scanning := s.scanning
	s.mu.Unlock()
	if scanning {
		s.events <- ev
	}
}
