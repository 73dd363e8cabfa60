package ports

import (
	"context"

	"lancall/internal/core/domain"
)

// PeerRegistry holds the peers currently known to this node.
type PeerRegistry interface {
	Upsert(ctx context.Context, peer domain.PeerRecord) error
	Remove(ctx context.Context, id domain.PeerID) error
	Get(ctx context.Context, id domain.PeerID) (domain.PeerRecord, error)
	FindByAddress(ctx context.Context, host string) (domain.PeerRecord, error)
	List(ctx context.Context) ([]domain.PeerRecord, error)
	MarkSelf(ctx context.Context, ids ...domain.PeerID) error
	IsSelf(ctx context.Context, id domain.PeerID) bool
	Clear(ctx context.Context) error
}

// Discovery is the multicast service-advertisement collaborator.
type Discovery interface {
	Scan(ctx context.Context, serviceType, protocol, domainName string) (bool, error)
	Stop() error
	Publish(ctx context.Context, serviceType, protocol, domainName, name string, port int, attributes map[string]string) (bool, error)
	Unpublish(ctx context.Context, name string) (bool, error)
	Events() <-chan domain.DiscoveryEvent
}
