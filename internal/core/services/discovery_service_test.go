package services

import (
	"context"
	"testing"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/infrastructure/discovery"
	"lancall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDiscoveryFixture(t *testing.T, records ...domain.ServiceRecord) (*DiscoveryService, *discovery.Static, *memory.MemoryPeerRegistry) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	backend := discovery.NewStatic(records, logger, "10.0.0.1")
	registry := memory.NewMemoryPeerRegistry().(*memory.MemoryPeerRegistry)
	svc := NewDiscoveryService(DiscoveryConfig{
		ServiceType: "_lancall",
		Protocol:    "_tcp",
		Domain:      "local.",
		Self:        "alice",
		DisplayName: "Alice",
	}, backend, registry, logger)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, backend, registry
}

func TestDiscoveryService_ResolvesPeers(t *testing.T) {
	svc, _, registry := newDiscoveryFixture(t,
		domain.ServiceRecord{Name: "bob", Addresses: []string{"10.0.0.2"}, Port: 8888, Attributes: map[string]string{"displayName": "Bob"}},
		domain.ServiceRecord{Name: "carol", Addresses: []string{"10.0.0.3"}, Port: 9000},
		domain.ServiceRecord{Name: "unresolved"},
	)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.Eventually(t, func() bool {
		peers, _ := registry.List(ctx)
		return len(peers) == 2
	}, time.Second, 5*time.Millisecond)

	bob, err := registry.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", bob.DisplayName)
	assert.Equal(t, []string{"10.0.0.2"}, bob.Addresses)
	assert.Equal(t, 8888, bob.Port)

	carol, err := registry.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", carol.DisplayName)
	assert.Equal(t, 9000, carol.Port)

	_, err = registry.Get(ctx, "unresolved")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestDiscoveryService_PublishTagsSelf(t *testing.T) {
	svc, _, registry := newDiscoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Publish(ctx, 8888))

	require.Eventually(t, func() bool {
		_, err := registry.Get(ctx, "alice")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	self, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, self.IsSelf)
	assert.Equal(t, "Alice", self.DisplayName)

	require.NoError(t, svc.Unpublish(ctx))
	require.Eventually(t, func() bool {
		_, err := registry.Get(ctx, "alice")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestDiscoveryService_StopClearsRegistry(t *testing.T) {
	svc, _, registry := newDiscoveryFixture(t,
		domain.ServiceRecord{Name: "bob", Addresses: []string{"10.0.0.2"}, Port: 8888},
	)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	require.Eventually(t, func() bool {
		_, err := registry.Get(ctx, "bob")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
	peers, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	// A new scan reports the records again.
	require.NoError(t, svc.Start(ctx))
	require.Eventually(t, func() bool {
		_, err := registry.Get(ctx, "bob")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
