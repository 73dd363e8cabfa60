package discovery

import (
	"context"
	"testing"
	"time"

	"lancall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(t *testing.T, s *Static, n int) []domain.DiscoveryEvent {
	t.Helper()
	var out []domain.DiscoveryEvent
	for len(out) < n {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestStatic_ScanReportsRecords(t *testing.T) {
	s := NewStatic([]domain.ServiceRecord{
		{Name: "desk-b", Addresses: []string{"192.168.1.20"}, Port: 8888},
	}, zap.NewNop().Sugar())

	ok, err := s.Scan(context.Background(), "_lancall", "_tcp", "local.")
	require.NoError(t, err)
	require.True(t, ok)

	events := collect(t, s, 2)
	assert.Equal(t, domain.DiscoveryFound, events[0].Type)
	assert.Equal(t, domain.DiscoveryResolved, events[1].Type)
	require.NotNil(t, events[1].Record)
	assert.Equal(t, "192.168.1.20", events[1].Record.Addresses[0])

	ok, _ = s.Scan(context.Background(), "_lancall", "_tcp", "local.")
	assert.False(t, ok)
}

func TestStatic_PublishLoopsBackWhileScanning(t *testing.T) {
	s := NewStatic(nil, zap.NewNop().Sugar(), "10.0.0.5")
	_, err := s.Scan(context.Background(), "_lancall", "_tcp", "local.")
	require.NoError(t, err)

	ok, err := s.Publish(context.Background(), "_lancall", "_tcp", "local.", "me", 9000, map[string]string{"displayName": "Me"})
	require.NoError(t, err)
	require.True(t, ok)

	events := collect(t, s, 2)
	require.NotNil(t, events[1].Record)
	assert.Equal(t, "me", events[1].Record.Name)
	assert.Equal(t, []string{"10.0.0.5"}, events[1].Record.Addresses)
	assert.Equal(t, 9000, events[1].Record.Port)

	ok, err = s.Unpublish(context.Background(), "me")
	require.NoError(t, err)
	assert.True(t, ok)
	removed := collect(t, s, 1)
	assert.Equal(t, domain.DiscoveryRemoved, removed[0].Type)

	ok, _ = s.Unpublish(context.Background(), "me")
	assert.False(t, ok)
}

func TestStatic_StopSilencesEvents(t *testing.T) {
	s := NewStatic(nil, zap.NewNop().Sugar())
	require.NoError(t, s.Stop())

	_, err := s.Publish(context.Background(), "_lancall", "_tcp", "local.", "me", 9000, nil)
	require.NoError(t, err)

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
