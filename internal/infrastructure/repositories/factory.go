package repositories

import (
	"context"
	"net"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/internal/infrastructure/discovery"
	"lancall/internal/infrastructure/repositories/memory"
	redisrepo "lancall/internal/infrastructure/repositories/redis"
	"lancall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Closer is implemented by discovery backends that hold resources.
type Closer interface {
	Close(ctx context.Context) error
}

// RepositoryFactory creates the peer registry and the discovery backend,
// falling back to the static backend when Redis is unreachable.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Discovery.Enabled && cfg.Discovery.Backend == "redis" {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to static discovery",
				"error", err,
			)
		} else {
			factory.useRedis = true
			factory.redisClient = client
		}
	}

	return factory
}

func (f *RepositoryFactory) CreatePeerRegistry() ports.PeerRegistry {
	return memory.NewMemoryPeerRegistry()
}

// CreateDiscovery returns the configured discovery backend.
func (f *RepositoryFactory) CreateDiscovery() ports.Discovery {
	if f.useRedis {
		f.logger.Info("using Redis discovery directory")
		return redisrepo.NewDirectory(f.redisClient, redisrepo.DirectoryOptions{
			InstanceID:      f.cfg.Node.Identifier,
			Addresses:       LocalAddresses(),
			TTL:             f.cfg.Discovery.TTL,
			RefreshInterval: f.cfg.Discovery.RefreshInterval,
		}, f.logger)
	}

	f.logger.Info("using static discovery")
	records := make([]domain.ServiceRecord, 0, len(f.cfg.Discovery.Peers))
	for _, p := range f.cfg.Discovery.Peers {
		records = append(records, domain.ServiceRecord{
			Name:       p.Name,
			Addresses:  p.Addresses,
			Port:       p.Port,
			Attributes: map[string]string{"displayName": p.Name},
		})
	}
	return discovery.NewStatic(records, f.logger, LocalAddresses()...)
}

// RedisClient returns the directory connection, or nil when discovery
// does not use Redis.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

// LocalAddresses lists this host's non-loopback unicast IPs, IPv4 first.
func LocalAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var v4, v6 []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() || ipnet.IP.IsMulticast() {
			continue
		}
		if ipnet.IP.To4() != nil {
			v4 = append(v4, ipnet.IP.String())
		} else {
			v6 = append(v6, ipnet.IP.String())
		}
	}
	return append(v4, v6...)
}
