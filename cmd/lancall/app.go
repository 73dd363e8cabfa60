package main

import (
	"context"
	"net/http"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"
	"lancall/internal/core/services"
	httphandlers "lancall/internal/handlers/http"
	"lancall/internal/infrastructure/events"
	"lancall/internal/infrastructure/middleware"
	"lancall/internal/infrastructure/monitoring"
	"lancall/internal/infrastructure/repositories"
	signaltransport "lancall/internal/infrastructure/signal"
	webrtcinfra "lancall/internal/infrastructure/webrtc"
	"lancall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// app holds every long-lived component of a node.
type app struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	self      domain.PeerID
	startedAt time.Time

	repoFactory *repositories.RepositoryFactory
	registry    ports.PeerRegistry
	backend     ports.Discovery
	transport   *signaltransport.Transport
	client      *signaltransport.Client
	calls       *services.CallService
	discovery   *services.DiscoveryService
	health      *monitoring.HealthChecker
	router      *gin.Engine
}

func newApp(cfg *config.Config, zapLogger *zap.Logger, reg *prometheus.Registry) (*app, error) {
	log := zapLogger.Sugar()
	a := &app{
		cfg:       cfg,
		log:       log,
		self:      domain.PeerID(cfg.Node.Identifier),
		startedAt: time.Now(),
	}

	a.repoFactory = repositories.NewRepositoryFactory(cfg, log)
	a.registry = a.repoFactory.CreatePeerRegistry()
	a.backend = a.repoFactory.CreateDiscovery()

	collector := monitoring.NewPrometheusCollector(reg)
	hub := events.NewHub(log)
	collector.ObserveEventHub(hub)

	// Signaling transport
	transportOpts := signaltransport.DefaultOptions()
	transportOpts.Host = cfg.Signal.Host
	transportOpts.HeaderTimeout = cfg.Signal.HeaderTimeout
	transportOpts.BodyTimeout = cfg.Signal.BodyTimeout
	transportOpts.MaxHeaderBytes = cfg.Signal.MaxHeaderBytes
	transportOpts.MaxBodyBytes = cfg.Signal.MaxBodyBytes
	a.transport = signaltransport.NewTransport(transportOpts, collector, zapLogger)

	a.client = signaltransport.NewClient(signaltransport.ClientOptions{
		Timeout:   cfg.Signal.SendTimeout,
		Self:      a.self,
		LocalPort: cfg.Signal.Port,
	}, collector, zapLogger)

	// Media engine
	engineConfig := webrtcinfra.Config{}
	for _, s := range cfg.WebRTC.ICEServers {
		engineConfig.ICEServers = append(engineConfig.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	engineConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	engine, err := webrtcinfra.NewEngine(engineConfig, log)
	if err != nil {
		_ = a.repoFactory.Close()
		return nil, err
	}

	a.calls = services.NewCallService(services.CallConfig{
		Self:           a.self,
		Constraints:    domain.MediaConstraints{Audio: cfg.Call.Audio, Video: cfg.Call.Video},
		CallingTimeout: cfg.Call.Timeout,
		SendTimeout:    cfg.Signal.SendTimeout,
	}, engine, a.client, a.registry, hub, collector, log)
	a.transport.SetHandler(a.calls)

	a.discovery = services.NewDiscoveryService(services.DiscoveryConfig{
		ServiceType: cfg.Discovery.ServiceType,
		Protocol:    cfg.Discovery.Protocol,
		Domain:      cfg.Discovery.Domain,
		Self:        a.self,
		DisplayName: cfg.Node.DisplayName,
	}, a.backend, a.registry, log)

	// Health checks
	a.health = monitoring.NewHealthChecker()
	a.health.AddTransportCheck(a.transport)
	if rc := a.repoFactory.RedisClient(); rc != nil {
		a.health.AddRedisCheck(rc, 2*time.Second)
	}

	a.router = a.newRouter(hub, reg)
	return a, nil
}

func (a *app) newRouter(hub *events.Hub, reg *prometheus.Registry) *gin.Engine {
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(a.log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(a.cfg))

	httphandlers.NewCallHandler(a.calls, a.registry, a.client, a.self).SetupRoutes(router)
	httphandlers.NewEventsHandler(hub, a.calls.Current, a.log).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(a.startedAt).String(),
			"identifier":  a.self,
			"signal_port": a.transport.Port(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := a.health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if a.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		a.log.Info("Prometheus metrics enabled")
	}
	return router
}

// start opens the signaling port and joins discovery. A node whose port
// is taken keeps running without advertising itself: it can still browse
// peers and place calls, and /ready reports the transport as down.
func (a *app) start(ctx context.Context) {
	listening := true
	if err := a.transport.Start(a.cfg.Signal.Port); err != nil {
		listening = false
		a.log.Errorw("signaling transport unavailable, this node will not be advertised",
			"port", a.cfg.Signal.Port,
			"error", err,
		)
	}

	if !a.cfg.Discovery.Enabled {
		return
	}
	if err := a.discovery.Start(ctx); err != nil {
		a.log.Warnw("discovery scan failed to start", "error", err)
	}
	if !listening {
		return
	}
	if err := a.discovery.Publish(ctx, a.transport.Port()); err != nil {
		a.log.Warnw("failed to advertise this node", "error", err)
	}
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.calls.Close(ctx); err != nil {
		a.log.Errorw("error closing call service", "error", err)
	}
	if err := a.discovery.Unpublish(ctx); err != nil {
		a.log.Warnw("failed to withdraw advertisement", "error", err)
	}
	if err := a.discovery.Stop(ctx); err != nil {
		a.log.Warnw("error stopping discovery", "error", err)
	}
	if closer, ok := a.backend.(repositories.Closer); ok {
		if err := closer.Close(ctx); err != nil {
			a.log.Warnw("error closing discovery backend", "error", err)
		}
	}
	if err := a.transport.Stop(); err != nil {
		a.log.Errorw("error stopping signaling transport", "error", err)
	}
	if err := a.repoFactory.Close(); err != nil {
		a.log.Errorw("error closing repository factory", "error", err)
	}
}
