package webrtc

import (
	"context"
	"fmt"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the media engine configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// AudioInterval and VideoInterval pace the synthetic capture source.
	AudioInterval time.Duration
	VideoInterval time.Duration
}

// Engine creates pion peer connections and local capture handles.
type Engine struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.MediaEngine = (*Engine)(nil)

func NewEngine(config Config, logger *zap.SugaredLogger) (*Engine, error) {
	if config.AudioInterval <= 0 {
		config.AudioInterval = 20 * time.Millisecond
	}
	if config.VideoInterval <= 0 {
		config.VideoInterval = 33 * time.Millisecond
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Default interceptors generate the receiver reports the quality
	// tracking reads back.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Engine{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

// AcquireLocalMedia starts a capture source for the requested kinds.
func (e *Engine) AcquireLocalMedia(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("no audio or video requested")
	}
	local, err := newLocalMedia(constraints, e.config.AudioInterval, e.config.VideoInterval, e.logger)
	if err != nil {
		return nil, err
	}
	e.logger.Debugw("local media acquired", "media_id", local.ID(), "audio", constraints.Audio, "video", constraints.Video)
	return local, nil
}

func (e *Engine) NewSession(observer ports.MediaObserver) (ports.MediaSession, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newSession(pc, observer, e.logger), nil
}
