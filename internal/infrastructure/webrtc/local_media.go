package webrtc

import (
	"context"
	"sync"
	"time"

	"lancall/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Opus comfort-noise frame and a minimal VP8 payload descriptor.
var (
	silenceFrame = []byte{0xf8, 0xff, 0xfe}
	blankFrame   = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

type localTrack struct {
	track     *webrtc.TrackLocalStaticRTP
	clockRate uint32
	interval  time.Duration
	payload   []byte
}

// LocalMedia is a synthetic capture source feeding static RTP tracks.
type LocalMedia struct {
	id     string
	tracks []localTrack
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newLocalMedia(constraints domain.MediaConstraints, audioInterval, videoInterval time.Duration, logger *zap.SugaredLogger) (*LocalMedia, error) {
	id := uuid.NewString()
	lm := &LocalMedia{id: id, logger: logger}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+id, "lancall-"+id,
		)
		if err != nil {
			return nil, err
		}
		lm.tracks = append(lm.tracks, localTrack{track: track, clockRate: 48000, interval: audioInterval, payload: silenceFrame})
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+id, "lancall-"+id,
		)
		if err != nil {
			return nil, err
		}
		lm.tracks = append(lm.tracks, localTrack{track: track, clockRate: 90000, interval: videoInterval, payload: blankFrame})
	}

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel
	for _, t := range lm.tracks {
		lm.wg.Add(1)
		go lm.pump(ctx, t)
	}
	return lm, nil
}

func (l *LocalMedia) ID() string { return l.id }

// Release stops the capture source. Tracks stay attached to any peer
// connection but carry no more packets.
func (l *LocalMedia) Release() error {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.logger.Debugw("local media released", "media_id", l.id)
	})
	return nil
}

func (l *LocalMedia) kinds() map[webrtc.RTPCodecType]bool {
	out := make(map[webrtc.RTPCodecType]bool, len(l.tracks))
	for _, t := range l.tracks {
		out[t.track.Kind()] = true
	}
	return out
}

// pump writes one packet per interval. Writes before the track is bound
// to a connection are dropped by pion.
func (l *LocalMedia) pump(ctx context.Context, t localTrack) {
	defer l.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	step := uint32(uint64(t.clockRate) * uint64(t.interval) / uint64(time.Second))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version: 2,
			Marker:  true,
		},
		Payload: t.payload,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.track.WriteRTP(pkt); err != nil {
				l.logger.Debugw("synthetic write failed", "track_id", t.track.ID(), "error", err)
			}
			pkt.SequenceNumber++
			pkt.Timestamp += step
		}
	}
}
