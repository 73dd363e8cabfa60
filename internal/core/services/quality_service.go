package services

import (
	"time"

	"lancall/internal/core/domain"
)

type qualityThreshold struct {
	PacketLoss float64
	Jitter     time.Duration
}

// QualityService grades a call's media path from receiver reports.
type QualityService struct {
	thresholds map[domain.LinkQuality]qualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.LinkQuality]qualityThreshold{
			domain.QualityHigh: {
				PacketLoss: 0.01,
				Jitter:     30 * time.Millisecond,
			},
			domain.QualityMedium: {
				PacketLoss: 0.05,
				Jitter:     50 * time.Millisecond,
			},
		},
	}
}

func (qs *QualityService) Classify(packetLoss float64, jitter time.Duration) domain.LinkQuality {
	if qs.meets(packetLoss, jitter, qs.thresholds[domain.QualityHigh]) {
		return domain.QualityHigh
	} else if qs.meets(packetLoss, jitter, qs.thresholds[domain.QualityMedium]) {
		return domain.QualityMedium
	}
	return domain.QualityLow
}

func (qs *QualityService) meets(packetLoss float64, jitter time.Duration, t qualityThreshold) bool {
	return packetLoss <= t.PacketLoss && jitter <= t.Jitter
}

// Next returns the level to report given the current one. A level only
// drops once the report is clearly past its threshold and only rises once
// the report is clearly inside the next one, so a link hovering at a
// boundary does not flap.
func (qs *QualityService) Next(current domain.LinkQuality, packetLoss float64, jitter time.Duration) domain.LinkQuality {
	raw := qs.Classify(packetLoss, jitter)
	if current == "" || raw == current {
		return raw
	}

	switch current {
	case domain.QualityHigh:
		t := qs.thresholds[domain.QualityHigh]
		if packetLoss > t.PacketLoss*2 || float64(jitter) > float64(t.Jitter)*1.5 {
			return raw
		}
		return current
	case domain.QualityMedium:
		if raw == domain.QualityHigh {
			t := qs.thresholds[domain.QualityHigh]
			if packetLoss <= t.PacketLoss*0.8 && float64(jitter) <= float64(t.Jitter)*0.8 {
				return raw
			}
			return current
		}
		t := qs.thresholds[domain.QualityMedium]
		if packetLoss > t.PacketLoss*2 || float64(jitter) > float64(t.Jitter)*1.5 {
			return raw
		}
		return current
	default:
		t := qs.thresholds[domain.QualityMedium]
		if packetLoss <= t.PacketLoss*0.8 && float64(jitter) <= float64(t.Jitter)*0.8 {
			return raw
		}
		return current
	}
}
