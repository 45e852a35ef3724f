package router

import "strings"

// Tier is the coarse device-capability classification driving the
// confidence bar.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// High-end markers are checked before low-end ones; anything unmatched is
// medium, including the empty descriptor.
var (
	highEndKeywords = []string{"high", "gpu", "cuda", "rtx", "v100", "a100", "h100", "apple m2", "apple m3"}
	lowEndKeywords  = []string{"low", "mobile", "phone", "android", "iphone", "ipad"}
)

// ClassifyDevice maps a free-text device descriptor onto a tier by
// case-insensitive substring match.
func ClassifyDevice(descriptor string) Tier {
	if descriptor == "" {
		return TierMedium
	}
	lower := strings.ToLower(descriptor)
	for _, kw := range highEndKeywords {
		if strings.Contains(lower, kw) {
			return TierHigh
		}
	}
	for _, kw := range lowEndKeywords {
		if strings.Contains(lower, kw) {
			return TierLow
		}
	}
	return TierMedium
}

// DefaultThresholds returns the per-tier confidence bars.
func DefaultThresholds() map[Tier]float32 {
	return map[Tier]float32{
		TierHigh:   0.95,
		TierMedium: 0.90,
		TierLow:    0.85,
	}
}
