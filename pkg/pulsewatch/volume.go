package pulsewatch

import (
	"math"

	"github.com/jfreymuth/pulse/proto"
)

// Direction indicates which way a relative volume change moves
type Direction int

const (
	// Increase raises the volume by a step
	Increase Direction = iota

	// Decrease lowers the volume by a step
	Decrease
)

const (
	// volumeNorm is the native value PulseAudio maps to 100% (0 dB).
	// Channel vectors are plain []uint32 on the wire.
	volumeNorm = uint32(0x10000)

	// volumeCeiling is the highest value the native scale can represent;
	// anything above it marks the whole vector as invalid
	volumeCeiling = uint32(math.MaxUint32 / 2)

	// uiMaxPercent is the loudest volume the protocol considers presentable
	// to a user (+11 dB); relative changes never push past it
	uiMaxPercent = 153

	// maxChannels matches the protocol's per-device channel limit
	maxChannels = 32

	// defaultChannels is the stereo fallback used when no valid vector is retained
	defaultChannels = 2
)

// validVolumes reports whether a fetched channel volume vector is structurally
// sound: at least one channel, within the protocol channel limit, and every
// value inside the representable native range.
func validVolumes(volumes proto.ChannelVolumes) bool {
	if len(volumes) < 1 || len(volumes) > maxChannels {
		return false
	}

	for _, v := range volumes {
		if v > volumeCeiling {
			return false
		}
	}

	return true
}

// percentFromVolumes converts a channel volume vector to a user-facing
// percentage by averaging all channels. Rounding is to the nearest integer,
// ties away from zero.
func percentFromVolumes(volumes proto.ChannelVolumes) int {
	if len(volumes) == 0 {
		return 0
	}

	total := 0.0
	for _, v := range volumes {
		total += float64(v)
	}

	average := total / float64(len(volumes))

	return int(math.Round(average / float64(volumeNorm) * 100.0))
}

// percentToVolume converts a user-facing percentage to the native linear scale
func percentToVolume(percent int) uint32 {
	return uint32(math.Round(float64(percent) * float64(volumeNorm) / 100.0))
}

// clampPercent clamps value into [min, max]
func clampPercent(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}

	return value
}

// uniformVolumes builds a vector with every channel set to the same percentage.
// Independent per-channel gain is not supported.
func uniformVolumes(percent int, channels int) proto.ChannelVolumes {
	volumes := make(proto.ChannelVolumes, channels)

	value := percentToVolume(percent)
	for i := range volumes {
		volumes[i] = value
	}

	return volumes
}

// stepVolumes derives a new channel volume vector from the current one,
// moving every channel by the same step. The step is clamped to the headroom
// left below max (or to the distance from zero on the way down), each channel
// is capped at the native ceiling and floored at zero, and a request already
// at its bound yields ok == false with no new vector.
//
// The input vector is never mutated.
func stepVolumes(current proto.ChannelVolumes, percent int, direction Direction, step float64, max int) (next proto.ChannelVolumes, ok bool) {
	if max > uiMaxPercent {
		max = uiMaxPercent
	}

	tick := float64(volumeNorm) / 100.0
	next = make(proto.ChannelVolumes, len(current))

	switch {
	case direction == Increase && percent < max:
		headroom := float64(max - percent)
		if step > headroom {
			step = headroom
		}
		change := uint32(math.Round(step * tick))

		for i, v := range current {
			if v > volumeCeiling-change {
				next[i] = volumeCeiling
			} else {
				next[i] = v + change
			}
		}

	case direction == Decrease && percent > 0:
		if step > float64(percent) {
			step = float64(percent)
		}
		change := uint32(math.Round(step * tick))

		for i, v := range current {
			if v > change {
				next[i] = v - change
			} else {
				next[i] = 0
			}
		}

	default:
		// already at the requested bound
		return nil, false
	}

	return next, true
}
