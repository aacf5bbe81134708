// Package audio is the client side voice path: distance attenuation,
// mixing, silence suppression and jitter buffering.
package audio

const (
	SampleRate = 48000
	Channels   = 1
	// FrameSize is 20ms of mono audio at 48kHz.
	FrameSize = 960
)

// Gain maps a distance to a linear volume: 1 inside connect, 0 at or past
// disconnect, straight line in between.
func Gain(distance, connect, disconnect float64) float64 {
	if distance <= connect {
		return 1
	}
	if distance >= disconnect || disconnect <= connect {
		return 0
	}
	return 1 - (distance-connect)/(disconnect-connect)
}
