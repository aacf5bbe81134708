package audio

import "math"

// Mix sums frames sample by sample and soft clips the result with tanh.
// Short frames are zero padded and long ones truncated to FrameSize.
func Mix(frames [][]float32) []float32 {
	out := make([]float32, FrameSize)
	if len(frames) == 0 {
		return out
	}
	acc := make([]float64, FrameSize)
	for _, f := range frames {
		n := min(len(f), FrameSize)
		for i := 0; i < n; i++ {
			acc[i] += float64(f[i])
		}
	}
	for i, v := range acc {
		out[i] = float32(math.Tanh(v))
	}
	return out
}

// Attenuate returns a scaled copy of frame.
func Attenuate(frame []float32, gain float64) []float32 {
	out := make([]float32, len(frame))
	g := float32(gain)
	for i, v := range frame {
		out[i] = v * g
	}
	return out
}

// Peak is the largest absolute sample value.
func Peak(frame []float32) float32 {
	var p float32
	for _, v := range frame {
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return p
}
