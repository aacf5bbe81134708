package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dkeye/roguetalk/internal/domain"
)

// PCM16 is a lossless reference codec: little endian signed 16 bit samples.
// It stands in for Opus wherever a real encoder is not linked in.
type PCM16 struct{}

func (PCM16) Encode(pcm []float32) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("%w: NaN sample at %d", domain.ErrCodec, i)
		}
		v = max(-1, min(1, v))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(float64(v)*math.MaxInt16))))
	}
	return out, nil
}

func (PCM16) Decode(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", domain.ErrCodec, len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / math.MaxInt16
	}
	return out, nil
}
