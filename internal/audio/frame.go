package audio

import "math"

// Wire format: 20 ms of 16 kHz mono PCM, 16-bit signed little-endian.
const (
	SampleRate    = 16000
	FrameSamples  = 320
	FrameBytes    = FrameSamples * 2
	FrameDuration = 20 // milliseconds
)

// duckGain is the numerator of the multi-speaker duck-mix gain. With k
// contributing speakers the mix is scaled by duckGain/k so amplitude does
// not run away as speakers accumulate; a single speaker passes at unit gain.
const duckGain = 0.7

// Decode converts one 640-byte frame into normalised float32 samples in
// [-1, 1). Returns false when the buffer is not exactly one frame long.
func Decode(frame []byte) ([FrameSamples]float32, bool) {
	var out [FrameSamples]float32
	if len(frame) != FrameBytes {
		return out, false
	}
	for i := 0; i < FrameSamples; i++ {
		s := int16(frame[2*i]) | int16(frame[2*i+1])<<8
		out[i] = float32(s) / 32768
	}
	return out, true
}

// Encode converts float samples back into a 640-byte frame, rounding to the
// nearest step and saturating at ±32767.
func Encode(samples *[FrameSamples]float32) []byte {
	out := make([]byte, FrameBytes)
	for i, f := range samples {
		v := int32(math.Round(float64(f) * 32768))
		if v > 32767 {
			v = 32767
		} else if v < -32767 {
			v = -32767
		}
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// Gain returns the duck-mix gain for k contributing speakers: unity for a
// single speaker, duckGain/k beyond that.
func Gain(k int) float32 {
	if k <= 1 {
		return 1
	}
	return duckGain / float32(k)
}

// Mix sums the given frames, applies the duck-mix gain for len(frames)
// speakers and a per-sample tanh soft-clip, and encodes the result. Frames
// of the wrong length are skipped; returns nil when nothing contributed.
func Mix(frames [][]byte) []byte {
	var sum [FrameSamples]float32
	k := 0
	for _, f := range frames {
		samples, ok := Decode(f)
		if !ok {
			continue
		}
		for i := range sum {
			sum[i] += samples[i]
		}
		k++
	}
	if k == 0 {
		return nil
	}
	gain := Gain(k)
	for i := range sum {
		sum[i] = float32(math.Tanh(float64(sum[i] * gain)))
	}
	return Encode(&sum)
}
