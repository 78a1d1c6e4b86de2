package audio

import (
	"bytes"
	"math"
	"testing"
)

func pcmFrame(sample int16) []byte {
	f := make([]byte, FrameBytes)
	for i := 0; i < FrameSamples; i++ {
		f[2*i] = byte(sample)
		f[2*i+1] = byte(sample >> 8)
	}
	return f
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 2, FrameBytes - 1, FrameBytes + 1, 2 * FrameBytes} {
		if _, ok := Decode(make([]byte, n)); ok {
			t.Fatalf("decode accepted %d-byte buffer", n)
		}
	}
	if _, ok := Decode(make([]byte, FrameBytes)); !ok {
		t.Fatalf("decode rejected a %d-byte frame", FrameBytes)
	}
}

func TestDecodeLittleEndianSigned(t *testing.T) {
	f := pcmFrame(-32768)
	samples, ok := Decode(f)
	if !ok {
		t.Fatal("decode failed")
	}
	if samples[0] != -1 {
		t.Fatalf("expected -1 for full-scale negative, got %v", samples[0])
	}

	f = pcmFrame(16384)
	samples, _ = Decode(f)
	if samples[0] != 0.5 {
		t.Fatalf("expected 0.5 for half-scale positive, got %v", samples[0])
	}
}

func TestEncodeSaturates(t *testing.T) {
	var samples [FrameSamples]float32
	samples[0] = 1.5
	samples[1] = -1.5
	out := Encode(&samples)

	if got := int16(out[0]) | int16(out[1])<<8; got != 32767 {
		t.Fatalf("expected +32767 saturation, got %d", got)
	}
	if got := int16(out[2]) | int16(out[3])<<8; got != -32767 {
		t.Fatalf("expected -32767 saturation, got %d", got)
	}
}

func TestGainPolicy(t *testing.T) {
	cases := []struct {
		k    int
		want float32
	}{
		{0, 1},
		{1, 1},
		{2, 0.35},
		{7, 0.1},
	}
	for _, c := range cases {
		got := Gain(c.k)
		if math.Abs(float64(got-c.want)) > 1e-6 {
			t.Fatalf("Gain(%d) = %v, want %v", c.k, got, c.want)
		}
	}
}

func TestMixSingleSilentSpeakerIsExactSilence(t *testing.T) {
	out := Mix([][]byte{make([]byte, FrameBytes)})
	if out == nil {
		t.Fatal("expected a mixed frame")
	}
	if !bytes.Equal(out, make([]byte, FrameBytes)) {
		t.Fatal("silence did not mix to exact silence")
	}
}

func TestMixSingleSpeakerLowAmplitudeWithinOneStep(t *testing.T) {
	// At unity gain the tanh soft-clip is within one int16 step of identity
	// for low amplitudes (|v|^3/3 <= 32768^2), so a lone quiet speaker comes
	// through essentially untouched.
	in := pcmFrame(1000)
	out := Mix([][]byte{in})
	if out == nil {
		t.Fatal("expected a mixed frame")
	}
	for i := 0; i < FrameSamples; i++ {
		got := int16(out[2*i]) | int16(out[2*i+1])<<8
		if d := int(got) - 1000; d < -1 || d > 1 {
			t.Fatalf("sample %d: got %d, want 1000 +/- 1", i, got)
		}
	}
}

func TestMixTwoSpeakersApplyDuckGain(t *testing.T) {
	a := pcmFrame(3277) // ~0.1
	b := pcmFrame(3277)
	out := Mix([][]byte{a, b})
	if out == nil {
		t.Fatal("expected a mixed frame")
	}

	sum := 2 * float64(3277) / 32768
	want := int16(math.Round(math.Tanh(sum*0.35) * 32768))
	got := int16(out[0]) | int16(out[1])<<8
	if got != want {
		t.Fatalf("two-speaker mix sample = %d, want %d", got, want)
	}
}

func TestMixSkipsMalformedFrames(t *testing.T) {
	good := pcmFrame(1000)
	out := Mix([][]byte{good, make([]byte, FrameBytes-1)})
	if out == nil {
		t.Fatal("expected a mixed frame")
	}
	// The malformed frame must not count toward the gain divisor.
	got := int16(out[0]) | int16(out[1])<<8
	if d := int(got) - 1000; d < -1 || d > 1 {
		t.Fatalf("expected unity gain with one contributor, got sample %d", got)
	}
}

func TestMixNoContributorsReturnsNil(t *testing.T) {
	if out := Mix(nil); out != nil {
		t.Fatalf("expected nil for empty input, got %d bytes", len(out))
	}
	if out := Mix([][]byte{make([]byte, 3)}); out != nil {
		t.Fatal("expected nil when every frame is malformed")
	}
}
