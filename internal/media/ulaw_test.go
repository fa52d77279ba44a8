package media

import "testing"

func TestULawRoundTrip(t *testing.T) {
	// mu-law is lossy; round-tripping must stay within one quantization step.
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		got := DecodeULaw(EncodeULaw(s))
		diff := int32(got) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		// Step size grows with amplitude; allow the coarsest segment.
		if diff > 1024 {
			t.Fatalf("sample %d decoded to %d (diff %d)", s, got, diff)
		}
	}
}

func TestULawSilence(t *testing.T) {
	if got := DecodeULaw(EncodeULaw(0)); got != 0 {
		t.Fatalf("silence must round-trip exactly, got %d", got)
	}
}

func TestULawToPCM16Length(t *testing.T) {
	in := []byte{0xFF, 0x7F, 0x00}
	out := ULawToPCM16(in)
	if len(out) != 6 {
		t.Fatalf("expected 2 bytes per sample, got %d", len(out))
	}
	back := PCM16ToULaw(out)
	if len(back) != 3 {
		t.Fatalf("expected 3 mu-law bytes, got %d", len(back))
	}
}

func TestResampleLengths(t *testing.T) {
	in := make([]byte, 160*2) // 160 samples
	up := Upsample8kTo16k(in)
	if len(up) != 160*4 {
		t.Fatalf("expected doubled sample count, got %d bytes", len(up))
	}
	down := Downsample16kTo8k(up)
	if len(down) != 160*2 {
		t.Fatalf("expected halved sample count, got %d bytes", len(down))
	}
}

func TestFormatSampleRate(t *testing.T) {
	if FormatULaw8000.SampleRate() != 8000 {
		t.Fatalf("mulaw_8000 rate")
	}
	if FormatPCM16_16000.SampleRate() != 16000 {
		t.Fatalf("pcm16_16000 rate")
	}
	if Format("bogus").SampleRate() != 0 {
		t.Fatalf("unknown format must report 0")
	}
}
