package realtime

import (
	"testing"

	"callcenter-platform/internal/media"
)

func chunkWithSeq(seq int64) media.AudioChunk {
	return media.AudioChunk{Seq: seq, Format: media.FormatPCM16_16000, Payload: []byte{byte(seq)}}
}

func TestAudioBuffer_FIFODrain(t *testing.T) {
	b := NewAudioBuffer(10)
	for i := int64(1); i <= 5; i++ {
		b.Append(chunkWithSeq(i))
	}

	out := b.Drain()
	if len(out) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(out))
	}
	for i, c := range out {
		if c.Seq != int64(i+1) {
			t.Fatalf("chunk %d out of order: seq %d", i, c.Seq)
		}
	}
	if b.Len() != 0 {
		t.Fatalf("drain must empty the buffer")
	}
}

func TestAudioBuffer_DropsOldestOnOverflow(t *testing.T) {
	b := NewAudioBuffer(3)
	for i := int64(1); i <= 5; i++ {
		b.Append(chunkWithSeq(i))
	}

	if b.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", b.Dropped())
	}
	out := b.Drain()
	if len(out) != 3 {
		t.Fatalf("expected capacity-bounded buffer, got %d", len(out))
	}
	if out[0].Seq != 3 || out[2].Seq != 5 {
		t.Fatalf("expected newest 3 chunks, got seqs %d..%d", out[0].Seq, out[2].Seq)
	}
}

func TestAudioBuffer_RestoreKeepsOrder(t *testing.T) {
	b := NewAudioBuffer(10)
	b.Append(chunkWithSeq(4))
	b.Append(chunkWithSeq(5))

	b.Restore([]media.AudioChunk{chunkWithSeq(2), chunkWithSeq(3)})

	out := b.Drain()
	want := []int64{2, 3, 4, 5}
	if len(out) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(out))
	}
	for i, w := range want {
		if out[i].Seq != w {
			t.Fatalf("position %d: got seq %d, want %d", i, out[i].Seq, w)
		}
	}
}

func TestAudioBuffer_DefaultCapacity(t *testing.T) {
	b := NewAudioBuffer(0)
	for i := int64(0); i < DefaultBufferCapacity+10; i++ {
		b.Append(chunkWithSeq(i))
	}
	if b.Len() != DefaultBufferCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultBufferCapacity, b.Len())
	}
}
