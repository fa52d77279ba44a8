package realtime

import (
	"sync"

	"callcenter-platform/internal/media"
)

// AudioBuffer is the bounded FIFO holding outbound audio produced while a
// session is reconnecting.
//
// Invariants:
// - Append never blocks the producer; on overflow the oldest chunk is
//   dropped and counted.
// - Drain returns chunks in append order and empties the buffer.
type AudioBuffer struct {
	mu       sync.Mutex
	capacity int
	chunks   []media.AudioChunk
	dropped  int64
}

const DefaultBufferCapacity = 100

func NewAudioBuffer(capacity int) *AudioBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &AudioBuffer{capacity: capacity}
}

// Append queues a chunk, evicting the oldest when full.
func (b *AudioBuffer) Append(chunk media.AudioChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) >= b.capacity {
		over := len(b.chunks) - b.capacity + 1
		b.chunks = b.chunks[over:]
		b.dropped += int64(over)
	}
	b.chunks = append(b.chunks, chunk)
}

// Drain removes and returns all buffered chunks in FIFO order.
func (b *AudioBuffer) Drain() []media.AudioChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = nil
	return out
}

// Restore puts unsent chunks back at the head of the queue so a failed
// replay can resume in order on the next attempt.
func (b *AudioBuffer) Restore(chunks []media.AudioChunk) {
	if len(chunks) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(append([]media.AudioChunk(nil), chunks...), b.chunks...)
	if over := len(b.chunks) - b.capacity; over > 0 {
		b.chunks = b.chunks[over:]
		b.dropped += int64(over)
	}
}

func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Dropped reports how many chunks were evicted on overflow.
func (b *AudioBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
