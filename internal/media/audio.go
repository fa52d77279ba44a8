package media

import "time"

// Format identifies the encoding of an AudioChunk payload.
type Format string

const (
	// FormatULaw8000 is 8-bit mu-law at 8 kHz, the common carrier leg format.
	FormatULaw8000 Format = "mulaw_8000"
	// FormatPCM16_16000 is 16-bit little-endian PCM at 16 kHz, the unified
	// internal format handed to realtime providers.
	FormatPCM16_16000 Format = "pcm16_16000"
	// FormatPCM16_24000 is 16-bit little-endian PCM at 24 kHz, used by some
	// end-to-end providers for synthesized output.
	FormatPCM16_24000 Format = "pcm16_24000"
)

// SampleRate returns the sample rate in Hz for the format.
func (f Format) SampleRate() int {
	switch f {
	case FormatULaw8000:
		return 8000
	case FormatPCM16_16000:
		return 16000
	case FormatPCM16_24000:
		return 24000
	default:
		return 0
	}
}

// AudioChunk is the carrier- and provider-agnostic unit of audio.
//
// Within one session chunks are ordered by Seq; buffering during
// reconnection preserves that order.
type AudioChunk struct {
	CallID string `json:"call_id,omitempty"`
	Seq    int64  `json:"seq"`

	Format  Format `json:"format"`
	Payload []byte `json:"payload"`

	CapturedAt time.Time `json:"captured_at,omitempty"`
}
