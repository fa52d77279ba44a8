package media

// mu-law codec per ITU-T G.711. Carriers stream mu-law 8 kHz; providers
// want linear PCM, so adapters translate at the boundary.

const ulawBias = 0x84
const ulawClip = 32635

// EncodeULaw converts one 16-bit linear PCM sample to mu-law.
func EncodeULaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// DecodeULaw converts one mu-law byte to a 16-bit linear PCM sample.
func DecodeULaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	s := (int32(mantissa)<<3 + ulawBias) << uint(exponent)
	s -= ulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// ULawToPCM16 decodes a mu-law payload into little-endian PCM16 bytes.
func ULawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := DecodeULaw(b)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToULaw encodes little-endian PCM16 bytes into a mu-law payload.
// A trailing odd byte is ignored.
func PCM16ToULaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(in[2*i]) | int16(in[2*i+1])<<8
		out[i] = EncodeULaw(s)
	}
	return out
}

// Upsample8kTo16k doubles the rate of little-endian PCM16 audio by linear
// interpolation. Good enough for speech; providers resample internally
// anyway.
func Upsample8kTo16k(in []byte) []byte {
	n := len(in) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*4)
	prev := int16(in[0]) | int16(in[1])<<8
	for i := 0; i < n; i++ {
		cur := int16(in[2*i]) | int16(in[2*i+1])<<8
		mid := int16((int32(prev) + int32(cur)) / 2)
		out[4*i] = byte(mid)
		out[4*i+1] = byte(mid >> 8)
		out[4*i+2] = byte(cur)
		out[4*i+3] = byte(cur >> 8)
		prev = cur
	}
	return out
}

// Downsample16kTo8k halves the rate of little-endian PCM16 audio by
// dropping every other sample.
func Downsample16kTo8k(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, 0, n)
	for i := 0; i < n; i += 2 {
		out = append(out, in[2*i], in[2*i+1])
	}
	return out
}
