package audio

import (
	"encoding/base64"
	"errors"
	"time"
)

// Telephony media arrives as G.711 mu-law at 8 kHz, one byte per sample.
const (
	SampleRate      = 8000
	FrameDuration   = 20 * time.Millisecond
	SamplesPerFrame = 160 // SampleRate * FrameDuration
	BytesPerFrame   = SamplesPerFrame
)

var ErrMalformedAudio = errors.New("audio: malformed payload")

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// decodeTable maps every mu-law byte to its linear PCM16 value.
var decodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + muLawBias) << exponent
		sample -= muLawBias
		if sign != 0 {
			sample = -sample
		}
		decodeTable[i] = int16(sample)
	}
}

// EncodeSample converts one linear PCM16 sample to its mu-law byte.
func EncodeSample(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeSample converts one mu-law byte to its linear PCM16 sample.
func DecodeSample(b byte) int16 {
	return decodeTable[b]
}

// EncodePCM encodes linear PCM16 samples to mu-law bytes.
func EncodePCM(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeSample(s)
	}
	return out
}

// DecodePCM decodes mu-law bytes to linear PCM16 samples.
func DecodePCM(mu []byte) []int16 {
	out := make([]int16, len(mu))
	for i, b := range mu {
		out[i] = decodeTable[b]
	}
	return out
}

// DecodePayload decodes a base64 media payload into raw mu-law bytes.
// An empty or undecodable payload is malformed; any decoded length is
// accepted since carriers do not guarantee fixed-size packets.
func DecodePayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrMalformedAudio
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrMalformedAudio
	}
	if len(raw) == 0 {
		return nil, ErrMalformedAudio
	}
	return raw, nil
}

// EncodePayload encodes raw mu-law bytes into a base64 media payload.
func EncodePayload(mu []byte) string {
	return base64.StdEncoding.EncodeToString(mu)
}
