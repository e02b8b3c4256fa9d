package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Utterance uploads are mono Opus at the capture rate, 20 ms frame size.
const (
	opusFrameMs = 20
	// maxOpusPacket bounds a single encoded 20 ms packet.
	maxOpusPacket = 4000
)

// OpusEncoder compresses a captured utterance before upload. The encoder is
// stateful across frames of one utterance; create a fresh one per utterance
// or call it from a single goroutine only.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per 20 ms frame
}

// NewOpusEncoder creates an encoder for the given capture format. Voice
// mode is used since the input is always speech.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameMs / 1000,
	}, nil
}

// EncodeUtterance splits a full utterance of little-endian int16 PCM into
// 20 ms frames and encodes each into one length-prefixed Opus packet:
// a 2-byte big-endian packet length followed by the packet. A trailing
// partial frame is zero-padded to frame size. Returns the concatenated
// packet stream.
func (e *OpusEncoder) EncodeUtterance(pcm []byte) ([]byte, error) {
	samples := BytesToInt16s(pcm)
	step := e.frameSize * e.channels
	out := make([]byte, 0, len(pcm)/4)
	for off := 0; off < len(samples); off += step {
		frame := samples[off:min(off+step, len(samples))]
		if len(frame) < step {
			padded := make([]int16, step)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := e.enc.Encode(frame, e.frameSize, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode frame at sample %d: %w", off, err)
		}
		out = append(out, byte(len(pkt)>>8), byte(len(pkt)))
		out = append(out, pkt...)
	}
	return out, nil
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return pcm
}
