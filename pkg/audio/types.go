package audio

import "time"

// Frame is a single chunk of raw PCM flowing through the capture pipeline.
// Frames are the atomic unit of audio transport: captured from an input
// source, measured for level, analysed by voice-activity detection, and
// buffered into utterances.
type Frame struct {
	// Data holds 16-bit little-endian signed PCM samples, interleaved when
	// Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for speech capture, 24000 for reply playback).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo playback devices.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play length of the frame, or zero when the format
// fields are not set.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 || len(f.Data) == 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
