// Package audio defines the audio transport types and device abstractions for
// Voxprep, plus the playback [Sequencer] that turns incrementally arriving
// reply fragments into one gapless utterance.
//
// The two device-side abstractions are:
//
//   - [Source] — delivers microphone frames as they are captured.
//   - [Sink] — accepts PCM chunks for immediate playback on the output device.
//
// Implementations are provided by adapter packages (audio/device for a local
// portaudio device, audio/wsbridge for a browser bridge). The interfaces are
// intentionally narrow so the interview controller stays decoupled from the
// platform media API.
//
// This package lives under pkg/ because external code (alternative device
// adapters) is expected to implement [Source] and [Sink].
package audio

// Source is a live audio input. Implementations own the underlying device
// or network stream and must be safe for concurrent use.
type Source interface {
	// Frames returns the channel on which captured frames are delivered.
	// The channel is closed when the source terminates, either via [Source.Close]
	// or because the underlying device failed; after it closes, call
	// [Source.Err] to distinguish the two.
	Frames() <-chan Frame

	// Err reports the failure that closed the Frames channel, or nil after a
	// clean Close. Valid only after the channel has closed.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls return nil.
	Close() error
}

// Sink is a playback output. Play is synchronous: it returns once the chunk
// has been handed to the output device, which is what allows the [Sequencer]
// to know when an utterance has fully drained.
//
// Implementations must be safe for concurrent use, though the Sequencer is
// the only writer in practice.
type Sink interface {
	// Play writes one PCM chunk to the output device, blocking until the
	// device has consumed it.
	Play(pcm []byte) error

	// Close releases the output device. Safe to call more than once.
	Close() error
}
