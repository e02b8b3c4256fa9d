// Package device implements [audio.Source] and [audio.Sink] on a local
// sound device via portaudio. It is the adapter used when voxprep runs as a
// desktop CLI rather than behind the browser bridge.
//
// portaudio requires process-wide Initialize/Terminate bracketing; the
// package refcounts users so several streams can coexist in one process.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voxprep/voxprep/pkg/audio"
)

const framesPerBuffer = 1024

var (
	paMu   sync.Mutex
	paRefs int
)

func acquirePortaudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("device: initialize portaudio: %w", err)
		}
	}
	paRefs++
	return nil
}

func releasePortaudio() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("device: terminate portaudio", "err", err)
		}
	}
}

// Source captures microphone audio from the default input device and
// delivers it as [audio.Frame] values.
type Source struct {
	stream *portaudio.Stream

	frames chan audio.Frame
	stop   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSource opens the default input device at the given mono sample rate
// and starts delivering frames immediately.
func NewSource(sampleRate int) (*Source, error) {
	if err := acquirePortaudio(); err != nil {
		return nil, err
	}

	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		releasePortaudio()
		return nil, fmt.Errorf("device: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortaudio()
		return nil, fmt.Errorf("device: start input stream: %w", err)
	}

	s := &Source{
		stream: stream,
		frames: make(chan audio.Frame, 16),
		stop:   make(chan struct{}),
	}
	go s.capture(buf, sampleRate)
	return s, nil
}

func (s *Source) capture(buf []int16, sampleRate int) {
	defer close(s.frames)
	start := time.Now()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = fmt.Errorf("device: read input: %w", err)
			}
			s.mu.Unlock()
			return
		}
		frame := audio.Frame{
			Data:       audio.Int16sToBytes(buf),
			SampleRate: sampleRate,
			Channels:   1,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		default:
			// Consumer is behind; dropping is better than stalling the device.
			slog.Debug("device: dropping capture frame, consumer behind")
		}
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.stream.Stop()
	err := s.stream.Close()
	releasePortaudio()
	if err != nil {
		return fmt.Errorf("device: close input stream: %w", err)
	}
	return nil
}

// Sink plays PCM chunks on the default output device. Play blocks until the
// chunk has been written to the device, which gives the playback sequencer
// its drain signal.
type Sink struct {
	mu         sync.Mutex
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	closed     bool
}

// NewSink opens the default output device at the given mono sample rate.
func NewSink(sampleRate int) (*Sink, error) {
	if err := acquirePortaudio(); err != nil {
		return nil, err
	}

	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		releasePortaudio()
		return nil, fmt.Errorf("device: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortaudio()
		return nil, fmt.Errorf("device: start output stream: %w", err)
	}
	return &Sink{stream: stream, buf: buf, sampleRate: sampleRate}, nil
}

// Play implements [audio.Sink]. The chunk is written to the device in
// framesPerBuffer slices; a trailing partial slice is zero-padded.
func (s *Sink) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("device: sink is closed")
	}

	samples := audio.BytesToInt16s(pcm)
	for off := 0; off < len(samples); off += framesPerBuffer {
		end := min(off+framesPerBuffer, len(samples))
		n := copy(s.buf, samples[off:end])
		for i := n; i < framesPerBuffer; i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("device: write output: %w", err)
		}
	}
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Stop()
	err := s.stream.Close()
	releasePortaudio()
	if err != nil {
		return fmt.Errorf("device: close output stream: %w", err)
	}
	return nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)
