// Package wsbridge implements [audio.Source] and [audio.Sink] over a
// websocket connection to a browser page. The page captures microphone PCM
// with the Web Audio API and sends it as binary messages; reply audio is
// streamed back the same way. One bridge serves one page at a time.
//
// Wire protocol:
//
//   - client → server binary: one capture frame of 16-bit little-endian
//     mono PCM at the sample rate announced in hello.
//   - client → server text: a JSON control message
//     {"type":"hello","sample_rate":16000} (first message, required) or
//     {"type":"text","message":"..."} for the typed-answer fallback.
//   - server → client binary: one reply PCM chunk for immediate playback.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxprep/voxprep/pkg/audio"
)

const (
	writeTimeout = 10 * time.Second
	// helloTimeout bounds how long a freshly accepted page may stall
	// before sending its hello.
	helloTimeout = 5 * time.Second
)

// ErrNoClient is returned by [Bridge.Play] when no page is connected.
var ErrNoClient = errors.New("wsbridge: no client connected")

// ErrClientGone is the terminal source error after the page disconnects,
// clean close included. The bridge is single-use: without the page there is
// no microphone, so the capture side must learn the stream is over rather
// than wait forever. Only a local [Bridge.Close] ends the stream without an
// error.
var ErrClientGone = errors.New("wsbridge: client disconnected")

type controlMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Bridge accepts a browser page over websocket and adapts it to the
// [audio.Source] and [audio.Sink] interfaces. A second page connecting
// while one is active is rejected with a close status.
type Bridge struct {
	log *slog.Logger

	frames chan audio.Frame

	mu         sync.Mutex
	conn       *websocket.Conn
	sampleRate int
	err        error
	closed     bool

	// OnText, when set, receives typed-answer fallback messages from the page.
	OnText func(text string)
}

// New creates an idle Bridge. Mount [Bridge.Handler] on an HTTP mux to let
// a page connect.
func New(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:    log,
		frames: make(chan audio.Frame, 16),
	}
}

// Handler returns the HTTP handler that upgrades the page's connection.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(b.accept)
}

func (b *Bridge) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("wsbridge: accept failed", "err", err)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "bridge closed")
		return
	}
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "another client is connected")
		return
	}
	b.conn = conn
	b.mu.Unlock()

	sampleRate, err := b.awaitHello(r.Context(), conn)
	if err != nil {
		b.log.Warn("wsbridge: handshake failed", "err", err)
		b.dropConn(conn, err)
		return
	}
	b.mu.Lock()
	b.sampleRate = sampleRate
	b.mu.Unlock()
	b.log.Info("wsbridge: client connected", "sample_rate", sampleRate, "remote", r.RemoteAddr)

	b.readLoop(r.Context(), conn, sampleRate)
}

func (b *Bridge) awaitHello(ctx context.Context, conn *websocket.Conn) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("wsbridge: read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return 0, errors.New("wsbridge: first message must be a hello control message")
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, fmt.Errorf("wsbridge: parse hello: %w", err)
	}
	if msg.Type != "hello" || msg.SampleRate <= 0 {
		return 0, fmt.Errorf("wsbridge: invalid hello %q (sample_rate %d)", msg.Type, msg.SampleRate)
	}
	return msg.SampleRate, nil
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, sampleRate int) {
	start := time.Now()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				b.log.Info("wsbridge: client disconnected")
				b.dropConn(conn, ErrClientGone)
			} else {
				b.dropConn(conn, fmt.Errorf("wsbridge: read: %w", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			frame := audio.Frame{
				Data:       data,
				SampleRate: sampleRate,
				Channels:   1,
				Timestamp:  time.Since(start),
			}
			select {
			case b.frames <- frame:
			default:
				b.log.Debug("wsbridge: dropping capture frame, consumer behind")
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				b.log.Warn("wsbridge: malformed control message", "err", err)
				continue
			}
			if msg.Type == "text" && b.OnText != nil {
				b.OnText(msg.Message)
			}
		}
	}
}

// dropConn detaches conn if it is still the active one, records err as the
// terminal source error and ends the frame stream.
func (b *Bridge) dropConn(conn *websocket.Conn, err error) {
	b.mu.Lock()
	active := b.conn == conn
	if active {
		b.conn = nil
		if !b.closed {
			b.err = err
			b.closed = true
			close(b.frames)
		}
	}
	b.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// Frames implements [audio.Source].
func (b *Bridge) Frames() <-chan audio.Frame { return b.frames }

// Err implements [audio.Source].
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Play implements [audio.Sink]. The chunk is sent to the page as one binary
// message; the page plays it immediately. Returns [ErrNoClient] when no
// page is connected.
func (b *Bridge) Play(pcm []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNoClient
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("wsbridge: write playback chunk: %w", err)
	}
	return nil
}

// Close implements both [audio.Source.Close] and [audio.Sink.Close]: the
// page is disconnected and the frame channel closed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	close(b.frames)
	b.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

var (
	_ audio.Source = (*Bridge)(nil)
	_ audio.Sink   = (*Bridge)(nil)
)
