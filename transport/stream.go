package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrpc/protocol"
)

// DefaultHeartbeat is how often an idle Stream sends a keepalive frame.
const DefaultHeartbeat = 30 * time.Second

// Stream carries messages over a byte stream, one protocol frame per payload.
//
// A single goroutine (recvLoop) reads frames, because a byte stream must be consumed
// sequentially to find frame boundaries. Writers share the sending mutex so the header and
// body of one frame are never interleaved with another.
type Stream struct {
	rwc       io.ReadWriteCloser
	sending   sync.Mutex
	subs      listeners
	heartbeat time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	err       error // why the stream ended, valid once done is closed
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(s *Stream) { s.heartbeat = d }
}

// WithStreamLogger sets the logger used for stream lifecycle events.
func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// NewStream wraps rwc and starts its background goroutines:
//   - recvLoop reads frames and hands data payloads to the listeners
//   - heartbeatLoop sends keepalive frames so a dead peer is noticed
func NewStream(rwc io.ReadWriteCloser, opts ...StreamOption) *Stream {
	s := &Stream{
		rwc:       rwc,
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.recvLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop(s.heartbeat)
	}
	return s
}

// Dial connects to a host over TCP.
func Dial(ctx context.Context, addr string, opts ...StreamOption) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStream(conn, opts...), nil
}

// Stdio returns a Stream over the process's stdin and stdout, for a host that is spawned
// as a child process by its client.
func Stdio(opts ...StreamOption) *Stream {
	return NewStream(stdio{Reader: os.Stdin, Writer: os.Stdout}, opts...)
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

// Send writes payload as one data frame.
func (s *Stream) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	header := protocol.Header{
		FrameType: protocol.FrameTypeData,
		BodyLen:   uint32(len(payload)),
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	return protocol.Encode(s.rwc, &header, payload)
}

// Subscribe attaches l to inbound data frames.
func (s *Stream) Subscribe(l Listener) func() {
	return s.subs.add(l)
}

// Done is closed once the stream has stopped reading.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended: the read error, or ErrClosed after Close.
// It returns nil while the stream is running.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close closes the underlying stream and stops both loops.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.err = ErrClosed
		err = s.rwc.Close()
		close(s.done)
	})
	return err
}

func (s *Stream) recvLoop() {
	for {
		header, body, err := protocol.Decode(s.rwc)
		if err != nil {
			s.closeOnce.Do(func() {
				s.err = err
				if !errors.Is(err, io.EOF) {
					s.logger.Warn("stream read failed", zap.Error(err))
				}
				s.rwc.Close()
				close(s.done)
			})
			return
		}

		if header.FrameType == protocol.FrameTypeHeartbeat {
			continue
		}
		s.subs.deliver(body)
	}
}

func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{FrameType: protocol.FrameTypeHeartbeat}
		s.sending.Lock()
		err := protocol.Encode(s.rwc, header, nil)
		s.sending.Unlock()
		if err != nil {
			return
		}
	}
}
