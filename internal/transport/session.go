package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session is one client connection. Network I/O runs in dedicated reader and
// writer goroutines; the bridge consumes InQueue and stages outbound frames
// through Send and Flush.
type Session struct {
	ID   uint64
	conn net.Conn

	InQueue  chan []byte // inbound frame payloads
	OutQueue chan []byte // outbound frame payloads, drained by writeLoop

	IP string

	outBuf [][]byte // staged frames, flushed once per tick

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second inbound frame limiter (readLoop goroutine only).
	framesPerSec int
	frameCount   int
	frameResetAt int64

	log *zap.Logger
}

func NewSession(conn net.Conn, id uint64, inSize, outSize, framesPerSec int, log *zap.Logger) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		InQueue:      make(chan []byte, inSize),
		OutQueue:     make(chan []byte, outSize),
		IP:           conn.RemoteAddr().String(),
		closeCh:      make(chan struct{}),
		framesPerSec: framesPerSec,
		log:          log.With(zap.Uint64("session", id)),
	}
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send stages a frame payload. Nothing hits the socket until Flush; only the
// bridge's publisher goroutine may call Send and Flush.
func (s *Session) Send(payload []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, payload)
}

// Flush moves the staged frames to the write queue. It never blocks: a full
// queue means the client cannot keep up with the tick rate, and the session
// is dropped rather than stalling the publisher.
func (s *Session) Flush() {
	for _, payload := range s.outBuf {
		select {
		case s.OutQueue <- payload:
		default:
			s.log.Warn("out queue full, dropping slow consumer")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

// IsClosed reports whether Close has run.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

// readLoop reads frames off the socket and pushes their payloads onto
// InQueue. It blocks when the queue is full: the goroutine is per-session,
// so only this client stalls.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		payload, err := ReadFrame(s.conn)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}

		if s.framesPerSec > 0 {
			now := time.Now().Unix()
			if now != s.frameResetAt {
				s.frameCount = 0
				s.frameResetAt = now
			}
			s.frameCount++
			if s.frameCount > s.framesPerSec {
				s.log.Warn("inbound frame rate exceeded, dropping session",
					zap.Int("fps", s.frameCount))
				return
			}
		}

		select {
		case s.InQueue <- payload:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop drains OutQueue onto the socket.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case payload := <-s.OutQueue:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := WriteFrame(s.conn, payload); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
