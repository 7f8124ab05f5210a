package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer before the connection
	// is considered slow and dropped.
	writeWait = 5 * time.Second
)

var (
	errStreamClosed   = errors.New("stream closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsStream adapts a raw WebSocket connection to the registry's Stream
// interface. Sends enqueue into a bounded channel drained by a single
// write pump; a full buffer means the client cannot keep up and the
// send fails, which the registry treats as an eviction signal.
type wsStream struct {
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newStream(conn net.Conn, bufferSize int, logger zerolog.Logger) *wsStream {
	return &wsStream{
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send enqueues a message without blocking. It fails when the stream is
// closed or the buffer is full.
func (s *wsStream) Send(message []byte) error {
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}

	select {
	case s.send <- message:
		return nil
	case <-s.done:
		return errStreamClosed
	default:
		return errSendBufferFull
	}
}

// Close shuts the stream down. Safe to call multiple times and from any
// goroutine; the write pump exits on the done signal.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// writePump drains the send channel and writes frames to the socket.
// This is a hot path: a buffered writer batches whatever is queued
// behind the first message into one flush to reduce syscalls.
func (s *wsStream) writePump() {
	writer := bufio.NewWriter(s.conn)
	defer s.Close()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}

			// Batch whatever else is already queued.
			n := len(s.send)
			for i := 0; i < n; i++ {
				message = <-s.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to write message")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}
		}
	}
}
