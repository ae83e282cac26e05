package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stake-arena/server/internal/net/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1 << 16
	sendBuffer     = 64
)

var errSessionClosed = errors.New("ws: session closed")

// session is one websocket connection. Frames are queued and written by a
// dedicated goroutine so the tick goroutine never blocks on a slow client.
type session struct {
	id    string
	conn  *websocket.Conn
	codec proto.Codec

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	account string
	joined  bool
	resumed bool

	dropped atomic.Uint64
}

func newSession(id string, conn *websocket.Conn, codec proto.Codec) *session {
	return &session{
		id:    id,
		conn:  conn,
		codec: codec,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

func (s *session) frameType() int {
	if s.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// enqueue queues an encoded frame. A full queue means the client cannot keep
// up; the session is closed and the read loop cleans up.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.dropped.Add(1)
		s.close()
		return errSessionClosed
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(s.frameType(), data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) markJoined(account string, resumed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return false
	}
	s.joined = true
	s.account = account
	s.resumed = resumed
	return true
}

// release forgets the player bound to the session, after it died, escaped or
// was replaced. The connection itself stays open.
func (s *session) release() {
	s.mu.Lock()
	s.joined = false
	s.resumed = false
	s.mu.Unlock()
}

func (s *session) state() (account string, joined, resumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, s.joined, s.resumed
}
