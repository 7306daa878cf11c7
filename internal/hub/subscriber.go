package hub

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single write to a subscriber socket.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// pump gives up on it. Pings go out at a third of this.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound frames; subscribers are listeners and
	// have no business sending large payloads.
	maxMessageSize = 512 * 1024

	// sendQueueSlots is the per-subscriber event backlog. A reader that
	// keeps draining gets a burst beyond it folded into a single slot; a
	// reader that makes no progress between two overflows is evicted.
	sendQueueSlots = 256
)

// Conn is the surface of *websocket.Conn the pumps use. Tests substitute
// their own implementation to drive failure paths deterministically.
type Conn interface {
	ReadMessage() (int, []byte, error)
	NextWriter(messageType int) (io.WriteCloser, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Subscriber is one attached monitoring client. Its outbound queue
// decouples the fan-out path from socket latency.
type Subscriber struct {
	id   string
	hub  *Hub
	conn Conn

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	// drains counts write-pump takeovers. compactedAt remembers the count
	// at the last overflow, so a second overflow with no drain in between
	// reads as a dead consumer.
	drains      int
	compactedAt int

	notify chan struct{}
}

func newSubscriber(id string, hub *Hub, conn Conn) *Subscriber {
	return &Subscriber{
		id:     id,
		hub:    hub,
		conn:   conn,
		notify: make(chan struct{}, 1),
	}
}

// enqueue appends one serialized event to the outbound queue. It reports
// false when the subscriber has stopped consuming: the queue overflowed
// and the write pump made no progress since the previous overflow.
func (s *Subscriber) enqueue(data []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= sendQueueSlots {
		if s.drains == s.compactedAt {
			s.mu.Unlock()
			return false
		}
		// The reader is alive, just behind a burst: fold the backlog into
		// one slot instead of shedding the subscriber.
		s.queue = [][]byte{bytes.Join(s.queue, []byte{'\n'})}
		s.compactedAt = s.drains
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// takeBatch hands the whole accumulated backlog to the write pump.
func (s *Subscriber) takeBatch() (batch [][]byte, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, s.queue = s.queue, nil
	if len(batch) > 0 {
		s.drains++
	}
	return batch, !s.closed
}

// closeQueue marks the subscriber closed and wakes the write pump so it
// flushes the remaining backlog and exits.
func (s *Subscriber) closeQueue() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. Queued events are coalesced into
// one newline-separated text frame per write. It exits when the queue is
// closed (eviction or hub shutdown) or a write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.hub.wg.Done()
	}()

	for {
		select {
		case <-s.notify:
			for {
				batch, open := s.takeBatch()
				if len(batch) > 0 {
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					w, err := s.conn.NextWriter(websocket.TextMessage)
					if err != nil {
						return
					}
					w.Write(bytes.Join(batch, []byte{'\n'}))
					if err := w.Close(); err != nil {
						return
					}
					continue
				}
				if !open {
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				break
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the socket solely to observe pongs and disconnects;
// inbound payloads are discarded. It unregisters the subscriber on exit.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.drop(s)
		s.conn.Close()
		s.hub.wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("subscriber read error",
					slog.String("subscriber_id", s.id),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}
