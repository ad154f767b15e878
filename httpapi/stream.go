package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"

	"mobcoordinator/coordinator"
)

// Stream implements coordinator.EventPublisher as a websocket broadcast
// of RoundClosed events (SPEC_FULL §4.9). The ping/pong/write-deadline
// choreography mirrors the teacher's single-client publishEleUpdates
// loop in server/server.go, generalized to fan out to any number of
// connected dashboards.
type Stream struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	snapshot func() coordinator.StatusResult
}

type streamClient struct {
	send chan interface{}
}

const (
	streamWriteWait  = 1 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	clientBufferSize = 8
)

// NewStream builds a Stream. snapshot supplies the initial status frame
// sent to a client immediately after connecting.
func NewStream(snapshot func() coordinator.StatusResult) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*streamClient]struct{}),
		snapshot: snapshot,
	}
}

// PublishRoundClosed fans event out to every connected client's buffer.
// A client whose buffer is full is assumed stalled and dropped rather
// than allowed to back-pressure the actor — this method must never block.
func (s *Stream) PublishRoundClosed(event coordinator.RoundClosedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- map[string]interface{}{"type": "roundClosed", "data": event}:
		default:
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Stream) register(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Stream) unregister(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	client := &streamClient{send: make(chan interface{}, clientBufferSize)}
	s.register(client)
	defer s.unregister(client)

	if s.snapshot != nil {
		select {
		case client.send <- map[string]interface{}{"type": "status", "data": s.snapshot()}:
		default:
		}
	}

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	streamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	pinger := channerics.NewTicker(streamCtx.Done(), streamPingPeriod)
	lastPong := time.Now()

	defer conn.Close()
	for {
		select {
		case <-done:
			return
		case <-streamCtx.Done():
			return
		case <-pinger:
			if time.Since(lastPong) > streamPingPeriod*2 {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-pong:
			lastPong = time.Now()
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}
}
