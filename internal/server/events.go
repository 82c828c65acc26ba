package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/protocol"
)

const (
	eventWriteWait = 10 * time.Second
	eventBuffer    = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// eventTypes are the peer pushes relayed to /ws/events clients.
var eventTypes = []string{
	protocol.TypeTipHeader,
	protocol.TypeInvPremise,
	protocol.TypePremise,
	protocol.TypeGraph,
	protocol.TypePeerAddresses,
}

// stream is one /ws/events client.
type stream struct {
	conn *websocket.Conn
	out  chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func (st *stream) close() {
	st.once.Do(func() {
		close(st.done)
		st.conn.Close()
	})
}

// handleEvents relays peer pushes to a browser as they arrive. A client that
// falls behind loses events rather than stalling the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	st := &stream{
		conn: conn,
		out:  make(chan protocol.Envelope, eventBuffer),
		done: make(chan struct{}),
	}
	s.addStream(st)
	defer s.removeStream(st)

	cancels := make([]bus.Cancel, 0, len(eventTypes))
	for _, msgType := range eventTypes {
		cancels = append(cancels, s.client.Bus().Subscribe(msgType, nil, func(m bus.Message) {
			select {
			case st.out <- protocol.Envelope{Type: m.Type, Body: m.Body}:
			default:
			}
		}))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	s.logger.Debug("event stream connected", "remote", r.RemoteAddr)

	// Reads only detect the browser going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				st.close()
				return
			}
		}
	}()

	for {
		select {
		case env := <-st.out:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-st.done:
			return
		}
	}
}

func (s *Server) addStream(st *stream) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	s.streams[st] = struct{}{}
}

func (s *Server) removeStream(st *stream) {
	st.close()

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	delete(s.streams, st)
}

func (s *Server) closeStreams() {
	s.streamsMu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.streamsMu.Unlock()

	for _, st := range streams {
		st.close()
	}
}
