package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/relay"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket serves chat over a WebSocket. Each text frame is a chat
// request ({model, messages}); the reply is a sequence of event frames ending
// in done or error. Requests on one connection are answered in order, and
// closing the connection cancels the stream in flight.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.log.WithField("remote", r.RemoteAddr)
	if p := principal(r); p != nil {
		log = log.WithField("user", p.Username)
	}

	requests := make(chan []byte)
	go func() {
		// the read loop is the only reader; its failure means the peer left
		defer cancel()
		defer close(requests)
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("websocket read failed")
				}
				return
			}
			if typ != websocket.TextMessage {
				continue
			}
			select {
			case requests <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	for data := range requests {
		sink.terminated = false
		var req models.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if sink.Emit(relay.Failure("invalid chat request")) != nil {
				return
			}
			continue
		}

		err := s.proxy.CompleteStreaming(ctx, req, sink)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !sink.terminated {
			// failed before the relay produced a terminal event
			code, _, message := classify(err)
			if code == http.StatusInternalServerError {
				log.WithError(err).Error("websocket chat failed")
			}
			if sink.Emit(relay.Failure(message)) != nil {
				return
			}
		}
	}
}

// wsSink writes events as JSON text frames. Only the handler goroutine
// writes to the connection.
type wsSink struct {
	conn       *websocket.Conn
	terminated bool
}

func (s *wsSink) Emit(ev relay.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		return err
	}
	if ev.Type != relay.EventDelta {
		s.terminated = true
	}
	return nil
}
