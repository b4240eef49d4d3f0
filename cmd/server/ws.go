package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pttrelay/internal/types"
)

const sendBufferSize = 256

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connID := uuid.New().String()
	wsConn := &types.WebSocketConnection{
		Conn:   conn,
		ConnID: connID,
		Send:   make(chan []byte, sendBufferSize),
	}

	s.stateManager.Connect(wsConn)
	log.Printf("New WebSocket connection %s", connID)

	go handleClientWrite(wsConn)

	defer func() {
		// Disconnect removes the connection from the fan-out under the
		// manager's lock, so nothing can queue to Send after it returns.
		s.stateManager.Disconnect(connID)
		close(wsConn.Send)
		log.Printf("Connection %s closed", connID)
	}()

	s.handleClientRead(wsConn)
}

func (s *Server) handleClientRead(wsConn *types.WebSocketConnection) {
	ctx := context.Background()

	for {
		msgType, message, err := wsConn.Conn.Read(ctx)
		if err != nil {
			log.Printf("WebSocket read error for connection %s: %v", wsConn.ConnID, err)
			return
		}
		if msgType != websocket.MessageText {
			log.Printf("Ignoring binary frame from connection %s", wsConn.ConnID)
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Failed to parse message from connection %s: %v", wsConn.ConnID, err)
			continue
		}
		s.handleEvent(wsConn, env)
	}
}

// handleEvent validates a tagged event at the boundary and dispatches it to
// the serialized state operations. Malformed payloads degrade to a rejected
// event, never a crash.
func (s *Server) handleEvent(wsConn *types.WebSocketConnection, env types.Envelope) {
	switch env.Type {
	case types.EventHello:
		var hello types.HelloPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &hello); err != nil {
				log.Printf("Malformed hello from %s: %v", wsConn.ConnID, err)
				return
			}
		}
		reply := s.stateManager.RegisterOrUpdate(wsConn.ConnID, hello.UserID, hello.Name)
		queueEvent(wsConn, types.EventState, reply)

	case types.EventLoc:
		var loc types.LocPayload
		if err := json.Unmarshal(env.Data, &loc); err != nil {
			log.Printf("Malformed loc from %s: %v", wsConn.ConnID, err)
			return
		}
		s.stateManager.UpdateLocation(wsConn.ConnID, loc.Lat, loc.Lon)

	case types.EventStart:
		if denied := s.stateManager.RequestChannel(wsConn.ConnID); denied != nil {
			queueEvent(wsConn, types.EventDenied, denied)
		}

	case types.EventStop:
		s.stateManager.ReleaseChannel(wsConn.ConnID)

	default:
		log.Printf("Unknown event type %q from connection %s", env.Type, wsConn.ConnID)
	}
}

// queueEvent sends a direct reply to one connection without blocking.
func queueEvent(wsConn *types.WebSocketConnection, t types.EventType, payload any) {
	data, err := types.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("Failed to marshal %s reply: %v", t, err)
		return
	}
	select {
	case wsConn.Send <- data:
	default:
		log.Printf("Send channel full for connection %s, dropping %s reply", wsConn.ConnID, t)
	}
}

func handleClientWrite(wsConn *types.WebSocketConnection) {
	ctx := context.Background()

	for message := range wsConn.Send {
		if err := wsConn.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			log.Printf("WebSocket write error for connection %s: %v", wsConn.ConnID, err)
			return
		}
	}
}
