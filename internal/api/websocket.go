package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/app"
)

// WebSocket message types. Core events are sent with their source
// ("discovery" or "print") as the message type.
const (
	MessageResponse = "response"
	MessageError    = "error"
)

// Requests a client may send
const (
	RequestScan     = "scan"
	RequestStopScan = "stop_scan"
	RequestPair     = "pair"
	RequestUnpair   = "unpair"
	RequestPrint    = "print"
	RequestStatus   = "status"
)

// WSMessage is sent to clients
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type wsRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type addressRequest struct {
	Address string `json:"address"`
}

// sendBuffer is the per-client backlog before events are dropped
const sendBuffer = 256

type wsClient struct {
	conn   *websocket.Conn
	send   chan WSMessage
	server *Server
}

// hub tracks connected clients and fans events out to them
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{clients: make(map[*wsClient]bool), logger: logger}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendTo queues msg for c unless c is gone or backed up
func (h *hub) sendTo(c *wsClient, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket client backed up, dropping message", zap.String("event", msg.Event))
	}
}

func (h *hub) broadcast(ev app.Event) {
	msg := WSMessage{Event: ev.Source}
	if ev.Discovery != nil {
		msg.Data = ev.Discovery
	} else {
		msg.Data = ev.Print
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// client send buffer full, skip
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan WSMessage, sendBuffer),
		server: s,
	}
	s.hub.add(client)
	s.logger.Info("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.server.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.remove(c)
		c.conn.Close()
		c.server.logger.Info("websocket client disconnected")
	}()

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.handle(req)
	}
}

func (c *wsClient) handle(req wsRequest) {
	a := c.server.app

	switch req.Event {
	case RequestScan:
		if err := a.Engine.StartScan(); err != nil {
			c.sendError(err)
			return
		}
		c.respond(req.Event, map[string]interface{}{"state": a.Engine.State()})
	case RequestStopScan:
		if err := a.Engine.StopScan(); err != nil {
			c.sendError(err)
			return
		}
		c.respond(req.Event, map[string]interface{}{"state": a.Engine.State()})
	case RequestPair, RequestUnpair:
		var body addressRequest
		if err := json.Unmarshal(req.Data, &body); err != nil || body.Address == "" {
			c.sendError(fmt.Errorf("address is required"))
			return
		}
		request := a.Engine.RequestPair
		if req.Event == RequestUnpair {
			request = a.Engine.RequestUnpair
		}
		if err := request(body.Address); err != nil {
			c.sendError(err)
			return
		}
		c.respond(req.Event, map[string]interface{}{"address": body.Address})
	case RequestPrint:
		var body printRequest
		if err := json.Unmarshal(req.Data, &body); err != nil {
			c.sendError(fmt.Errorf("invalid print request: %w", err))
			return
		}
		job, err := body.build()
		if err != nil {
			c.sendError(err)
			return
		}
		// the outcome arrives as print events
		if _, err := a.Dispatcher.Print(context.Background(), job); err != nil {
			c.sendError(err)
			return
		}
		c.respond(req.Event, map[string]interface{}{"accepted": true, "commands": len(job.Commands)})
	case RequestStatus:
		c.respond(req.Event, a.Status())
	default:
		c.sendError(fmt.Errorf("unknown event: %s", req.Event))
	}
}

func (c *wsClient) respond(request string, data interface{}) {
	c.server.hub.sendTo(c, WSMessage{
		Event: MessageResponse,
		Data:  map[string]interface{}{"request": request, "result": data},
	})
}

func (c *wsClient) sendError(err error) {
	c.server.hub.sendTo(c, WSMessage{
		Event: MessageError,
		Data:  map[string]interface{}{"error": err.Error()},
	})
}
