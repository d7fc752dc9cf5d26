package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weelo/dispatch-core/pkg/logger"

	"github.com/weelo/dispatch-core/internal/domain"
)

// criticalEvents are FIFO-block: the send queue is allowed to apply brief
// back-pressure rather than silently drop them. Everything else is
// countdown-class and drops the oldest queued message under pressure,
// per spec §4.4.
var criticalEvents = map[domain.EventName]bool{
	domain.EventConnected:                true,
	domain.EventNewBroadcast:             true,
	domain.EventAcceptConfirmation:       true,
	domain.EventBookingFullyFilled:       true,
	domain.EventBookingPartiallyFilled:   true,
	domain.EventBookingExpired:           true,
	domain.EventNoVehiclesAvailable:      true,
	domain.EventRequestNoLongerAvailable: true,
	domain.EventTruckAssigned:            true,
}

// wireMessage is the outbound payload queued for a connection's write pump.
type wireMessage struct {
	Event domain.EventName
	Data  json.RawMessage
}

// conn wraps one authenticated WebSocket connection. All writes to the
// underlying socket happen from writePump alone, per gorilla/websocket's
// single-writer requirement.
type conn struct {
	id        string
	userID    string
	role      string
	sessionID string

	ws  *websocket.Conn
	hub *Hub

	critical  chan wireMessage
	countdown chan wireMessage
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, id, userID, role, sessionID string, hub *Hub) *conn {
	return &conn{
		id:        id,
		userID:    userID,
		role:      role,
		sessionID: sessionID,
		ws:        ws,
		hub:       hub,
		critical:  make(chan wireMessage, hub.cfg.SendQueueSize),
		countdown: make(chan wireMessage, hub.cfg.CountdownQueueSize),
		closed:    make(chan struct{}),
	}
}

// send marshals data and enqueues it; callers that already have a
// json.RawMessage (e.g. the room fan-out path) should call enqueue directly.
func (c *conn) send(event domain.EventName, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.L().Error("delivery: marshal outbound payload failed", "event", event, "error", err)
		return
	}
	c.enqueue(event, raw)
}

// enqueue applies the back-pressure policy of spec §4.4: critical events
// get a short grace period to drain the queue before being dropped;
// countdown-class events evict the oldest queued message instead.
func (c *conn) enqueue(event domain.EventName, data json.RawMessage) {
	msg := wireMessage{Event: event, Data: data}
	if criticalEvents[event] {
		select {
		case c.critical <- msg:
		case <-c.closed:
		default:
			select {
			case c.critical <- msg:
			case <-time.After(200 * time.Millisecond):
				logger.L().Warn("delivery: critical send queue full, dropping message", "conn_id", c.id, "event", event)
			case <-c.closed:
			}
		}
		return
	}

	select {
	case c.countdown <- msg:
	default:
		select {
		case <-c.countdown:
		default:
		}
		select {
		case c.countdown <- msg:
		default:
		}
	}
}

func (c *conn) closePolicy(reason string) {
	c.send(domain.EventConnectionClosed, map[string]interface{}{"reason": reason})
	time.Sleep(50 * time.Millisecond) // best-effort: give the write pump a chance to flush
	c.closeNow()
}

func (c *conn) closeNow() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
	}
}

// writePump drains the critical queue ahead of the countdown queue and
// writes a ping frame on cfg.PingInterval, per spec §5's 25s/20s policy.
func (c *conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeNow()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.critical:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			select {
			case <-c.closed:
				return
			case msg := <-c.critical:
				if err := c.write(msg); err != nil {
					return
				}
			case msg := <-c.countdown:
				if err := c.write(msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}
}

func (c *conn) write(msg wireMessage) error {
	env := domain.Envelope{Event: msg.Event, Data: json.RawMessage(msg.Data)}
	encoded, err := json.Marshal(env)
	if err != nil {
		logger.L().Error("delivery: marshal envelope failed", "conn_id", c.id, "error", err)
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, encoded)
}

// inboundEnvelope is the wire shape of a client->server message.
type inboundEnvelope struct {
	Event domain.ClientEventName `json:"event"`
	Data  json.RawMessage        `json:"data"`
}

// readPump processes inbound client events, per spec §6's client->server
// surface. Heartbeats extend presence only if an entry already exists
// (the ghost-online guard); join/leave adjust room membership directly.
func (c *conn) readPump(cfg Config) {
	defer func() {
		c.hub.unregister(c)
		if isFleetRole(c.role) {
			ctx := context.Background()
			if err := c.hub.presence.Offline(ctx, c.userID); err != nil {
				logger.L().WarnContext(ctx, "delivery: offline on disconnect failed", "user_id", c.userID, "error", err)
			}
		}
		c.closeNow()
	}()

	c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.L().Warn("delivery: malformed inbound message", "conn_id", c.id, "error", err)
			continue
		}
		c.handleInbound(env)
	}
}

func (c *conn) handleInbound(env inboundEnvelope) {
	ctx := context.Background()
	switch env.Event {
	case domain.ClientEventHeartbeat:
		var hb domain.HeartbeatPayload
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			return
		}
		if _, err := c.hub.presence.Touch(ctx, c.userID, hb.Lat, hb.Lng); err != nil {
			logger.L().WarnContext(ctx, "delivery: heartbeat touch failed", "user_id", c.userID, "error", err)
		}
	case domain.ClientEventUpdateLocation:
		if c.role != "driver" {
			return
		}
		var hb domain.HeartbeatPayload
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			return
		}
		if _, err := c.hub.presence.Touch(ctx, c.userID, hb.Lat, hb.Lng); err != nil {
			logger.L().WarnContext(ctx, "delivery: location update touch failed", "user_id", c.userID, "error", err)
		}
	case domain.ClientEventJoinBooking:
		if id, ok := stringField(env.Data, "booking_id"); ok {
			c.hub.join(c.id, domain.RoomBooking(id))
		}
	case domain.ClientEventLeaveBooking:
		if id, ok := stringField(env.Data, "booking_id"); ok {
			c.hub.leave(c.id, domain.RoomBooking(id))
		}
	case domain.ClientEventJoinOrder:
		if id, ok := stringField(env.Data, "order_id"); ok {
			c.hub.join(c.id, domain.RoomOrder(id))
		}
	case domain.ClientEventLeaveOrder:
		if id, ok := stringField(env.Data, "order_id"); ok {
			c.hub.leave(c.id, domain.RoomOrder(id))
		}
	case domain.ClientEventPing:
		c.enqueue(domain.EventPong, json.RawMessage(`{}`))
	}
}

func stringField(raw json.RawMessage, field string) (string, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[field].(string)
	return v, ok
}
