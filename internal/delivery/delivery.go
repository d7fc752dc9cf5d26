// Package delivery implements the Delivery Fabric: authenticated long-lived
// WebSocket client sessions, room-based fan-out (user/role/booking/order/
// trip), and cross-instance relay over the shared store's pub/sub channel
// so an emit on any instance reaches every connected client regardless of
// which instance hosts the socket (spec §4.4).
package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weelo/dispatch-core/pkg/auth/adapters/jwt"
	"github.com/weelo/dispatch-core/pkg/auth/session"
	"github.com/weelo/dispatch-core/pkg/concurrency"
	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/sharedstore"

	"github.com/weelo/dispatch-core/internal/domain"
)

const relayChannel = "fabric:relay"

// Config carries the tunables named in spec §5/§6.
type Config struct {
	MaxConnectionsPerUser int           `env:"MAX_CONNECTIONS_PER_USER" env-default:"5"`
	PingInterval          time.Duration `env:"WS_PING_INTERVAL" env-default:"25s"`
	PongTimeout           time.Duration `env:"WS_PONG_TIMEOUT" env-default:"20s"`
	ReconnectGrace        time.Duration `env:"WS_RECONNECT_GRACE" env-default:"2m"`
	SendQueueSize         int           `env:"WS_SEND_QUEUE_SIZE" env-default:"64"`
	CountdownQueueSize    int           `env:"WS_COUNTDOWN_QUEUE_SIZE" env-default:"8"`
}

// PresenceOps is the narrow surface of internal/presence.Index the fabric
// needs for the heartbeat ghost-online guard and the reconnection rule.
// Kept local so the two packages never import each other (spec §9).
type PresenceOps interface {
	Touch(ctx context.Context, transporterID string, lat, lng float64) (bool, error)
	Reconnect(ctx context.Context, transporterID, truckTypeKey, vehicleID string, lastLat, lastLng float64) error
	Offline(ctx context.Context, transporterID string) error
}

// DurableReconnect is the narrow durable-store surface the fabric needs to
// decide whether a freshly (re)connected transporter should regain
// presence automatically.
type DurableReconnect interface {
	IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error)
	GetTransporterVehicleType(ctx context.Context, transporterID string) (string, error)
}

// TokenVerifier is the narrow surface of pkg/auth/adapters/jwt.Adapter the
// fabric needs to authenticate an incoming connection before Upgrade.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwt.Claims, error)
}

// Hub is the Delivery Fabric for one process: it owns every local
// connection, their room memberships, and the cross-instance relay.
type Hub struct {
	cfg        Config
	verifier   TokenVerifier
	sessions   session.Manager
	store      sharedstore.Store
	presence   PresenceOps
	durable    DurableReconnect
	instanceID string
	upgrader   websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*conn              // connID -> conn
	userConns map[string][]string           // userID -> ordered connIDs, oldest first
	rooms     map[string]map[string]struct{} // room -> set of connID
	connRooms map[string]map[string]struct{} // connID -> set of room, for cleanup
}

// New builds a Hub. instanceID should be this process's servicemesh
// registration ID so relayed messages can be told apart from local ones.
func New(cfg Config, verifier TokenVerifier, sessions session.Manager, store sharedstore.Store, presence PresenceOps, durable DurableReconnect, instanceID string) *Hub {
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 20 * time.Second
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 2 * time.Minute
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.CountdownQueueSize <= 0 {
		cfg.CountdownQueueSize = 8
	}
	return &Hub{
		cfg:        cfg,
		verifier:   verifier,
		sessions:   sessions,
		store:      store,
		presence:   presence,
		durable:    durable,
		instanceID: instanceID,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		conns:      make(map[string]*conn),
		userConns:  make(map[string][]string),
		rooms:      make(map[string]map[string]struct{}),
		connRooms:  make(map[string]map[string]struct{}),
	}
}

// relayEnvelope is what travels over the shared store's pub/sub channel.
type relayEnvelope struct {
	SourceInstance string          `json:"source_instance"`
	Room           string          `json:"room"`
	Event          domain.EventName `json:"event"`
	Data           json.RawMessage `json:"data"`
}

// Emit pushes event/data to every connection in room, on this instance
// immediately and on every other instance via the relay channel. Per spec
// §4.4 the relay carries a source-instance marker so the publishing
// instance does not re-apply its own broadcast when its subscription loop
// echoes it back.
func (h *Hub) Emit(ctx context.Context, room string, event domain.EventName, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "emit: marshal payload")
	}
	h.applyLocal(room, event, raw)

	env := relayEnvelope{SourceInstance: h.instanceID, Room: room, Event: event, Data: raw}
	encoded, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "emit: marshal relay envelope")
	}
	if err := h.store.Publish(ctx, relayChannel, string(encoded)); err != nil {
		logger.L().ErrorContext(ctx, "emit: relay publish failed, local delivery already applied", "room", room, "event", event, "error", err)
	}
	return nil
}

func (h *Hub) applyLocal(room string, event domain.EventName, data json.RawMessage) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*conn, 0, len(members))
	for id := range members {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(event, data)
	}
}

// RunRelay subscribes to the cross-instance relay channel and applies every
// message not originated by this instance. Blocks until ctx is cancelled.
func (h *Hub) RunRelay(ctx context.Context) {
	sub, err := h.store.Subscribe(ctx, relayChannel)
	if err != nil {
		logger.L().ErrorContext(ctx, "delivery relay: subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg), &env); err != nil {
				logger.L().ErrorContext(ctx, "delivery relay: decode failed", "error", err)
				continue
			}
			if env.SourceInstance == h.instanceID {
				continue
			}
			h.applyLocal(env.Room, env.Event, env.Data)
		}
	}
}

// join adds connID to room, tracked both ways for O(1) membership cleanup.
func (h *Hub) join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	if h.connRooms[connID] == nil {
		h.connRooms[connID] = make(map[string]struct{})
	}
	h.connRooms[connID][room] = struct{}{}
}

func (h *Hub) leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], connID)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(h.connRooms[connID], room)
}

// register admits a newly-upgraded connection, evicting the oldest
// connection of the same user if the per-user cap is exceeded (spec §4.4).
func (h *Hub) register(c *conn) {
	var evicted *conn

	h.mu.Lock()
	h.conns[c.id] = c
	existing := h.userConns[c.userID]
	if len(existing) >= h.cfg.MaxConnectionsPerUser {
		oldestID := existing[0]
		existing = existing[1:]
		evicted = h.conns[oldestID]
		delete(h.conns, oldestID)
	}
	h.userConns[c.userID] = append(existing, c.id)
	h.mu.Unlock()

	h.join(c.id, domain.RoomUser(c.userID))
	h.join(c.id, domain.RoomRole(c.role))

	if evicted != nil {
		evicted.closePolicy("connection limit exceeded, oldest session evicted")
	}
}

// unregister removes a connection from every room it belongs to and from
// the per-user connection list.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	rooms := h.connRooms[c.id]
	delete(h.connRooms, c.id)
	delete(h.conns, c.id)
	remaining := h.userConns[c.userID][:0]
	for _, id := range h.userConns[c.userID] {
		if id != c.id {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(h.userConns, c.userID)
	} else {
		h.userConns[c.userID] = remaining
	}
	h.mu.Unlock()

	for room := range rooms {
		h.leave(c.id, room)
	}
}

// ServeHTTP upgrades an authenticated request to a WebSocket connection.
// Auth: a signed bearer token (query param "token" or the Authorization
// header) is verified before Upgrade, per spec §4.4. Rejection happens
// before the connection is established.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(ctx, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().ErrorContext(ctx, "delivery: upgrade failed", "error", err)
		return
	}

	role := primaryRole(claims.Roles)

	sess, err := h.sessions.Create(ctx, claims.Subject, map[string]interface{}{"role": role})
	if err != nil {
		logger.L().ErrorContext(ctx, "delivery: session create failed", "error", err)
		ws.Close()
		return
	}

	c := newConn(ws, uuid.NewString(), claims.Subject, role, sess.ID, h)
	h.register(c)

	if isFleetRole(role) {
		h.maybeReconnectPresence(ctx, claims.Subject)
	}

	c.send(domain.EventConnected, map[string]interface{}{"connection_id": c.id, "user_id": claims.Subject})

	concurrency.SafeGo(ctx, func() { c.writePump(h.cfg) })
	concurrency.SafeGo(ctx, func() { c.readPump(h.cfg) })
}

// maybeReconnectPresence implements spec §4.4's reconnection rule for
// transporters/drivers: if the durable is_available flag is true, recreate
// the presence entry so the transporter resumes receiving broadcasts
// without toggling availability again.
func (h *Hub) maybeReconnectPresence(ctx context.Context, transporterID string) {
	concurrency.SafeGo(ctx, func() {
		ctx := context.WithoutCancel(ctx)
		available, err := h.durable.IsTransporterAvailable(ctx, transporterID)
		if err != nil || !available {
			if err != nil {
				logger.L().WarnContext(ctx, "delivery: reconnect availability check failed", "transporter_id", transporterID, "error", err)
			}
			return
		}
		truckType, err := h.durable.GetTransporterVehicleType(ctx, transporterID)
		if err != nil {
			logger.L().WarnContext(ctx, "delivery: reconnect vehicle type lookup failed", "transporter_id", transporterID, "error", err)
			return
		}
		if err := h.presence.Reconnect(ctx, transporterID, truckType, "", 0, 0); err != nil {
			logger.L().WarnContext(ctx, "delivery: reconnect presence recreate failed", "transporter_id", transporterID, "error", err)
		}
	})
}

func isFleetRole(role string) bool {
	return role == "transporter" || role == "driver"
}

func primaryRole(roles []string) string {
	if len(roles) == 0 {
		return "customer"
	}
	return roles[0]
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
