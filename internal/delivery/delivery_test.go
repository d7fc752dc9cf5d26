package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"

	"github.com/weelo/dispatch-core/internal/domain"
)

// These tests exercise Hub's room bookkeeping, local fan-out and the
// cross-instance relay without going through a real WebSocket handshake.
// conn's wire format is exercised indirectly through applyLocal/enqueue.

func newTestHub(t *testing.T, instanceID string) *Hub {
	t.Helper()
	return New(Config{}, nil, nil, storememory.New(), nil, nil, instanceID)
}

func newTestConn(hub *Hub, id, userID, role string) *conn {
	return newConn(nil, id, userID, role, "sess-"+id, hub)
}

func TestRegisterJoinsUserAndRoleRooms(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	c := newTestConn(hub, "c1", "u1", "transporter")
	hub.register(c)

	hub.mu.RLock()
	_, inUserRoom := hub.rooms[domain.RoomUser("u1")]["c1"]
	_, inRoleRoom := hub.rooms[domain.RoomRole("transporter")]["c1"]
	hub.mu.RUnlock()

	require.True(t, inUserRoom)
	require.True(t, inRoleRoom)
}

func TestRegisterEvictsOldestConnectionOverCap(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	hub.cfg.MaxConnectionsPerUser = 1

	first := newTestConn(hub, "c1", "u1", "customer")
	hub.register(first)
	second := newTestConn(hub, "c2", "u1", "customer")
	hub.register(second)

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("expected oldest connection to be closed on eviction")
	}

	hub.mu.RLock()
	_, stillTracked := hub.conns["c1"]
	hub.mu.RUnlock()
	require.False(t, stillTracked)
}

func TestUnregisterRemovesAllRoomMemberships(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	c := newTestConn(hub, "c1", "u1", "customer")
	hub.register(c)
	hub.join(c.id, domain.RoomBooking("b1"))

	hub.unregister(c)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	require.NotContains(t, hub.rooms, domain.RoomBooking("b1"))
	require.NotContains(t, hub.rooms, domain.RoomUser("u1"))
	require.NotContains(t, hub.conns, "c1")
}

func TestJoinLeaveBookingRoom(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	c := newTestConn(hub, "c1", "u1", "customer")
	hub.register(c)

	hub.join(c.id, domain.RoomBooking("b1"))
	hub.mu.RLock()
	_, joined := hub.rooms[domain.RoomBooking("b1")]["c1"]
	hub.mu.RUnlock()
	require.True(t, joined)

	hub.leave(c.id, domain.RoomBooking("b1"))
	hub.mu.RLock()
	_, stillThere := hub.rooms[domain.RoomBooking("b1")]
	hub.mu.RUnlock()
	require.False(t, stillThere)
}

func TestApplyLocalEnqueuesToEveryRoomMember(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	c1 := newTestConn(hub, "c1", "u1", "transporter")
	c2 := newTestConn(hub, "c2", "u2", "transporter")
	hub.register(c1)
	hub.register(c2)
	hub.join(c1.id, domain.RoomBooking("b1"))
	hub.join(c2.id, domain.RoomBooking("b1"))

	payload, _ := json.Marshal(map[string]string{"foo": "bar"})
	hub.applyLocal(domain.RoomBooking("b1"), domain.EventBookingUpdated, payload)

	select {
	case msg := <-c1.countdown:
		require.Equal(t, domain.EventBookingUpdated, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("c1 did not receive the local fan-out")
	}
	select {
	case msg := <-c2.countdown:
		require.Equal(t, domain.EventBookingUpdated, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("c2 did not receive the local fan-out")
	}
}

func TestEmitDeliversLocallyWithoutWaitingForRelay(t *testing.T) {
	hub := newTestHub(t, "instance-a")
	c := newTestConn(hub, "c1", "u1", "customer")
	hub.register(c)

	err := hub.Emit(context.Background(), domain.RoomUser("u1"), domain.EventBookingFullyFilled, map[string]int{"trucks_filled": 2})
	require.NoError(t, err)

	select {
	case msg := <-c.critical:
		require.Equal(t, domain.EventBookingFullyFilled, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected local delivery of emitted event")
	}
}

func TestRunRelayIgnoresMessagesFromOwnInstance(t *testing.T) {
	store := storememory.New()
	hub := New(Config{}, nil, nil, store, nil, nil, "instance-a")
	c := newTestConn(hub, "c1", "u1", "customer")
	hub.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.RunRelay(ctx)
	time.Sleep(20 * time.Millisecond)

	env := relayEnvelope{SourceInstance: "instance-a", Room: domain.RoomUser("u1"), Event: domain.EventBookingUpdated, Data: json.RawMessage(`{}`)}
	encoded, _ := json.Marshal(env)
	require.NoError(t, store.Publish(ctx, relayChannel, string(encoded)))

	select {
	case <-c.countdown:
		t.Fatal("own-instance relay message should not be re-applied locally")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunRelayAppliesMessagesFromOtherInstances(t *testing.T) {
	store := storememory.New()
	hub := New(Config{}, nil, nil, store, nil, nil, "instance-a")
	c := newTestConn(hub, "c1", "u1", "customer")
	hub.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.RunRelay(ctx)
	time.Sleep(20 * time.Millisecond)

	env := relayEnvelope{SourceInstance: "instance-b", Room: domain.RoomUser("u1"), Event: domain.EventBookingUpdated, Data: json.RawMessage(`{"x":1}`)}
	encoded, _ := json.Marshal(env)
	require.NoError(t, store.Publish(ctx, relayChannel, string(encoded)))

	select {
	case msg := <-c.countdown:
		require.Equal(t, domain.EventBookingUpdated, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected relay message from another instance to be applied")
	}
}

func TestPrimaryRoleDefaultsToCustomer(t *testing.T) {
	require.Equal(t, "customer", primaryRole(nil))
	require.Equal(t, "transporter", primaryRole([]string{"transporter", "driver"}))
}

func TestIsFleetRole(t *testing.T) {
	require.True(t, isFleetRole("transporter"))
	require.True(t, isFleetRole("driver"))
	require.False(t, isFleetRole("customer"))
}
