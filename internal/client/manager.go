// Package client manages the set of live encrypted connections a
// server process owns, keyed by connection id.
package client

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxbound/streamlink/internal/core"
)

// ManagedConnection pairs a *core.Connection with the bookkeeping the
// control plane needs but the connection core itself has no opinion
// about (when it was registered, which side dialed).
type ManagedConnection struct {
	Conn         *core.Connection
	Role         core.Role
	RegisteredAt time.Time
}

// EventSink receives connection lifecycle events the manager observes.
// Satisfied by *webhook.Dispatcher without internal/client importing
// internal/webhook directly.
type EventSink interface {
	Dispatch(eventType string, data interface{})
}

// Manager tracks live connections by connection id and exposes the
// create/get/list/delete/stats surface a registry needs, keyed by the
// 16-byte connection id.
type Manager struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]*ManagedConnection
	logger      *zap.SugaredLogger
	events      EventSink
}

// NewManager creates an empty connection manager. events may be nil,
// in which case lifecycle events are simply not dispatched anywhere.
func NewManager(logger *zap.SugaredLogger, events EventSink) *Manager {
	return &Manager{
		connections: make(map[uuid.UUID]*ManagedConnection),
		logger:      logger,
		events:      events,
	}
}

func (m *Manager) dispatch(eventType string, data interface{}) {
	if m.events == nil {
		return
	}
	m.events.Dispatch(eventType, data)
}

// Dial opens an outbound TCP connection, performs the full handshake
// via core.ConnectTo, and registers the result. The "create" step here
// is itself the handshake rather than a deferred background connect,
// since Wrap performs it synchronously.
func (m *Manager) Dial(ctx context.Context, address string, opts ...core.Option) (*ManagedConnection, error) {
	conn, err := core.ConnectTo(ctx, address, opts...)
	if err != nil {
		return nil, err
	}
	return m.Register(conn, core.RoleInitiator), nil
}

// Register adopts an already-wrapped *core.Connection (used by the
// inbound TCP accept loop in cmd/server, where Wrap already ran with
// RoleResponder), dispatches a connection.ready event, and wires the
// disconnect/rekey/packet callbacks that drive further events.
func (m *Manager) Register(conn *core.Connection, role core.Role) *ManagedConnection {
	mc := &ManagedConnection{Conn: conn, Role: role, RegisteredAt: time.Now()}

	id := conn.ConnectionID()
	m.mu.Lock()
	m.connections[id] = mc
	m.mu.Unlock()

	conn.SetDisconnectedCallback(func(reason core.DisconnectReason) {
		m.logger.Infow("connection closed", "connection_id", id, "reason", reason.String())
		m.mu.Lock()
		delete(m.connections, id)
		m.mu.Unlock()
		m.dispatch("connection.disconnected", eventData(id, "reason", reason.String()))
	})
	conn.SetRekeyedCallback(func() {
		m.dispatch("connection.rekey", eventData(id))
	})
	conn.SetPacketReceivedCallback(func(p core.Packet) {
		m.dispatch("connection.packet_received", eventData(id,
			"typeId", strconv.FormatUint(uint64(p.TypeID), 10),
			"data", base64.StdEncoding.EncodeToString(p.Data),
		))
	})

	m.dispatch("connection.ready", eventData(id))
	return mc
}

func eventData(id uuid.UUID, kv ...string) map[string]interface{} {
	out := map[string]interface{}{"connectionId": id.String()}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// Get returns the managed connection for id, if still registered.
func (m *Manager) Get(id uuid.UUID) (*ManagedConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.connections[id]
	return mc, ok
}

// List returns all currently registered connections.
func (m *Manager) List() []*ManagedConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedConnection, 0, len(m.connections))
	for _, mc := range m.connections {
		out = append(out, mc)
	}
	return out
}

// Delete closes and deregisters the connection for id.
func (m *Manager) Delete(id uuid.UUID) error {
	m.mu.RLock()
	mc, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return mc.Conn.Close()
}

// CloseAll closes every registered connection, used on graceful
// server shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*ManagedConnection, 0, len(m.connections))
	for _, mc := range m.connections {
		conns = append(conns, mc)
	}
	m.mu.RUnlock()

	for _, mc := range conns {
		_ = mc.Conn.Close()
	}
}

// Stats summarizes the manager's current population: how many
// connections are registered and how many are still connected.
type Stats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// Stats returns current population counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Total: len(m.connections)}
	for _, mc := range m.connections {
		if mc.Conn.Connected() {
			stats.Connected++
		}
	}
	return stats
}
