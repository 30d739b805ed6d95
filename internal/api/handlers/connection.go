package handlers

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxbound/streamlink/internal/client"
	"github.com/voxbound/streamlink/internal/core"
)

// ConnectionHandler exposes the encrypted connection core over HTTP:
// dial out, list/inspect/close registered connections, and send/read
// packets.
type ConnectionHandler struct {
	manager *client.Manager
	logger  *zap.SugaredLogger
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(m *client.Manager, logger *zap.SugaredLogger) *ConnectionHandler {
	return &ConnectionHandler{manager: m, logger: logger}
}

// connectionInfo is the wire representation of a connection's
// consumer-visible properties (connected, connection_id,
// remote_endpoint, local_endpoint, last_handshake, max_key_age,
// max_age_skew).
type connectionInfo struct {
	ConnectionID  string `json:"connectionId"`
	RemoteID      string `json:"remoteId,omitempty"`
	Connected     bool   `json:"connected"`
	Role          string `json:"role"`
	RemoteAddr    string `json:"remoteEndpoint"`
	LocalAddr     string `json:"localEndpoint"`
	LastHandshake string `json:"lastHandshake"`
	MaxKeyAge     string `json:"maxKeyAge"`
	MaxAgeSkew    string `json:"maxAgeSkew"`
}

func toConnectionInfo(mc *client.ManagedConnection) connectionInfo {
	c := mc.Conn
	role := "responder"
	if mc.Role == core.RoleInitiator {
		role = "initiator"
	}
	info := connectionInfo{
		ConnectionID:  c.ConnectionID().String(),
		Connected:     c.Connected(),
		Role:          role,
		RemoteAddr:    c.RemoteEndpoint().String(),
		LocalAddr:     c.LocalEndpoint().String(),
		LastHandshake: c.LastHandshake().Format(time.RFC3339),
		MaxKeyAge:     c.MaxKeyAge().String(),
		MaxAgeSkew:    c.MaxAgeSkew().String(),
	}
	if remoteID, ok := c.RemoteID(); ok {
		info.RemoteID = remoteID.String()
	}
	return info
}

// CreateRequest dials an outbound encrypted connection to address.
type CreateRequest struct {
	Address string `json:"address"`
}

// Create dials address and registers the resulting connection.
func (h *ConnectionHandler) Create(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "address is required",
		})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 10*time.Second)
	defer cancel()

	mc, err := h.manager.Dial(ctx, req.Address)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    toConnectionInfo(mc),
	})
}

// List returns all registered connections.
func (h *ConnectionHandler) List(c *fiber.Ctx) error {
	conns := h.manager.List()
	infos := make([]connectionInfo, len(conns))
	for i, mc := range conns {
		infos[i] = toConnectionInfo(mc)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"connections": infos,
			"stats":       h.manager.Stats(),
		},
	})
}

func (h *ConnectionHandler) lookup(c *fiber.Ctx) (*client.ManagedConnection, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, err
	}
	mc, ok := h.manager.Get(id)
	if !ok {
		return nil, client.ErrConnectionNotFound
	}
	return mc, nil
}

// Get returns a single connection's state.
func (h *ConnectionHandler) Get(c *fiber.Ctx) error {
	mc, err := h.lookup(c)
	if err != nil {
		return notFoundOrBadID(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    toConnectionInfo(mc),
	})
}

// Delete closes a connection.
func (h *ConnectionHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid connection id"})
	}
	if err := h.manager.Delete(id); err != nil {
		return notFoundOrBadID(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "connection closed"})
}

// SendPacketRequest carries a user Packet's wire fields; Data is
// base64-encoded, matching how asymmetric-wrapped handshake payloads
// already travel over this protocol.
type SendPacketRequest struct {
	TypeID uint32 `json:"typeId"`
	Data   string `json:"data"`
}

// SendPacket submits p to be encrypted and written as a frame.
func (h *ConnectionHandler) SendPacket(c *fiber.Ctx) error {
	mc, err := h.lookup(c)
	if err != nil {
		return notFoundOrBadID(c, err)
	}

	var req SendPacketRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "data must be base64"})
	}

	wireBytes, err := mc.Conn.SendPacket(core.Packet{TypeID: req.TypeID, Data: data})
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"wireBytes": wireBytes},
	})
}

// ReadPacket pulls the next queued packet; only meaningful while
// FlagManualRead is set on the connection.
func (h *ConnectionHandler) ReadPacket(c *fiber.Ctx) error {
	mc, err := h.lookup(c)
	if err != nil {
		return notFoundOrBadID(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	p, wireBytes, err := mc.Conn.ReadPacket(ctx)
	if err != nil {
		return c.Status(fiber.StatusRequestTimeout).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"typeId":    p.TypeID,
			"data":      base64.StdEncoding.EncodeToString(p.Data),
			"wireBytes": wireBytes,
		},
	})
}

// FlagsRequest toggles the configuration-flag bitset.
type FlagsRequest struct {
	ManualRead *bool `json:"manualRead,omitempty"`
	PassOn     *bool `json:"passOn,omitempty"`
}

// SetFlags applies the requested configuration-flag changes.
func (h *ConnectionHandler) SetFlags(c *fiber.Ctx) error {
	mc, err := h.lookup(c)
	if err != nil {
		return notFoundOrBadID(c, err)
	}

	var req FlagsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}

	applyBoolFlag(mc, core.FlagManualRead, req.ManualRead)
	applyBoolFlag(mc, core.FlagPassOn, req.PassOn)

	return c.JSON(fiber.Map{"success": true})
}

func applyBoolFlag(mc *client.ManagedConnection, flag core.ConfigFlags, want *bool) {
	if want == nil {
		return
	}
	if *want {
		mc.Conn.SetFlag(flag)
	} else {
		mc.Conn.UnsetFlag(flag)
	}
}

func notFoundOrBadID(c *fiber.Ctx, err error) error {
	if err == client.ErrConnectionNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "connection not found"})
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid connection id"})
}
