package hub

import (
	"context"
	"encoding/json"
	"log/slog"
)

// IncomingEnvelope is the wire format for client → server WebSocket messages.
// Nonce is echoed back in an ERROR event so the client can match it to the
// request that failed.
type IncomingEnvelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"d"`
	Nonce   string          `json:"nonce,omitempty"`
}

// Incoming op-codes sent by the client.
const (
	OpChannelJoin  = "CHANNEL_JOIN"
	OpChannelLeave = "CHANNEL_LEAVE"
	OpVoiceSignal  = "VOICE_SIGNAL"
)

// Handler receives connection lifecycle events and inbound messages.
// HandleConnect runs on the upgrading HTTP goroutine before the read pump
// starts. HandleMessage and HandleDisconnect run on the connection's read
// goroutine, so messages from one connection are handled in order while
// different connections run in parallel.
type Handler interface {
	HandleConnect(ctx context.Context, connectionID, userID string)
	HandleMessage(ctx context.Context, connectionID string, msg IncomingEnvelope)
	HandleDisconnect(ctx context.Context, connectionID string)
}

// handleMessage parses a raw WebSocket frame and hands it to the handler.
func (c *Client) handleMessage(raw []byte) {
	var msg IncomingEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Op == "" {
		slog.Warn("ws bad message", "connection_id", c.ID, "user_id", c.UserID, "err", err)
		c.hub.SendTo(c.ID, Envelope{
			Type:    EventError,
			Payload: ErrorPayload{Code: "BAD_REQUEST", Message: "malformed message"},
		})
		return
	}
	if c.hub.handler == nil {
		return
	}
	c.hub.handler.HandleMessage(context.Background(), c.ID, msg)
}
