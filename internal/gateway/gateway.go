// Package gateway turns inbound WebSocket ops into coordinator calls and
// coordinator errors into ERROR events for the requesting connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/clk-66/accord/internal/hub"
	"github.com/clk-66/accord/internal/voice"
)

// Error codes carried in ERROR events.
const (
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidChannelType = "INVALID_CHANNEL_TYPE"
	CodeAlreadyJoined      = "ALREADY_JOINED"
	CodeNotInVoice         = "NOT_IN_VOICE"
	CodeStoreFailure       = "STORE_FAILURE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL"
)

type Coordinator interface {
	Join(ctx context.Context, connectionID, channelID string) error
	Leave(ctx context.Context, connectionID string) (string, error)
	Disconnect(ctx context.Context, connectionID string) (string, bool, error)
	AttachStream(channelID, userID string, stream json.RawMessage) bool
	InChannel(channelID, userID string) bool
}

// Sender is the part of the hub the gateway talks to directly.
type Sender interface {
	SendTo(connectionID string, evt hub.Envelope)
	Subscribe(connectionID, room string) error
}

type GuildLister interface {
	GuildsOf(ctx context.Context, userID string) ([]string, error)
}

type Sessions interface {
	Resolve(connectionID string) (string, bool)
}

// MediaClient is the SFU sidecar. Its responses are opaque to the gateway.
type MediaClient interface {
	Join(ctx context.Context, channelID, userID string) (json.RawMessage, error)
	Signal(ctx context.Context, channelID, userID string, payload json.RawMessage) (json.RawMessage, error)
	Leave(ctx context.Context, channelID, userID string) error
}

type Ready struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	GuildIDs     []string `json:"guildIds"`
}

// VoiceSignal is both the inbound signal ({channelId, type, data}) and the
// relayed media response, whose type carries a "_response" suffix.
type VoiceSignal struct {
	ChannelID string          `json:"channelId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type channelJoin struct {
	ChannelID string `json:"channelId"`
}

// Gateway implements hub.Handler.
type Gateway struct {
	coord    Coordinator
	sender   Sender
	guilds   GuildLister
	sessions Sessions
	media    MediaClient // nil when no media service is configured

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func New(coord Coordinator, sender Sender, guilds GuildLister, sessions Sessions, media MediaClient) *Gateway {
	return &Gateway{
		coord:    coord,
		sender:   sender,
		guilds:   guilds,
		sessions: sessions,
		media:    media,
	}
}

var _ hub.Handler = (*Gateway)(nil)

// HandleConnect subscribes the connection to its guild rooms and greets it.
func (g *Gateway) HandleConnect(ctx context.Context, connectionID, userID string) {
	guildIDs, err := g.guilds.GuildsOf(ctx, userID)
	if err != nil {
		slog.Error("load guilds on connect", "user_id", userID, "err", err)
		guildIDs = []string{}
	}
	for _, id := range guildIDs {
		if err := g.sender.Subscribe(connectionID, id); err != nil {
			slog.Warn("subscribe guild room", "connection_id", connectionID, "guild_id", id, "err", err)
			return
		}
	}
	g.sender.SendTo(connectionID, hub.Envelope{
		Type:    hub.EventReady,
		Payload: Ready{ConnectionID: connectionID, UserID: userID, GuildIDs: guildIDs},
	})
}

func (g *Gateway) HandleMessage(ctx context.Context, connectionID string, msg hub.IncomingEnvelope) {
	switch msg.Op {
	case hub.OpChannelJoin:
		g.handleJoin(ctx, connectionID, msg)
	case hub.OpChannelLeave:
		g.handleLeave(ctx, connectionID, msg)
	case hub.OpVoiceSignal:
		g.handleSignal(ctx, connectionID, msg)
	default:
		slog.Debug("ws unknown op", "op", msg.Op, "connection_id", connectionID)
		g.sendError(connectionID, msg, CodeBadRequest, "unknown op")
	}
}

// HandleDisconnect leaves voice if this connection held the user's voice
// session.
func (g *Gateway) HandleDisconnect(ctx context.Context, connectionID string) {
	userID, _ := g.sessions.Resolve(connectionID)
	channelID, left, err := g.coord.Disconnect(ctx, connectionID)
	if err != nil {
		slog.Error("voice leave on disconnect", "connection_id", connectionID, "err", err)
		return
	}
	if left {
		g.leaveMedia(channelID, userID)
	}
}

// Wait blocks until every in-flight media call has returned.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

// Close stops starting media calls and waits for the running ones. Call it
// once the hub has stopped and every connection has detached.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.inflight.Wait()
}

// async runs fn in the background unless the gateway is closed.
func (g *Gateway) async(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		fn()
	}()
	return true
}

//	{"op":"CHANNEL_JOIN","d":{"channelId":"<id>"},"nonce":"<n>"}
func (g *Gateway) handleJoin(ctx context.Context, connectionID string, msg hub.IncomingEnvelope) {
	var payload channelJoin
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ChannelID == "" {
		g.sendError(connectionID, msg, CodeBadRequest, "channelId is required")
		return
	}

	if err := g.coord.Join(ctx, connectionID, payload.ChannelID); err != nil {
		g.fail(connectionID, msg, err)
		return
	}

	if g.media == nil {
		return
	}
	userID, ok := g.sessions.Resolve(connectionID)
	if !ok {
		return
	}
	g.joinMedia(connectionID, payload.ChannelID, userID)
}

//	{"op":"CHANNEL_LEAVE","d":{},"nonce":"<n>"}
func (g *Gateway) handleLeave(ctx context.Context, connectionID string, msg hub.IncomingEnvelope) {
	userID, _ := g.sessions.Resolve(connectionID)
	channelID, err := g.coord.Leave(ctx, connectionID)
	if err != nil {
		g.fail(connectionID, msg, err)
		return
	}
	g.leaveMedia(channelID, userID)
}

//	{"op":"VOICE_SIGNAL","d":{"channelId":"<id>","type":"offer","data":{...}}}
func (g *Gateway) handleSignal(_ context.Context, connectionID string, msg hub.IncomingEnvelope) {
	var payload VoiceSignal
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ChannelID == "" || payload.Type == "" {
		g.sendError(connectionID, msg, CodeBadRequest, "channelId and type are required")
		return
	}
	userID, ok := g.sessions.Resolve(connectionID)
	if !ok {
		g.fail(connectionID, msg, voice.ErrUnauthenticated)
		return
	}
	// Signals only reach rooms the sender is actually in.
	if !g.coord.InChannel(payload.ChannelID, userID) {
		slog.Warn("voice signal rejected: user not in channel",
			"user_id", userID, "claimed_channel", payload.ChannelID)
		g.fail(connectionID, msg, voice.ErrNotInVoice)
		return
	}
	if g.media == nil {
		return
	}

	signal, err := json.Marshal(map[string]any{"type": payload.Type, "data": payload.Data})
	if err != nil {
		return
	}

	g.async(func() {
		resp, err := g.media.Signal(context.Background(), payload.ChannelID, userID, signal)
		if err != nil {
			slog.Warn("media signal failed", "user_id", userID, "type", payload.Type, "err", err)
			return
		}
		if resp == nil {
			return
		}
		g.sender.SendTo(connectionID, hub.Envelope{
			Type:    hub.EventVoiceSignal,
			Payload: VoiceSignal{ChannelID: payload.ChannelID, Type: payload.Type + "_response", Data: resp},
		})
	})
}

// joinMedia asks the media service for a transport and hands it to the
// joiner. If the user left while the media service was answering, the media
// session is torn down again.
func (g *Gateway) joinMedia(connectionID, channelID, userID string) {
	g.async(func() {
		resp, err := g.media.Join(context.Background(), channelID, userID)
		if err != nil {
			slog.Warn("media join failed", "user_id", userID, "channel_id", channelID, "err", err)
			return
		}
		if resp == nil {
			return
		}
		if !g.coord.AttachStream(channelID, userID, resp) {
			if err := g.media.Leave(context.Background(), channelID, userID); err != nil {
				slog.Warn("media leave (stale join) failed", "user_id", userID, "channel_id", channelID, "err", err)
			}
			return
		}
		g.sender.SendTo(connectionID, hub.Envelope{
			Type:    hub.EventVoiceSignal,
			Payload: VoiceSignal{ChannelID: channelID, Type: "join_response", Data: resp},
		})
	})
}

func (g *Gateway) leaveMedia(channelID, userID string) {
	if g.media == nil || userID == "" {
		return
	}
	started := g.async(func() {
		if err := g.media.Leave(context.Background(), channelID, userID); err != nil {
			slog.Warn("media leave failed", "user_id", userID, "channel_id", channelID, "err", err)
		}
	})
	if !started {
		slog.Warn("media leave skipped: gateway closed", "user_id", userID, "channel_id", channelID)
	}
}

func (g *Gateway) fail(connectionID string, msg hub.IncomingEnvelope, err error) {
	code := Code(err)
	message := err.Error()
	switch code {
	case CodeStoreFailure:
		slog.Error("voice op failed", "op", msg.Op, "connection_id", connectionID, "err", err)
		message = "storage unavailable, retry the request"
	case CodeInternal:
		slog.Error("voice op failed", "op", msg.Op, "connection_id", connectionID, "err", err)
		message = "internal error"
	default:
		slog.Debug("voice op rejected", "op", msg.Op, "connection_id", connectionID, "code", code)
	}
	g.sendError(connectionID, msg, code, message)
}

func (g *Gateway) sendError(connectionID string, msg hub.IncomingEnvelope, code, message string) {
	g.sender.SendTo(connectionID, hub.Envelope{
		Type:    hub.EventError,
		Payload: hub.ErrorPayload{Op: msg.Op, Code: code, Message: message, Nonce: msg.Nonce},
	})
}

// Code maps a coordinator error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, voice.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, voice.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, voice.ErrInvalidChannelType):
		return CodeInvalidChannelType
	case errors.Is(err, voice.ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, voice.ErrNotInVoice):
		return CodeNotInVoice
	case errors.Is(err, voice.ErrStoreFailure):
		return CodeStoreFailure
	default:
		return CodeInternal
	}
}
