package channels

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/accord/internal/hub"
	mw "github.com/clk-66/accord/internal/middleware"
)

// Publisher is the slice of the broadcast fabric the REST handlers use.
type Publisher interface {
	Publish(room string, evt hub.Envelope)
	Subscribe(connectionID, room string) error
}

// Connections lists the live connections of a user.
type Connections interface {
	ConnectionsOf(userID string) []string
}

// Presence reports who is live in a voice channel right now.
type Presence interface {
	LiveUserIDs(channelID string) []string
}

// Handler wires HTTP requests to the channels Store.
type Handler struct {
	store    *Store
	hub      Publisher
	conns    Connections
	presence Presence
}

func NewHandler(store *Store, pub Publisher, conns Connections, presence Presence) *Handler {
	return &Handler{store: store, hub: pub, conns: conns, presence: presence}
}

// ---- Guilds --------------------------------------------------------------

// POST /guilds
func (h *Handler) CreateGuild(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserID(r.Context())

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	g, err := h.store.CreateGuild(r.Context(), strings.TrimSpace(body.Name), userID)
	if err != nil {
		slog.Error("create guild", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create guild")
		return
	}

	h.subscribeUser(userID, g.ID)
	writeJSON(w, http.StatusCreated, g)
}

// GET /guilds/@me
func (h *Handler) ListMyGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := h.store.ListGuildsOf(r.Context(), mw.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list guilds")
		return
	}
	writeJSON(w, http.StatusOK, guilds)
}

// POST /guilds/{id}/members
func (h *Handler) JoinGuild(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserID(r.Context())
	guildID := chi.URLParam(r, "id")

	if _, err := h.store.GetGuild(r.Context(), guildID); errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "guild not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load guild")
		return
	}

	err := h.store.AddGuildMember(r.Context(), guildID, userID)
	if errors.Is(err, ErrAlreadyMember) {
		writeError(w, http.StatusConflict, "already a member")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join guild")
		return
	}

	h.hub.Publish(guildID, hub.Envelope{
		Type:    hub.EventMemberUpdate,
		Payload: map[string]any{"guildId": guildID, "userId": userID},
	})
	h.subscribeUser(userID, guildID)
	w.WriteHeader(http.StatusNoContent)
}

// ---- Channels ------------------------------------------------------------

// GET /guilds/{id}/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "id")
	if !h.requireMember(w, r, guildID) {
		return
	}

	chans, err := h.store.ListByGuild(r.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, chans)
}

// POST /guilds/{id}/channels
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "id")
	if !h.requireMember(w, r, guildID) {
		return
	}

	var body struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Position int    `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	typ := ChannelType(strings.ToUpper(body.Type))
	if !typ.Valid() {
		writeError(w, http.StatusUnprocessableEntity, `type must be "TEXT" or "VOICE"`)
		return
	}

	ch, err := h.store.CreateChannel(r.Context(), CreateChannelInput{
		GuildID:  guildID,
		Name:     body.Name,
		Type:     typ,
		Position: body.Position,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create channel")
		return
	}

	h.hub.Publish(guildID, hub.Envelope{Type: hub.EventChannelCreate, Payload: map[string]any{"channel": ch}})
	writeJSON(w, http.StatusCreated, ch)
}

// GET /channels/{id}
//
// Returns the persisted roster and, separately, who is live in the channel
// right now. The two can differ briefly while a join is in flight.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channel")
		return
	}
	if !h.requireMember(w, r, ch.GuildID) {
		return
	}

	live := []string{}
	if ch.Type == TypeVoice {
		if ids := h.presence.LiveUserIDs(ch.ID); ids != nil {
			live = ids
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":   ch,
		"occupants": live,
	})
}

// ---- Helpers -------------------------------------------------------------

// requireMember writes a 403 (or 500) and returns false unless the caller
// belongs to guildID.
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, guildID string) bool {
	ok, err := h.store.IsGuildMember(r.Context(), guildID, mw.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this guild")
		return false
	}
	return true
}

// subscribeUser attaches every live connection of userID to the guild room so
// the open sockets start receiving that guild's events without reconnecting.
func (h *Handler) subscribeUser(userID, guildID string) {
	for _, connID := range h.conns.ConnectionsOf(userID) {
		if err := h.hub.Subscribe(connID, guildID); err != nil {
			slog.Warn("subscribe to guild room", "connection_id", connID, "guild_id", guildID, "err", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
