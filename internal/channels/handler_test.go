package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clk-66/accord/internal/hub"
	mw "github.com/clk-66/accord/internal/middleware"
)

type fakePublisher struct {
	mu         sync.Mutex
	published  []string // room/type
	subscribed []string // connection/room
}

func (p *fakePublisher) Publish(room string, evt hub.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, room+"/"+string(evt.Type))
}

func (p *fakePublisher) Subscribe(connectionID, room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = append(p.subscribed, connectionID+"/"+room)
	return nil
}

type fakeConns map[string][]string

func (f fakeConns) ConnectionsOf(userID string) []string { return f[userID] }

type fakePresence map[string][]string

func (f fakePresence) LiveUserIDs(channelID string) []string { return f[channelID] }

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.WithUserID(r.Context(), r.Header.Get("X-Test-User"))))
		})
	})
	r.Post("/guilds", h.CreateGuild)
	r.Get("/guilds/@me", h.ListMyGuilds)
	r.Post("/guilds/{id}/members", h.JoinGuild)
	r.Get("/guilds/{id}/channels", h.ListChannels)
	r.Post("/guilds/{id}/channels", h.CreateChannel)
	r.Get("/channels/{id}", h.GetChannel)
	return r
}

func do(t *testing.T, router http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", userID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GuildAndChannelFlow(t *testing.T) {
	store, _ := newTestStore(t, "u1", "u2", "u3")
	pub := &fakePublisher{}
	presence := fakePresence{}
	router := newTestRouter(NewHandler(store, pub, fakeConns{"u1": {"conn-1"}, "u2": {"conn-2"}}, presence))

	rec := do(t, router, http.MethodPost, "/guilds", "u1", `{"name":"Friends"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var g Guild
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, "u1", g.OwnerID)
	assert.Equal(t, []string{"conn-1/" + g.ID}, pub.subscribed)

	rec = do(t, router, http.MethodPost, "/guilds/"+g.ID+"/channels", "u1", `{"name":"Lounge","type":"voice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var ch Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	assert.Equal(t, TypeVoice, ch.Type)
	assert.Equal(t, []string{g.ID + "/CHANNEL_CREATE"}, pub.published)

	// Non-members are kept out.
	rec = do(t, router, http.MethodGet, "/guilds/"+g.ID+"/channels", "u2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, router, http.MethodGet, "/channels/"+ch.ID, "u2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPost, "/guilds/"+g.ID+"/members", "u2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, pub.published, g.ID+"/MEMBER_UPDATE")
	assert.Contains(t, pub.subscribed, "conn-2/"+g.ID)

	rec = do(t, router, http.MethodPost, "/guilds/"+g.ID+"/members", "u2", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := store.AppendRoster(context.Background(), ch.ID, "u1")
	require.NoError(t, err)
	presence[ch.ID] = []string{"u1"}

	rec = do(t, router, http.MethodGet, "/channels/"+ch.ID, "u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Channel   Channel  `json:"channel"`
		Occupants []string `json:"occupants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, []string{"u1"}, view.Channel.UserIDs)
	assert.Equal(t, []string{"u1"}, view.Occupants)

	rec = do(t, router, http.MethodGet, "/guilds/"+g.ID+"/channels", "u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chans []Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chans))
	require.Len(t, chans, 1)

	rec = do(t, router, http.MethodGet, "/guilds/@me", "u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"`+g.ID+`","name":"Friends","ownerId":"u1"}]`, rec.Body.String())
}

func TestHandler_Validation(t *testing.T) {
	store, _ := newTestStore(t, "u1")
	router := newTestRouter(NewHandler(store, &fakePublisher{}, fakeConns{}, fakePresence{}))

	rec := do(t, router, http.MethodPost, "/guilds", "u1", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	g, err := store.CreateGuild(context.Background(), "Friends", "u1")
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing name", `{"type":"TEXT"}`, http.StatusUnprocessableEntity},
		{"unknown type", `{"name":"x","type":"STAGE"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/guilds/"+g.ID+"/channels", "u1", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec = do(t, router, http.MethodGet, "/channels/missing", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, router, http.MethodPost, "/guilds/missing/members", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
