package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu    sync.Mutex
	bound map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{bound: make(map[string]string)}
}

func (s *fakeSessions) Bind(connectionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[connectionID] = userID
}

func (s *fakeSessions) Unbind(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, connectionID)
}

func (s *fakeSessions) has(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bound[connectionID]
	return ok
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	messages     []IncomingEnvelope
	disconnected []string
}

func (r *recordingHandler) HandleConnect(_ context.Context, connectionID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, connectionID)
}

func (r *recordingHandler) HandleMessage(_ context.Context, _ string, msg IncomingEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingHandler) HandleDisconnect(_ context.Context, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, connectionID)
}

func startHub(t *testing.T) (*Hub, *fakeSessions) {
	t.Helper()
	sessions := newFakeSessions()
	h := NewHub("", sessions)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, sessions
}

func connect(t *testing.T, h *Hub, id, userID string) *Client {
	t.Helper()
	c := newClient(h, nil, id, userID)
	require.True(t, h.attach(c))
	return c
}

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var raw struct {
			Type    EventType       `json:"t"`
			Payload json.RawMessage `json:"d"`
		}
		require.NoError(t, json.Unmarshal(data, &raw))
		var payload any
		require.NoError(t, json.Unmarshal(raw.Payload, &payload))
		return Envelope{Type: raw.Type, Payload: payload}
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", c.ID)
		return Envelope{}
	}
}

// flush waits until every op enqueued so far has been applied.
func flush(t *testing.T, h *Hub) {
	t.Helper()
	barrier := connect(t, h, "barrier-"+t.Name(), "barrier")
	require.NoError(t, h.Subscribe(barrier.ID, "barrier-room"))
	h.detach(barrier)
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event for %s: %s", c.ID, data)
	default:
	}
}

func TestHub_PublishReachesOnlySubscribers(t *testing.T) {
	h, _ := startHub(t)

	a := connect(t, h, "a", "u1")
	b := connect(t, h, "b", "u2")
	c := connect(t, h, "c", "u3")

	require.NoError(t, h.Subscribe(a.ID, "g1"))
	require.NoError(t, h.Subscribe(b.ID, "g1"))
	require.NoError(t, h.Subscribe(c.ID, "ch1"))

	h.Publish("g1", Envelope{Type: EventChannelUpdate, Payload: map[string]any{"channelId": "ch1"}})
	flush(t, h)

	for _, cl := range []*Client{a, b} {
		evt := receive(t, cl)
		assert.Equal(t, EventChannelUpdate, evt.Type)
		assert.Equal(t, map[string]any{"channelId": "ch1"}, evt.Payload)
		assertEmpty(t, cl)
	}
	assertEmpty(t, c)
}

func TestHub_SubscribeTwiceDeliversOnce(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "a", "u1")

	require.NoError(t, h.Subscribe(a.ID, "g1"))
	require.NoError(t, h.Subscribe(a.ID, "g1"))

	h.Publish("g1", Envelope{Type: EventMemberUpdate, Payload: "x"})
	flush(t, h)

	receive(t, a)
	assertEmpty(t, a)
}

func TestHub_FIFOWithinRoom(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "a", "u1")
	require.NoError(t, h.Subscribe(a.ID, "ch1"))

	for i := 0; i < 20; i++ {
		h.Publish("ch1", Envelope{Type: EventVoiceStateUpdate, Payload: i})
	}
	flush(t, h)

	for i := 0; i < 20; i++ {
		evt := receive(t, a)
		assert.EqualValues(t, i, evt.Payload)
	}
}

func TestHub_PublishBeforeUnsubscribeIsDelivered(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "a", "u1")
	require.NoError(t, h.Subscribe(a.ID, "ch1"))

	h.Publish("ch1", Envelope{Type: EventVoiceStateUpdate, Payload: "leaving"})
	h.Unsubscribe(a.ID, "ch1")
	h.Publish("ch1", Envelope{Type: EventVoiceStateUpdate, Payload: "after"})
	flush(t, h)

	evt := receive(t, a)
	assert.Equal(t, "leaving", evt.Payload)
	assertEmpty(t, a)
}

func TestHub_SendToTargetsOneConnection(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "a", "u1")
	b := connect(t, h, "b", "u1")

	h.SendTo(a.ID, Envelope{Type: EventError, Payload: ErrorPayload{Code: "NOT_FOUND"}})
	h.SendTo("ghost", Envelope{Type: EventError, Payload: "ignored"})
	flush(t, h)

	evt := receive(t, a)
	assert.Equal(t, EventError, evt.Type)
	assert.Equal(t, "NOT_FOUND", evt.Payload.(map[string]any)["code"])
	assertEmpty(t, b)
}

func TestHub_SubscribeUnknownConnection(t *testing.T) {
	h, _ := startHub(t)
	assert.ErrorIs(t, h.Subscribe("ghost", "g1"), ErrUnknownConnection)
}

func TestHub_FullBufferDropsConnection(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "a", "u1")
	require.NoError(t, h.Subscribe(a.ID, "g1"))

	for i := 0; i < sendBuffer+1; i++ {
		h.Publish("g1", Envelope{Type: EventMemberUpdate, Payload: i})
	}
	flush(t, h)

	n := 0
	for range a.send {
		n++
	}
	assert.Equal(t, sendBuffer, n)
	assert.ErrorIs(t, h.Subscribe(a.ID, "g1"), ErrUnknownConnection)
}

func TestHub_AttachDetachCallsHandler(t *testing.T) {
	sessions := newFakeSessions()
	h := NewHub("", sessions)
	rec := &recordingHandler{}
	h.SetHandler(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx) //nolint:errcheck

	c := connect(t, h, "a", "u1")
	assert.True(t, sessions.has("a"))

	c.handleMessage([]byte(`{"op":"CHANNEL_JOIN","d":{"channelId":"ch1"},"nonce":"n1"}`))
	c.handleMessage([]byte(`not json`))

	h.detach(c)
	assert.False(t, sessions.has("a"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"a"}, rec.connected)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, OpChannelJoin, rec.messages[0].Op)
	assert.Equal(t, "n1", rec.messages[0].Nonce)
	assert.JSONEq(t, `{"channelId":"ch1"}`, string(rec.messages[0].Payload))
	assert.Equal(t, []string{"a"}, rec.disconnected)
}

func TestHub_ShutdownRejectsOps(t *testing.T) {
	h := NewHub("", newFakeSessions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	c := connect(t, h, "a", "u1")
	cancel()
	<-done

	_, ok := <-c.send
	assert.False(t, ok)
	assert.ErrorIs(t, h.Subscribe("a", "g1"), ErrClosed)
	h.Publish("g1", Envelope{Type: EventMemberUpdate}) // must not block
}

func (r *recordingHandler) counts() (connected, disconnected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected)
}

func TestHub_RunReturnsAfterConnectionsDetach(t *testing.T) {
	sessions := newFakeSessions()
	h := NewHub("", sessions)
	rec := &recordingHandler{}
	h.SetHandler(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "u1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_, disconnected := rec.counts()
	assert.Equal(t, 1, disconnected, "disconnect handled before Run returned")
	assert.False(t, sessions.has(rec.connected[0]))

	// Upgrades after shutdown are refused without starting pumps.
	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		late.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		_, _, err = late.ReadMessage()
		assert.Error(t, err)
		late.Close()
	}
	n, _ := rec.counts()
	assert.Equal(t, 1, n)
}

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin("https://chat.example.com:443")

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"https://chat.example.com", true},
		{"http://localhost:5173", true},
		{"https://evil.example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(req))
		})
	}
}
