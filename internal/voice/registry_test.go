package voice

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()

	r.Add("c1", Entry{UserID: "u1", ConnectionID: "conn-1"})
	r.Add("c1", Entry{UserID: "u2", ConnectionID: "conn-2"})

	e, ok := r.Get("c1", "u1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", e.ConnectionID)
	assert.True(t, r.Contains("c1", "u2"))
	assert.False(t, r.Contains("c2", "u1"))

	assert.True(t, r.Remove("c1", "u1"))
	assert.False(t, r.Remove("c1", "u1"))
	assert.Equal(t, []string{"u2"}, r.LiveUserIDs("c1"))

	assert.True(t, r.Remove("c1", "u2"))
	assert.Nil(t, r.ListOccupants("c1"))
	assert.Empty(t, r.Channels())
}

func TestRegistry_AddReplacesEntry(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", Entry{UserID: "u1", ConnectionID: "old"})
	r.Add("c1", Entry{UserID: "u1", ConnectionID: "new"})

	occupants := r.ListOccupants("c1")
	require.Len(t, occupants, 1)
	assert.Equal(t, "new", occupants[0].ConnectionID)
}

func TestRegistry_SetStream(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", Entry{UserID: "u1"})

	stream := json.RawMessage(`{"transportId":"t1"}`)
	assert.True(t, r.SetStream("c1", "u1", stream))
	assert.False(t, r.SetStream("c1", "ghost", stream))

	e, _ := r.Get("c1", "u1")
	assert.JSONEq(t, `{"transportId":"t1"}`, string(e.Stream))

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1","stream":{"transportId":"t1"}}`, string(out))
}

func TestRegistry_ChannelsAcrossShards(t *testing.T) {
	r := NewRegistry()
	var want []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("c%03d", i)
		want = append(want, id)
		r.Add(id, Entry{UserID: "u1"})
	}
	assert.Equal(t, want, r.Channels())
}

func TestRegistry_OccupantsSortedByUser(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"u3", "u1", "u2"} {
		r.Add("c1", Entry{UserID: id})
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, r.LiveUserIDs("c1"))
}
