package voice

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 32

// Entry is one live occupant of a voice channel. Stream is the opaque media
// transport handle returned by the media service, nil until one is attached.
type Entry struct {
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"-"`
	Stream       json.RawMessage `json:"stream,omitempty"`
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]map[string]Entry // channelID → userID → entry
}

// Registry is the in-memory table of who is live in which voice channel. It
// is not persisted and is rebuilt by clients rejoining after a restart.
//
// The registry does not enforce membership rules: Add for a user already in
// the channel replaces the entry. Callers decide whether a join is allowed.
// Channels are spread over independently locked shards, so traffic on one
// channel does not serialise behind another.
type Registry struct {
	shards [registryShards]shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].channels = make(map[string]map[string]Entry)
	}
	return r
}

func (r *Registry) shardFor(channelID string) *shard {
	return &r.shards[xxhash.Sum64String(channelID)%registryShards]
}

// Add records e as a live occupant of channelID.
func (r *Registry) Add(channelID string, e Entry) {
	s := r.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channels[channelID] == nil {
		s.channels[channelID] = make(map[string]Entry)
	}
	s.channels[channelID][e.UserID] = e
}

// Remove drops userID from channelID and reports whether it was there.
func (r *Registry) Remove(channelID, userID string) bool {
	s := r.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	occupants := s.channels[channelID]
	if _, ok := occupants[userID]; !ok {
		return false
	}
	delete(occupants, userID)
	if len(occupants) == 0 {
		delete(s.channels, channelID)
	}
	return true
}

// Get returns the entry for userID in channelID.
func (r *Registry) Get(channelID, userID string) (Entry, bool) {
	s := r.shardFor(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.channels[channelID][userID]
	return e, ok
}

// Contains reports whether userID is live in channelID.
func (r *Registry) Contains(channelID, userID string) bool {
	_, ok := r.Get(channelID, userID)
	return ok
}

// SetStream attaches a media handle to an existing entry. It reports false if
// the user is no longer in the channel, e.g. because they left while the media
// service was still answering.
func (r *Registry) SetStream(channelID, userID string, stream json.RawMessage) bool {
	s := r.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.channels[channelID][userID]
	if !ok {
		return false
	}
	e.Stream = stream
	s.channels[channelID][userID] = e
	return true
}

// ListOccupants returns a snapshot of channelID's occupants ordered by user id.
func (r *Registry) ListOccupants(channelID string) []Entry {
	s := r.shardFor(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	occupants := s.channels[channelID]
	if len(occupants) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(occupants))
	for _, e := range occupants {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// LiveUserIDs returns the user ids of channelID's occupants.
func (r *Registry) LiveUserIDs(channelID string) []string {
	entries := r.ListOccupants(channelID)
	if entries == nil {
		return nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	return ids
}

// Channels returns the ids of every channel with at least one occupant.
func (r *Registry) Channels() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.channels {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}
