// Package voice coordinates voice-channel membership: who is in which voice
// channel, kept consistent across the channel roster, the user's voice
// pointer, the live presence registry and the broadcast rooms.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/clk-66/accord/internal/channels"
	"github.com/clk-66/accord/internal/hub"
	"github.com/clk-66/accord/internal/users"
)

const maxLeaveAttempts = 3

// Sessions resolves a connection to the user it authenticated as.
type Sessions interface {
	Resolve(connectionID string) (userID string, ok bool)
}

// ChannelStore is the durable channel record, including the voice roster.
type ChannelStore interface {
	GetByID(ctx context.Context, id string) (*channels.Channel, error)
	AppendRoster(ctx context.Context, channelID, userID string) ([]string, error)
	RemoveRoster(ctx context.Context, channelID, userID string) ([]string, error)
	RestoreRoster(ctx context.Context, channelID, userID string, index int) ([]string, error)
}

// UserStore is the durable user record holding the voice pointer.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*users.User, error)
	Save(ctx context.Context, u *users.User) (*users.User, error)
}

// Fabric is the room-based broadcast layer.
type Fabric interface {
	Subscribe(connectionID, room string) error
	Unsubscribe(connectionID, room string)
	Publish(room string, evt hub.Envelope)
}

// ChannelUpdate is published to the guild room when a voice roster changes.
type ChannelUpdate struct {
	ChannelID      string         `json:"channelId"`
	PartialChannel PartialChannel `json:"partialChannel"`
}

type PartialChannel struct {
	UserIDs []string `json:"userIds"`
}

// VoiceStateUpdate is published to the channel room when a user enters or
// leaves it. Voice is null on leave.
type VoiceStateUpdate struct {
	UserID string            `json:"userId"`
	Voice  *users.VoiceState `json:"voice"`
}

// Coordinator implements join and leave for voice channels.
//
// Every mutation runs under the keyed locks of both the user and the channel,
// held from the first validating read to the last broadcast. Joins on
// unrelated channels by unrelated users never wait on each other.
type Coordinator struct {
	sessions     Sessions
	channelStore ChannelStore
	userStore    UserStore
	presence     *Registry
	fabric       Fabric
	locks        *keyedMutex
}

func NewCoordinator(sessions Sessions, channelStore ChannelStore, userStore UserStore, presence *Registry, fabric Fabric) *Coordinator {
	return &Coordinator{
		sessions:     sessions,
		channelStore: channelStore,
		userStore:    userStore,
		presence:     presence,
		fabric:       fabric,
		locks:        newKeyedMutex(),
	}
}

// Join puts the user behind connectionID into the voice channel channelID.
//
// All checks run before the first write, so a rejected join leaves no trace.
// Once the checks pass the registry entry, room subscription, roster entry
// and voice pointer are written in that order; a store failure undoes what
// was already written and nothing is broadcast. The two broadcasts go out
// only after both durable writes returned.
func (c *Coordinator) Join(ctx context.Context, connectionID, channelID string) error {
	userID, ok := c.sessions.Resolve(connectionID)
	if !ok {
		return ErrUnauthenticated
	}

	unlock := c.locks.Lock(userKey(userID), channelKey(channelID))
	defer unlock()

	ch, err := c.channelStore.GetByID(ctx, channelID)
	if errors.Is(err, channels.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return storeFailure("load channel", err)
	}
	if ch.Type != channels.TypeVoice {
		return ErrInvalidChannelType
	}
	if slices.Contains(ch.UserIDs, userID) {
		return ErrAlreadyJoined
	}

	user, err := c.userStore.GetByID(ctx, userID)
	if errors.Is(err, users.ErrNotFound) {
		return ErrUnauthenticated
	}
	if err != nil {
		return storeFailure("load user", err)
	}
	// Switching channels needs an explicit leave first.
	if user.Voice != nil {
		return ErrAlreadyJoined
	}

	c.presence.Add(channelID, Entry{UserID: userID, ConnectionID: connectionID})

	if err := c.fabric.Subscribe(connectionID, channelID); err != nil {
		c.presence.Remove(channelID, userID)
		return err
	}

	roster, err := c.channelStore.AppendRoster(ctx, channelID, userID)
	if err != nil {
		c.undoJoin(ctx, connectionID, channelID, userID, false)
		if errors.Is(err, channels.ErrAlreadyMember) {
			return ErrAlreadyJoined
		}
		return storeFailure("append roster", err)
	}

	user.Voice = &users.VoiceState{ChannelID: channelID}
	saved, err := c.userStore.Save(ctx, user)
	if err != nil {
		c.undoJoin(ctx, connectionID, channelID, userID, true)
		return storeFailure("save voice state", err)
	}

	c.fabric.Publish(ch.GuildID, hub.Envelope{
		Type: hub.EventChannelUpdate,
		Payload: ChannelUpdate{
			ChannelID:      ch.ID,
			PartialChannel: PartialChannel{UserIDs: roster},
		},
	})
	c.fabric.Publish(ch.ID, hub.Envelope{
		Type:    hub.EventVoiceStateUpdate,
		Payload: VoiceStateUpdate{UserID: saved.ID, Voice: saved.Voice},
	})

	slog.Info("voice join", "user_id", userID, "channel_id", channelID, "connection_id", connectionID, "roster", len(roster))
	return nil
}

// undoJoin reverts the effects of a join that failed part way.
func (c *Coordinator) undoJoin(ctx context.Context, connectionID, channelID, userID string, rosterWritten bool) {
	c.presence.Remove(channelID, userID)
	c.fabric.Unsubscribe(connectionID, channelID)
	if !rosterWritten {
		return
	}
	if _, err := c.channelStore.RemoveRoster(context.WithoutCancel(ctx), channelID, userID); err != nil {
		slog.Error("voice join rollback: remove roster entry",
			"user_id", userID, "channel_id", channelID, "err", err)
	}
}

// Leave takes the user behind connectionID out of their voice channel and
// returns the channel they left.
func (c *Coordinator) Leave(ctx context.Context, connectionID string) (string, error) {
	userID, ok := c.sessions.Resolve(connectionID)
	if !ok {
		return "", ErrUnauthenticated
	}
	return c.leave(ctx, userID, connectionID, false)
}

// Disconnect is Leave for a connection that is going away. It only acts when
// that connection is the one holding the user's voice session, so closing a
// second tab does not drop the user from voice.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID string) (channelID string, left bool, err error) {
	userID, ok := c.sessions.Resolve(connectionID)
	if !ok {
		return "", false, nil
	}
	channelID, err = c.leave(ctx, userID, connectionID, true)
	switch {
	case errors.Is(err, ErrNotInVoice), errors.Is(err, errNotHolder):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return channelID, true, nil
}

func (c *Coordinator) leave(ctx context.Context, userID, connectionID string, holderOnly bool) (string, error) {
	for attempt := 0; attempt < maxLeaveAttempts; attempt++ {
		user, err := c.userStore.GetByID(ctx, userID)
		if errors.Is(err, users.ErrNotFound) {
			return "", ErrUnauthenticated
		}
		if err != nil {
			return "", storeFailure("load user", err)
		}
		if user.Voice == nil {
			return "", ErrNotInVoice
		}

		channelID := user.Voice.ChannelID
		done, err := c.leaveChannel(ctx, userID, channelID, connectionID, holderOnly)
		if done {
			return channelID, err
		}
		// The pointer moved between the read and taking the lock; look again.
	}
	return "", errStateChurned
}

// leaveChannel performs the leave under the user and channel locks. It
// returns done=false when the user's voice pointer no longer names channelID.
func (c *Coordinator) leaveChannel(ctx context.Context, userID, channelID, connectionID string, holderOnly bool) (bool, error) {
	unlock := c.locks.Lock(userKey(userID), channelKey(channelID))
	defer unlock()

	user, err := c.userStore.GetByID(ctx, userID)
	if err != nil {
		return true, storeFailure("load user", err)
	}
	if user.Voice == nil {
		return true, ErrNotInVoice
	}
	if user.Voice.ChannelID != channelID {
		return false, nil
	}

	entry, live := c.presence.Get(channelID, userID)
	if holderOnly && (!live || entry.ConnectionID != connectionID) {
		return true, errNotHolder
	}
	voiceConn := connectionID
	if live {
		voiceConn = entry.ConnectionID
	}

	ch, err := c.channelStore.GetByID(ctx, channelID)
	deleted := errors.Is(err, channels.ErrNotFound)
	if err != nil && !deleted {
		return true, storeFailure("load channel", err)
	}

	c.presence.Remove(channelID, userID)

	var roster []string
	rosterIndex := -1
	if !deleted {
		rosterIndex = slices.Index(ch.UserIDs, userID)
		roster, err = c.channelStore.RemoveRoster(ctx, channelID, userID)
		if err != nil {
			if live {
				c.presence.Add(channelID, entry)
			}
			return true, storeFailure("remove roster entry", err)
		}
	}

	user.Voice = nil
	if _, err := c.userStore.Save(ctx, user); err != nil {
		if rosterIndex >= 0 {
			if _, rerr := c.channelStore.RestoreRoster(context.WithoutCancel(ctx), channelID, userID, rosterIndex); rerr != nil {
				slog.Error("voice leave rollback: restore roster entry",
					"user_id", userID, "channel_id", channelID, "err", rerr)
			}
		}
		if live {
			c.presence.Add(channelID, entry)
		}
		return true, storeFailure("clear voice state", err)
	}

	if !deleted {
		c.fabric.Publish(ch.GuildID, hub.Envelope{
			Type: hub.EventChannelUpdate,
			Payload: ChannelUpdate{
				ChannelID:      channelID,
				PartialChannel: PartialChannel{UserIDs: roster},
			},
		})
	}
	c.fabric.Publish(channelID, hub.Envelope{
		Type:    hub.EventVoiceStateUpdate,
		Payload: VoiceStateUpdate{UserID: userID, Voice: nil},
	})
	c.fabric.Unsubscribe(voiceConn, channelID)

	slog.Info("voice leave", "user_id", userID, "channel_id", channelID, "connection_id", voiceConn, "roster", len(roster))
	return true, nil
}

// AttachStream records the media handle for a live occupant. It reports
// false if the user has already left the channel.
func (c *Coordinator) AttachStream(channelID, userID string, stream json.RawMessage) bool {
	return c.presence.SetStream(channelID, userID, stream)
}

// InChannel reports whether userID is live in channelID.
func (c *Coordinator) InChannel(channelID, userID string) bool {
	return c.presence.Contains(channelID, userID)
}

// Occupants returns the live occupants of channelID.
func (c *Coordinator) Occupants(channelID string) []Entry {
	return c.presence.ListOccupants(channelID)
}
