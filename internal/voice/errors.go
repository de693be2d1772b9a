package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated: the connection has no session; the client must
	// authenticate again.
	ErrUnauthenticated = errors.New("no session for connection")
	// ErrNotFound: the channel does not exist, usually stale client state.
	ErrNotFound = errors.New("channel not found")
	// ErrInvalidChannelType: only voice channels can be joined.
	ErrInvalidChannelType = errors.New("cannot join a non-voice channel")
	// ErrAlreadyJoined: the user is already in this or another voice channel.
	// Duplicate join messages end here; clients may treat it as success.
	ErrAlreadyJoined = errors.New("user already connected to voice")
	// ErrNotInVoice: leave requested by a user who is in no voice channel.
	ErrNotInVoice = errors.New("user is not in a voice channel")
	// ErrStoreFailure: a durable read or write failed. Partial effects have
	// been compensated; the client should retry the whole operation.
	ErrStoreFailure = errors.New("store failure")

	errNotHolder    = errors.New("connection does not hold the voice session")
	errStateChurned = errors.New("voice state changed concurrently")
)

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
