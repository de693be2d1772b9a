package users

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("user not found")

// VoiceState points at the single voice channel a user occupies.
type VoiceState struct {
	ChannelID string `json:"channelId"`
}

// User is the part of an account the voice layer reads and writes.
type User struct {
	ID          string      `json:"id"`
	Username    string      `json:"username"`
	DisplayName string      `json:"displayName"`
	Voice       *VoiceState `json:"voice"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	var voice sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, voice_channel_id FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &voice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if voice.Valid {
		u.Voice = &VoiceState{ChannelID: voice.String}
	}
	return &u, nil
}

// Save persists the mutable fields of u (display name and voice pointer) and
// returns the stored record.
func (s *Store) Save(ctx context.Context, u *User) (*User, error) {
	var voice sql.NullString
	if u.Voice != nil {
		voice = sql.NullString{String: u.Voice.ChannelID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ?, voice_channel_id = ? WHERE id = ?`,
		u.DisplayName, voice, u.ID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, u.ID)
}

// ClearVoice resets every voice pointer. Called at startup, before any
// connection is accepted.
func (s *Store) ClearVoice(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET voice_channel_id = NULL WHERE voice_channel_id IS NOT NULL`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
