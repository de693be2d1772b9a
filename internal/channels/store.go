package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clk-66/accord/internal/db"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyMember = errors.New("already a member")
)

// ---- Domain types --------------------------------------------------------

type ChannelType string

const (
	TypeText  ChannelType = "TEXT"
	TypeVoice ChannelType = "VOICE"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	return t == TypeText || t == TypeVoice
}

type Guild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// Channel is a guild channel. UserIDs is the persisted voice roster in join
// order; it is always empty for text channels.
type Channel struct {
	ID       string      `json:"id"`
	GuildID  string      `json:"guildId"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	Position int         `json:"position"`
	UserIDs  []string    `json:"userIds"`
}

// ---- Store ---------------------------------------------------------------

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetByID loads a channel together with its roster.
func (s *Store) GetByID(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, guild_id, name, type, position FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.GuildID, &ch.Name, &ch.Type, &ch.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ch.UserIDs, err = roster(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// AppendRoster adds userID to the end of the channel's roster and returns the
// roster as committed. The (channel_id, user_id) primary key rejects a second
// insert for the same user with ErrAlreadyMember.
func (s *Store) AppendRoster(ctx context.Context, channelID, userID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, position)
		SELECT ?, ?, COALESCE(MAX(position), 0) + 1
		FROM channel_members
		WHERE channel_id = ?
	`, channelID, userID, channelID)
	if db.IsUniqueConstraint(err) {
		return nil, ErrAlreadyMember
	}
	if err != nil {
		return nil, fmt.Errorf("insert roster entry: %w", err)
	}

	ids, err := roster(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveRoster drops userID from the channel's roster and returns what is
// left. Removing a user that is not on the roster is not an error.
func (s *Store) RemoveRoster(ctx context.Context, channelID, userID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID,
	); err != nil {
		return nil, fmt.Errorf("delete roster entry: %w", err)
	}

	ids, err := roster(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RestoreRoster puts userID back into the roster at index, shifting later
// entries down. An index past the end appends.
func (s *Store) RestoreRoster(ctx context.Context, channelID, userID string, index int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var at int
	err = tx.QueryRowContext(ctx, `
		SELECT position FROM channel_members
		WHERE channel_id = ?
		ORDER BY position ASC
		LIMIT 1 OFFSET ?
	`, channelID, max(index, 0)).Scan(&at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM channel_members WHERE channel_id = ?`, channelID,
		).Scan(&at)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE channel_members SET position = position + 1 WHERE channel_id = ? AND position >= ?`,
			channelID, at,
		); err != nil {
			return nil, fmt.Errorf("shift roster: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id, position) VALUES (?, ?, ?)`,
		channelID, userID, at,
	)
	if db.IsUniqueConstraint(err) {
		return nil, ErrAlreadyMember
	}
	if err != nil {
		return nil, fmt.Errorf("insert roster entry: %w", err)
	}

	ids, err := roster(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ClearRosters empties every voice roster. Live presence does not survive a
// restart, so rosters left over from the previous process are stale.
func (s *Store) ClearRosters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_members`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type CreateChannelInput struct {
	GuildID  string
	Name     string
	Type     ChannelType
	Position int
}

func (s *Store) CreateChannel(ctx context.Context, in CreateChannelInput) (*Channel, error) {
	ch := &Channel{
		ID:       uuid.NewString(),
		GuildID:  in.GuildID,
		Name:     in.Name,
		Type:     in.Type,
		Position: in.Position,
		UserIDs:  []string{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, guild_id, name, type, position) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.GuildID, ch.Name, ch.Type, ch.Position,
	)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ListByGuild returns a guild's channels ordered by position, each with its
// roster loaded.
func (s *Store) ListByGuild(ctx context.Context, guildID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.guild_id, c.name, c.type, c.position, m.user_id
		FROM channels c
		LEFT JOIN channel_members m ON m.channel_id = c.id
		WHERE c.guild_id = ?
		ORDER BY c.position ASC, c.rowid ASC, m.position ASC
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Channel{}
	for rows.Next() {
		var ch Channel
		var member sql.NullString
		if err := rows.Scan(&ch.ID, &ch.GuildID, &ch.Name, &ch.Type, &ch.Position, &member); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != ch.ID {
			ch.UserIDs = []string{}
			out = append(out, ch)
		}
		if member.Valid {
			last := &out[len(out)-1]
			last.UserIDs = append(last.UserIDs, member.String)
		}
	}
	return out, rows.Err()
}

// ---- Guilds --------------------------------------------------------------

// CreateGuild creates a guild owned by ownerID and makes the owner its first
// member.
func (s *Store) CreateGuild(ctx context.Context, name, ownerID string) (*Guild, error) {
	g := &Guild{ID: uuid.NewString(), Name: name, OwnerID: ownerID}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guilds (id, name, owner_id) VALUES (?, ?, ?)`, g.ID, g.Name, g.OwnerID,
	); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guild_members (guild_id, user_id) VALUES (?, ?)`, g.ID, ownerID,
	); err != nil {
		return nil, err
	}
	return g, tx.Commit()
}

func (s *Store) GetGuild(ctx context.Context, id string) (*Guild, error) {
	var g Guild
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id FROM guilds WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) AddGuildMember(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_members (guild_id, user_id) VALUES (?, ?)`, guildID, userID,
	)
	if db.IsUniqueConstraint(err) {
		return ErrAlreadyMember
	}
	return err
}

func (s *Store) IsGuildMember(ctx context.Context, guildID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM guild_members WHERE guild_id = ? AND user_id = ?`, guildID, userID,
	).Scan(&n)
	return n > 0, err
}

// GuildsOf returns the ids of every guild userID belongs to.
func (s *Store) GuildsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id FROM guild_members WHERE user_id = ? ORDER BY joined_at ASC, rowid ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListGuildsOf returns the guilds userID belongs to.
func (s *Store) ListGuildsOf(ctx context.Context, userID string) ([]Guild, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.owner_id
		FROM guilds g
		JOIN guild_members m ON m.guild_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.rowid ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Guild{}
	for rows.Next() {
		var g Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func roster(ctx context.Context, q querier, channelID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY position ASC`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
