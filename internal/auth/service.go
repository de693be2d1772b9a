package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clk-66/accord/internal/db"
)

var (
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Account is what register and login hand back to the caller.
type Account struct {
	ID          string
	Username    string
	DisplayName string
}

// Session is an issued access token.
type Session struct {
	AccessToken string
	ExpiresIn   int64 // seconds until expiry
}

// Service handles account creation and credential checks.
type Service struct {
	db             *sql.DB
	jwtSecret      string
	accessTokenTTL time.Duration
}

func NewService(db *sql.DB, jwtSecret string, accessTTL time.Duration) *Service {
	return &Service{
		db:             db,
		jwtSecret:      jwtSecret,
		accessTokenTTL: accessTTL,
	}
}

type RegisterInput struct {
	Username    string
	DisplayName string
	Password    string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, *Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	acc := &Account{
		ID:          uuid.NewString(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash) VALUES (?, ?, ?, ?)`,
		acc.ID, acc.Username, acc.DisplayName, string(hash),
	)
	if db.IsUniqueConstraint(err) {
		return nil, nil, ErrUserExists
	}
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.issue(acc.ID)
	if err != nil {
		return nil, nil, err
	}
	return acc, sess, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*Account, *Session, error) {
	var acc Account
	var passwordHash string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash FROM users WHERE username = ?`,
		username,
	).Scan(&acc.ID, &acc.Username, &acc.DisplayName, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	sess, err := s.issue(acc.ID)
	if err != nil {
		return nil, nil, err
	}
	return &acc, sess, nil
}

func (s *Service) issue(userID string) (*Session, error) {
	token, err := GenerateAccessToken(userID, s.jwtSecret, s.accessTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken: token,
		ExpiresIn:   int64(s.accessTokenTTL.Seconds()),
	}, nil
}
