package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/models"
)

// ErrConflict is returned when a username or email is already registered.
var ErrConflict = errors.New("already exists")

// ErrInvalidCredentials hides whether the username or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

const sqlStateUniqueViolation = "23505"

// UserPublisher emits user change events.
type UserPublisher interface {
	PublishUser(ctx context.Context, event string, user *models.User) error
}

// UserService registers users on the command side and issues the bearer
// tokens the ledger and query APIs accept.
type UserService struct {
	db        *sql.DB
	publisher UserPublisher
	auth      config.AuthConfig
	logger    *zap.Logger
	now       func() time.Time
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func NewUserService(db *sql.DB, publisher UserPublisher, auth config.AuthConfig, logger *zap.Logger) *UserService {
	return &UserService{
		db:        db,
		publisher: publisher,
		auth:      auth,
		logger:    logger.With(zap.String("component", "users")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *UserService) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	hashed, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:        uuid.NewString(),
		Username:  req.Username,
		Email:     strings.ToLower(req.Email),
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.Email, hashed, user.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == sqlStateUniqueViolation {
		return nil, fmt.Errorf("%w: username or email", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	if err := s.publisher.PublishUser(ctx, models.EventCreated, &user); err != nil {
		s.logger.Error("user event dropped after commit", zap.String("user_id", user.ID), zap.Error(err))
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: user}, nil
}

func (s *UserService) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var (
		user   models.User
		hashed string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE username = $1`, req.Username).Scan(&user.ID, &user.Username, &user.Email, &hashed, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !s.verifyPassword(req.Password, hashed) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: user}, nil
}

func (s *UserService) issueToken(userID string) (string, error) {
	if s.auth.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     s.now().Add(s.auth.JWTExpiry).Unix(),
	})
	signed, err := token.SignedString([]byte(s.auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// hashPassword returns "salt$hash", both base64, using argon2id.
func (s *UserService) hashPassword(password string) (string, error) {
	salt := make([]byte, s.auth.Argon2SaltLength)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		s.auth.Argon2Time, s.auth.Argon2Memory, s.auth.Argon2Threads, s.auth.Argon2KeyLength)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func (s *UserService) verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt,
		s.auth.Argon2Time, s.auth.Argon2Memory, s.auth.Argon2Threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
