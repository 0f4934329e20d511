// Package auth implements token issuance and validation and the CAPTCHA
// verifier gating deploy requests.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/model"
)

// SessionStore is the subset of store.Store the session service needs.
type SessionStore interface {
	FindOrCreateUser(ctx context.Context, username string) (model.User, error)
	FindValidSessionForUser(ctx context.Context, userID int64) (*model.Session, error)
	CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error
	ValidateSession(ctx context.Context, token string) (*model.User, error)
}

// Sessions issues and validates opaque bearer tokens.
type Sessions struct {
	store SessionStore
	ttl   time.Duration
}

// NewSessions creates a session service with the given token lifetime.
func NewSessions(store SessionStore, ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

// IssueToken looks up or creates the user and returns a currently-valid
// token, reusing one if it already exists rather than minting a new one.
func (s *Sessions) IssueToken(ctx context.Context, username string) (token string, expiresAt time.Time, err error) {
	user, err := s.store.FindOrCreateUser(ctx, username)
	if err != nil {
		return "", time.Time{}, err
	}

	if existing, err := s.store.FindValidSessionForUser(ctx, user.ID); err != nil {
		return "", time.Time{}, err
	} else if existing != nil {
		return existing.ID, existing.ExpiresAt, nil
	}

	newToken := uuid.New().String()
	expiresAt = time.Now().Add(s.ttl)

	if err := s.store.CreateSession(ctx, newToken, user.ID, expiresAt); err != nil {
		return "", time.Time{}, err
	}

	return newToken, expiresAt, nil
}

// Authenticate validates a bearer token and returns its owning user.
// An empty token (the gateway passes one when the Authorization header is
// missing) is rejected here as a bad request.
func (s *Sessions) Authenticate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.BadRequest("missing token")
	}

	user, err := s.store.ValidateSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.BadRequest("invalid or expired token")
	}
	return user, nil
}
