package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoSession means no refresh credential is stored for the identity.
	ErrNoSession = errors.New("no active session")
	// ErrSessionMismatch means the presented refresh credential is not the
	// stored one: it was superseded by a later login or already rotated.
	ErrSessionMismatch = errors.New("refresh token mismatch")
)

// rotateScript swaps the stored refresh token only if the presented value
// still matches. Runs atomically on the Redis side so a concurrent login or
// logout cannot interleave with a refresh.
var rotateScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// SessionStore keeps at most one live refresh credential per identity in
// Redis. Set overwrites the slot, which is what enforces the
// single-active-session rule.
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore creates a Redis-backed session store.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

func sessionKey(userID string) string {
	return "session:" + userID
}

// Get returns the currently stored refresh credential for the identity.
func (s *SessionStore) Get(ctx context.Context, userID string) (string, error) {
	val, err := s.rdb.Get(ctx, sessionKey(userID)).Result()
	if err == redis.Nil {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return val, nil
}

// Set stores the refresh credential, replacing any previous one.
func (s *SessionStore) Set(ctx context.Context, userID, token string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, sessionKey(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// Clear removes the stored credential. Idempotent.
func (s *SessionStore) Clear(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Rotate replaces the stored credential with next only when presented matches
// the current value.
func (s *SessionStore) Rotate(ctx context.Context, userID, presented, next string, ttl time.Duration) error {
	res, err := rotateScript.Run(ctx, s.rdb, []string{sessionKey(userID)}, presented, next, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	switch res {
	case -1:
		return ErrNoSession
	case 0:
		return ErrSessionMismatch
	default:
		return nil
	}
}
