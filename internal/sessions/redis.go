package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"expense-backend/internal/apperrors"
	"expense-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	fieldUserID       = "user_id"
	fieldExpiresAt    = "expires_at"
	fieldLastActivity = "last_activity"
)

// RedisStore keeps sessions in Redis hashes that expire with the session.
// Each user also has a set of their session tokens so all of them can be
// revoked at once.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient creates a Redis client from opts.
func NewRedisClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedisStore returns a RedisStore using rdb. An empty prefix defaults to "expense".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "expense"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) sessionKey(token string) string {
	return s.prefix + ":session:" + token
}

func (s *RedisStore) userKey(userID int64) string {
	return s.prefix + ":user_sessions:" + strconv.FormatInt(userID, 10)
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// createScript writes the session hash and indexes the token under its user.
// The user set lives as long as the latest session it holds.
//
// KEYS: session key, user set key
// ARGV: user id, expires_at, last_activity, expiry (unix ms), token, now (unix ms)
var createScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'expires_at', ARGV[2], 'last_activity', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
local ttl = redis.call('PTTL', KEYS[2])
if ttl == -1 or tonumber(ARGV[6]) + ttl < tonumber(ARGV[4]) then
	redis.call('PEXPIREAT', KEYS[2], ARGV[4])
end
return 1
`)

// renewScript extends a session only if it still exists, so a concurrent
// revocation is never undone. Returns 0 when the session is gone.
//
// KEYS: session key, user set key
// ARGV: expires_at, last_activity, expiry (unix ms), now (unix ms), token
var renewScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[1], 'last_activity', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[5])
local ttl = redis.call('PTTL', KEYS[2])
if ttl == -1 or tonumber(ARGV[4]) + ttl < tonumber(ARGV[3]) then
	redis.call('PEXPIREAT', KEYS[2], ARGV[3])
end
return 1
`)

// CreateSession stores a new session for a user.
func (s *RedisStore) CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error {
	now := time.Now().UTC()
	keys := []string{s.sessionKey(token), s.userKey(userID)}

	err := createScript.Run(ctx, s.rdb, keys,
		userID,
		expiresAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		expiresAt.UnixMilli(),
		token,
		now.UnixMilli(),
	).Err()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to create session", err)
	}
	return nil
}

// LookupSession returns the unexpired session for token.
func (s *RedisStore) LookupSession(ctx context.Context, token string) (*models.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(token)).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load session", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, "session not found")
	}

	session, err := parseSession(token, fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "corrupt session", err)
	}
	if !session.ExpiresAt.After(time.Now()) {
		return nil, apperrors.New(apperrors.ErrNotFound, "session expired")
	}
	return session, nil
}

func parseSession(token string, fields map[string]string) (*models.Session, error) {
	userID, err := strconv.ParseInt(fields[fieldUserID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", fieldUserID, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", fieldExpiresAt, err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, fields[fieldLastActivity])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", fieldLastActivity, err)
	}
	return &models.Session{
		Token:        token,
		UserID:       userID,
		ExpiresAt:    expiresAt,
		LastActivity: lastActivity,
	}, nil
}

// RenewSession updates the last activity and expiry of an existing session.
func (s *RedisStore) RenewSession(ctx context.Context, token string, newExpiresAt time.Time) error {
	userID, err := s.rdb.HGet(ctx, s.sessionKey(token), fieldUserID).Result()
	if errors.Is(err, redis.Nil) {
		return apperrors.New(apperrors.ErrNotFound, "session not found")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to renew session", err)
	}
	return s.renew(ctx, token, userID, newExpiresAt)
}

func (s *RedisStore) renew(ctx context.Context, token, userID string, newExpiresAt time.Time) error {
	now := time.Now().UTC()
	keys := []string{s.sessionKey(token), s.prefix + ":user_sessions:" + userID}

	renewed, err := renewScript.Run(ctx, s.rdb, keys,
		newExpiresAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		newExpiresAt.UnixMilli(),
		now.UnixMilli(),
		token,
	).Int()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to renew session", err)
	}
	if renewed == 0 {
		return apperrors.New(apperrors.ErrNotFound, "session not found")
	}
	return nil
}

// DeleteSession removes a session by token. Unknown tokens are ignored.
func (s *RedisStore) DeleteSession(ctx context.Context, token string) error {
	key := s.sessionKey(token)

	userID, err := s.rdb.HGet(ctx, key, fieldUserID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete session", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.prefix+":user_sessions:"+userID, token)
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete session", err)
	}
	return nil
}

// DeleteUserSessions removes every session of a user.
func (s *RedisStore) DeleteUserSessions(ctx context.Context, userID int64) error {
	userKey := s.userKey(userID)

	tokens, err := s.rdb.SMembers(ctx, userKey).Result()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user sessions", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, s.sessionKey(token))
	}
	keys = append(keys, userKey)

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user sessions", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
