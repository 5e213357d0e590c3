package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store keeps per-session chat history as an ordered Redis list in the chat
// database (DB 1). Every append refreshes the key TTL, so active sessions
// never expire while idle ones are evicted.
//
// The connection is dialed lazily on first use behind a double-checked
// mutex; a failed read tears the handle down and retries once before
// degrading to an empty history.
type Store struct {
	dial   func() (*redis.Client, error)
	logger *zap.Logger
	ttl    time.Duration

	mu     sync.Mutex
	client *redis.Client
}

func NewStore(dial func() (*redis.Client, error), logger *zap.Logger, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		dial:   dial,
		logger: logger,
		ttl:    ttl,
	}
}

// NewStoreWithClient wraps an existing client, mainly for tests.
func NewStoreWithClient(client *redis.Client, logger *zap.Logger, ttl time.Duration) *Store {
	s := NewStore(func() (*redis.Client, error) { return client, nil }, logger, ttl)
	s.client = client
	return s
}

func (s *Store) getClient() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect chat store: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *Store) dropClient() {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

// Append pushes a raw JSON message to the end of the session log and
// refreshes the 24 h TTL.
func (s *Store) Append(ctx context.Context, sessionID string, message json.RawMessage) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}

	key := s.chatKey(sessionID)
	if err := client.RPush(ctx, key, string(message)).Err(); err != nil {
		return fmt.Errorf("failed to append session message: %w", err)
	}
	if err := client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh session TTL: %w", err)
	}

	s.logger.Debug("Session message stored",
		zap.String("session_id", sessionID),
		zap.Duration("ttl", s.ttl))

	return nil
}

// History returns the full ordered message list for a session. Malformed
// entries are dropped silently. A store failure triggers one reconnect and
// retry; further failure degrades to an empty history rather than erroring
// the request.
func (s *Store) History(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	msgs, err := s.readAll(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Chat store read failed, reconnecting",
			zap.String("session_id", sessionID), zap.Error(err))
		s.dropClient()

		msgs, err = s.readAll(ctx, sessionID)
		if err != nil {
			s.logger.Warn("Chat store retry failed, returning empty history",
				zap.String("session_id", sessionID), zap.Error(err))
			return nil, nil
		}
	}
	return msgs, nil
}

func (s *Store) readAll(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	raw, err := client.LRange(ctx, s.chatKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}

	msgs := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		if !json.Valid([]byte(item)) {
			continue
		}
		msgs = append(msgs, json.RawMessage(item))
	}
	return msgs, nil
}

func (s *Store) chatKey(sessionID string) string {
	return fmt.Sprintf("sentinel:chat:%s", sessionID)
}
