// Package presence tracks which participants of a document are
// currently connected. Each participant holds a Redis key with a
// liveness TTL that submit/fetch traffic refreshes; a key that expires
// means the participant went offline.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis at redisURL.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "presence:"}
}

func (s *Store) key(documentID, participantID string) string {
	return s.prefix + documentID + ":" + participantID
}

// Touch marks the participant online for another ttl.
func (s *Store) Touch(ctx context.Context, documentID, participantID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	lastSeen := time.Now().UTC().Format(time.RFC3339)
	if err := s.client.Set(ctx, s.key(documentID, participantID), lastSeen, ttl).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Forget drops the participant's presence immediately, e.g. on leave.
func (s *Store) Forget(ctx context.Context, documentID, participantID string) error {
	if err := s.client.Del(ctx, s.key(documentID, participantID)).Err(); err != nil {
		return fmt.Errorf("forget presence: %w", err)
	}
	return nil
}

// Online returns the set of participant IDs currently connected to the
// document.
func (s *Store) Online(ctx context.Context, documentID string) (map[string]bool, error) {
	match := s.prefix + documentID + ":*"
	online := make(map[string]bool)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		for _, key := range keys {
			participantID := strings.TrimPrefix(key, s.prefix+documentID+":")
			online[participantID] = true
		}
		if next == 0 {
			return online, nil
		}
		cursor = next
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
