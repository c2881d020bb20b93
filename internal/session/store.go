package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Record is the Redis view of a session.
type Record struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // connected | identified
	Username   string `redis:"username"`    // empty until announce
	Identity   string `redis:"identity"`    // authenticated user, if any
	Server     string `redis:"server"`      // which chat server instance
	RemoteAddr string `redis:"remote_addr"` // client address at upgrade
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store mirrors session state into Redis. It implements Mirror.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

var _ Mirror = (*Store)(nil)

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session hash with a 1h TTL.
func (s *Store) Create(ctx context.Context, sess Session) error {
	key := SessionPrefix + sess.ID

	fields := map[string]interface{}{
		"id":          sess.ID,
		"status":      string(sess.State),
		"username":    sess.Username,
		"identity":    sess.Identity,
		"server":      s.serverName,
		"remote_addr": sess.RemoteAddr,
		"created_at":  sess.CreatedAt.Unix(),
		"last_active": sess.LastActive.Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Identify records the announced username and refreshes the TTL.
func (s *Store) Identify(ctx context.Context, id, username string) error {
	key := SessionPrefix + id
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"username", username,
		"status", string(StateIdentified),
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	key := SessionPrefix + id
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, SessionPrefix+id).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
