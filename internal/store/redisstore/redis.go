package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sharePrefix = "share:"

// Store caches resolved share links so public reads skip the database.
type Store struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func shareKey(token string) string {
	return sharePrefix + token
}

// GetShare returns nil, nil on a cache miss.
func (s *Store) GetShare(ctx context.Context, token string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, shareKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) SetShare(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, shareKey(token), payload, ttl).Err()
}

func (s *Store) DeleteShare(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, shareKey(token)).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
