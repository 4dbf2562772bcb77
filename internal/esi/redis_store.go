package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBookStore shares complete order books between processes.
type RedisBookStore struct {
	Client *redis.Client
}

// NewRedisBookStore connects a store; the connection is lazy.
func NewRedisBookStore(opt *redis.Options) *RedisBookStore {
	return &RedisBookStore{Client: redis.NewClient(opt)}
}

// GetBook implements BookStore.
func (s *RedisBookStore) GetBook(ctx context.Context, key string) (OrderBook, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderBook{}, false, nil
	}
	if err != nil {
		return OrderBook{}, false, err
	}
	var book OrderBook
	if err := json.Unmarshal(b, &book); err != nil {
		return OrderBook{}, false, fmt.Errorf("decode cached book %s: %w", key, err)
	}
	return book, true, nil
}

// SetBook implements BookStore.
func (s *RedisBookStore) SetBook(ctx context.Context, key string, book OrderBook, ttl time.Duration) error {
	b, err := json.Marshal(book)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, key, b, ttl).Err()
}

// Close releases the connection pool.
func (s *RedisBookStore) Close() error {
	return s.Client.Close()
}
