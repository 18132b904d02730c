package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-commerce/internal/domain/order"
)

const nextOrderNumberSQL = `SELECT nextval('order_number_seq')`

var (
	_ order.NumberSequence = (*PostgresSequence)(nil)
	_ order.NumberSequence = (*RedisSequence)(nil)
)

// PostgresSequence draws order numbers from the order_number_seq sequence.
type PostgresSequence struct {
	pool *pgxpool.Pool
}

// NewPostgresSequence returns a PostgresSequence that uses the given pool.
func NewPostgresSequence(pool *pgxpool.Pool) *PostgresSequence {
	return &PostgresSequence{pool: pool}
}

// Next returns the next sequence value.
func (s *PostgresSequence) Next(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, nextOrderNumberSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return n, nil
}

type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisSequence draws order numbers from an INCR counter. It suits
// deployments where several API instances share one Redis.
type RedisSequence struct {
	client incrementer
	key    string
}

// NewRedisSequence returns a RedisSequence incrementing key.
func NewRedisSequence(client redis.UniversalClient, key string) *RedisSequence {
	if key == "" {
		key = "kart:order_number_seq"
	}
	return &RedisSequence{client: client, key: key}
}

// Next returns the next counter value.
func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %q: %w", s.key, err)
	}
	return n, nil
}
