// Package redisnotify fans auction notifications out over Redis Pub/Sub.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/notify"
)

// Channel returns the channel notifications about lotID are published on.
func Channel(lotID string) string { return "lot_events:" + lotID }

var _ notify.Publisher = (*Publisher)(nil)

// Publisher implements notify.Publisher over Redis Pub/Sub.
type Publisher struct {
	rdb *redis.Client
}

// Connect opens a client for cfg and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Publisher{rdb: rdb}, nil
}

func (p *Publisher) Name() string { return "redis" }

func (p *Publisher) Publish(ctx context.Context, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(e.LotID), data).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
