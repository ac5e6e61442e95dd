// Package redis implements the Provider interface using Redis/Valkey.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*RedisProvider)(nil)

const defaultPrefix = "runguard:"

// RedisProvider implements the Provider interface backed by Redis/Valkey.
type RedisProvider struct {
	client    *goredis.Client
	prefix    string
	casScript *goredis.Script
	logger    *slog.Logger
}

// New creates a new RedisProvider.
func New(cfg *types.RedisConfig) *RedisProvider {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(client, cfg.KeyPrefix)
}

// NewFromClient creates a RedisProvider from an existing client (useful for testing).
func NewFromClient(client *goredis.Client, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisProvider{
		client:    client,
		prefix:    prefix,
		casScript: goredis.NewScript(compareAndSwapLua),
		logger:    slog.Default(),
	}
}

// SetLogger overrides the provider's logger.
func (p *RedisProvider) SetLogger(l *slog.Logger) {
	p.logger = l
}

// Start initializes the provider connection.
func (p *RedisProvider) Start(ctx context.Context) error {
	return p.Ping(ctx)
}

// Stop closes the provider connection.
func (p *RedisProvider) Stop(_ context.Context) error {
	return p.client.Close()
}

// Ping checks connectivity to the Redis server.
func (p *RedisProvider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client (for advanced usage/testing).
func (p *RedisProvider) Client() *goredis.Client {
	return p.client
}
