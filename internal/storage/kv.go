// Package storage provides the durable key/value backends used by the offline
// store: an in-process map, an embedded badger database and Redis.
package storage

import (
	"context"
	"strings"

	"github.com/NikhilSetiya/chat-resilience/pkg/config"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// KV is a minimal durable key/value store. Get reports a missing key with
// found=false and a nil error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Open builds the backend selected by cfg.Storage.Backend
func Open(cfg *config.Config, logger *logging.Logger) (KV, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration is required")
	}
	logger = logging.OrGlobal(logger)

	switch strings.ToLower(cfg.Storage.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadger(BadgerConfig{
			Path:      cfg.Storage.BadgerPath,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
	case BackendRedis:
		client, err := NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Storage.KeyPrefix), nil
	default:
		return nil, errors.NewValidationError("unknown storage backend: " + cfg.Storage.Backend)
	}
}
