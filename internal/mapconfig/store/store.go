// Package store persists layergroups by token. The tile core only reads;
// writes happen when a layergroup is instantiated.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tileforge/internal/cache/keys"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
)

var ErrNotFound = errors.New("layergroup not found")

type Store interface {
	Get(ctx context.Context, token string) (*mapconfig.MapConfig, error)
	Put(ctx context.Context, mc *mapconfig.MapConfig) (string, error)
}

type kv interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Redis stores the canonical encoding under the content id, fronted by a
// small in-process LRU of parsed configs.
type Redis struct {
	kv    kv
	ttl   time.Duration
	local *lru.Cache[string, *mapconfig.MapConfig]
}

func NewRedis(c kv, ttl time.Duration, localSize int) (*Redis, error) {
	if localSize <= 0 {
		localSize = 256
	}
	local, err := lru.New[string, *mapconfig.MapConfig](localSize)
	if err != nil {
		return nil, fmt.Errorf("layergroup lru: %w", err)
	}
	return &Redis{kv: c, ttl: ttl, local: local}, nil
}

func (s *Redis) Get(ctx context.Context, token string) (*mapconfig.MapConfig, error) {
	if mc, ok := s.local.Get(token); ok {
		return mc, nil
	}
	b, found, err := s.kv.Get(ctx, keys.MapConfigKey(token))
	if err != nil {
		return nil, fmt.Errorf("load layergroup %s: %w", token, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	mc, err := mapconfig.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("stored layergroup %s: %w", token, err)
	}
	s.local.Add(token, mc)
	return mc, nil
}

func (s *Redis) Put(ctx context.Context, mc *mapconfig.MapConfig) (string, error) {
	b, err := mc.Canonical()
	if err != nil {
		return "", err
	}
	token := mc.ID()
	if err := s.kv.Set(ctx, keys.MapConfigKey(token), b, s.ttl); err != nil {
		return "", fmt.Errorf("save layergroup %s: %w", token, err)
	}
	s.local.Add(token, mc)
	return token, nil
}

// Memory keeps layergroups in a bounded LRU only.
type Memory struct {
	c *lru.Cache[string, *mapconfig.MapConfig]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, *mapconfig.MapConfig](size)
	return &Memory{c: c}
}

func (m *Memory) Get(_ context.Context, token string) (*mapconfig.MapConfig, error) {
	if mc, ok := m.c.Get(token); ok {
		return mc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
}

func (m *Memory) Put(_ context.Context, mc *mapconfig.MapConfig) (string, error) {
	token := mc.ID()
	m.c.Add(token, mc)
	return token, nil
}
