// Package tilecache stores rendered tile results in Redis, tagged by the
// tables they were rendered from so data changes can drop them.
package tilecache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/tileforge/internal/cache/keys"
	"github.com/mohammed-shakir/tileforge/internal/cache/redisstore"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
)

// Entry is a cached tile response. A cached failure carries Status and
// Error and no body.
type Entry struct {
	Body        []byte `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Status      int    `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry, db string, tables []string) error
	InvalidateTables(ctx context.Context, db string, tables []string) (int, error)
}

type redisStore struct {
	cli *redisstore.Client
	ttl time.Duration
}

func NewRedisStore(cli *redisstore.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &redisStore{cli: cli, ttl: ttl}
}

func (s *redisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, ok, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("tilecache get: %w", err)
	}
	if !ok {
		observability.IncTileCacheMiss()
		return nil, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		observability.IncTileCacheMiss()
		return nil, false, fmt.Errorf("tilecache decode %q: %w", key, err)
	}
	observability.IncTileCacheHit()
	return &e, true, nil
}

// Put stores e under key and adds key to the tag set of every table.
func (s *redisStore) Put(ctx context.Context, key string, e *Entry, db string, tables []string) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("tilecache encode: %w", err)
	}
	if err := s.cli.Set(ctx, key, payload, s.ttl); err != nil {
		return fmt.Errorf("tilecache put: %w", err)
	}
	if err := s.cli.Tag(ctx, tags(db, tables), key, s.ttl); err != nil {
		return fmt.Errorf("tilecache tag: %w", err)
	}
	return nil
}

// InvalidateTables deletes every tile tagged with one of tables and
// returns how many keys went.
func (s *redisStore) InvalidateTables(ctx context.Context, db string, tables []string) (int, error) {
	n := 0
	for _, t := range tables {
		tag := keys.TableTag(db, t)
		members, err := s.cli.Members(ctx, tag)
		if err != nil {
			return n, fmt.Errorf("tilecache invalidate %s: %w", t, err)
		}
		if err := s.cli.Del(ctx, append(members, tag)...); err != nil {
			return n, fmt.Errorf("tilecache invalidate %s: %w", t, err)
		}
		n += len(members)
	}
	return n, nil
}

// tags covers both the qualified and the bare table name so an event
// naming either finds the tile.
func tags(db string, tables []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		tag := keys.TableTag(db, t)
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	for _, t := range tables {
		add(t)
		if _, bare, ok := strings.Cut(t, "."); ok {
			add(bare)
		}
	}
	return out
}
