package kafka

import "context"

// Target applies decoded invalidation events.
type Target interface {
	InvalidateTables(ctx context.Context, db string, tables []string) (renderers, tiles int, err error)
	InvalidateToken(token string) int
}
