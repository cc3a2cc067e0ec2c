package rendercache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Guard runs at most one creation per key. Callers arriving while a
// creation is in flight wait for it and receive the same value or error.
type Guard[T any] struct {
	g singleflight.Group
}

// Do runs fn for key unless a call for key is already running. A caller
// whose ctx ends stops waiting; the shared call keeps going. shared is
// true when the result went to more than one caller.
func (g *Guard[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, shared bool, err error) {
	ch := g.g.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return v, r.Shared, r.Err
		}
		return r.Val.(T), r.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}
