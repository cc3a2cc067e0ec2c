package renderer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

// Blended renders each part concurrently and blends the results in part
// order. Any part failing fails the tile.
type Blended struct {
	parts   []Renderer
	blender Blender
}

func NewBlended(parts []Renderer, b Blender) *Blended {
	return &Blended{parts: parts, blender: b}
}

func (b *Blended) GetTile(ctx context.Context, t model.Tile) (*Tile, Stats, error) {
	tiles := make([][]byte, len(b.parts))
	stats := make([]Stats, len(b.parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range b.parts {
		g.Go(func() error {
			tile, st, err := r.GetTile(gctx, t)
			if err != nil {
				return err
			}
			tiles[i] = tile.Body
			stats[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}

	var total Stats
	for _, st := range stats {
		total.Add(st)
	}
	start := time.Now()
	body, err := b.blender.Blend(ctx, tiles)
	if err != nil {
		return nil, total, err
	}
	total.RenderTime += time.Since(start)
	return &Tile{Body: body, ContentType: FormatPNG.ContentType()}, total, nil
}

func (b *Blended) Tables() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range b.parts {
		for _, t := range Tables(r) {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func (b *Blended) Close() error {
	var errs []error
	for _, r := range b.parts {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
