// Package plain renders layers that are a solid color or a single
// background image repeated on every tile.
package plain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/mohammed-shakir/tileforge/internal/core/httpclient"
	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
)

// Resizer scales an image to a square PNG.
type Resizer interface {
	Resize(buf []byte, size int) ([]byte, error)
}

type Factory struct {
	Fetcher *httpclient.Fetcher
	Resizer Resizer
	Blender renderer.Blender
}

func (f *Factory) Formats() []renderer.Format {
	return []renderer.Format{renderer.FormatPNG}
}

// Create renders the tile body once; every tile of the layer is the same.
func (f *Factory) Create(ctx context.Context, mc *mapconfig.MapConfig, p renderer.Params) (renderer.Renderer, error) {
	size := int(model.TileSize * p.Scale())
	parts := make([]renderer.Renderer, 0, mc.Len())
	for i, l := range mc.Layers {
		body, err := f.body(ctx, l, size)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", mc.LayerID(i), err)
		}
		parts = append(parts, &Renderer{body: body})
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	if f.Blender == nil {
		return nil, errors.New("plain layers need a blender to stack")
	}
	return renderer.NewBlended(parts, f.Blender), nil
}

func (f *Factory) body(ctx context.Context, l mapconfig.Layer, size int) ([]byte, error) {
	o := l.Options
	if o.Color != "" {
		c, err := ParseColor(o.Color)
		if err != nil {
			return nil, renderer.Errorf(renderer.KindMissingOption, "Invalid color for 'plain' layer: %s", o.Color)
		}
		return Solid(c, size)
	}
	if o.ImageURL == "" {
		return nil, renderer.Errorf(renderer.KindMissingOption, "Plain layer: color or imageUrl required")
	}
	if f.Fetcher == nil {
		return nil, errors.New("no http client configured for imageUrl")
	}
	resp, err := f.Fetcher.Get(ctx, o.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch imageUrl: %w", err)
	}
	if f.Resizer == nil {
		return resp.Body, nil
	}
	return f.Resizer.Resize(resp.Body, size)
}

// Solid encodes a size x size PNG filled with c.
func Solid(c color.NRGBA, size int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type Renderer struct {
	body []byte
}

func (r *Renderer) GetTile(context.Context, model.Tile) (*renderer.Tile, renderer.Stats, error) {
	return &renderer.Tile{Body: r.body, ContentType: renderer.FormatPNG.ContentType()}, renderer.Stats{Layers: 1}, nil
}

func (r *Renderer) Close() error { return nil }
