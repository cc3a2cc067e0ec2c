// Package httplayer renders layers whose tiles come from an external tile
// service addressed by a url template.
package httplayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/tileforge/internal/core/config"
	"github.com/mohammed-shakir/tileforge/internal/core/httpclient"
	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
)

type Factory struct {
	whitelist *Whitelist
	fallback  []byte
	fetcher   *httpclient.Fetcher
	blender   renderer.Blender
	log       *slog.Logger
}

// NewFactory compiles the whitelist and loads the fallback image once.
func NewFactory(cfg config.HTTPLayersCfg, fetcher *httpclient.Fetcher, blender renderer.Blender, log *slog.Logger) (*Factory, error) {
	wl, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	f := &Factory{whitelist: wl, fetcher: fetcher, blender: blender, log: log}
	if f.log == nil {
		f.log = slog.Default()
	}
	if cfg.FallbackImage != "" {
		b, err := os.ReadFile(cfg.FallbackImage)
		if err != nil {
			return nil, fmt.Errorf("read fallback image: %w", err)
		}
		f.fallback = b
	}
	return f, nil
}

func (f *Factory) Formats() []renderer.Format {
	return []renderer.Format{renderer.FormatPNG}
}

// Create builds one renderer per layer. A layer whose template is not
// whitelisted gets the fallback renderer when a fallback image is
// configured and fails with "Invalid urlTemplate" otherwise.
func (f *Factory) Create(_ context.Context, mc *mapconfig.MapConfig, _ renderer.Params) (renderer.Renderer, error) {
	parts := make([]renderer.Renderer, 0, mc.Len())
	for i, l := range mc.Layers {
		o := l.Options
		if !f.whitelist.Allows(o.URLTemplate) {
			if f.fallback == nil {
				return nil, renderer.ErrInvalidURLTemplate
			}
			f.log.Warn("url template not whitelisted, serving fallback image", "layer", mc.LayerID(i), "template", o.URLTemplate)
			parts = append(parts, &Fallback{body: f.fallback})
			continue
		}
		if f.fetcher == nil {
			return nil, errors.New("no http client configured for http layers")
		}
		parts = append(parts, &Renderer{
			fetcher:    f.fetcher,
			template:   o.URLTemplate,
			subdomains: o.Subdomains,
			tms:        o.TMS,
		})
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	if f.blender == nil {
		return nil, errors.New("http layers need a blender to stack")
	}
	return renderer.NewBlended(parts, f.blender), nil
}

type Renderer struct {
	fetcher    *httpclient.Fetcher
	template   string
	subdomains []string
	tms        bool
}

func (r *Renderer) GetTile(ctx context.Context, t model.Tile) (*renderer.Tile, renderer.Stats, error) {
	start := time.Now()
	resp, err := r.fetcher.Get(ctx, r.URL(t))
	stats := renderer.Stats{Layers: 1, RenderTime: time.Since(start)}
	if err != nil {
		return nil, stats, fmt.Errorf("http layer: %w", err)
	}
	return &renderer.Tile{Body: resp.Body, ContentType: renderer.FormatPNG.ContentType()}, stats, nil
}

// URL expands {s}, {z}, {x} and {y} for t. Subdomains rotate by x+y.
func (r *Renderer) URL(t model.Tile) string {
	if r.tms {
		t = t.FlipY()
	}
	sub := ""
	if n := len(r.subdomains); n > 0 {
		sub = r.subdomains[(t.X+t.Y)%n]
	}
	return strings.NewReplacer(
		"{s}", sub,
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	).Replace(r.template)
}

func (r *Renderer) Close() error { return nil }

// Fallback serves the configured fallback image for every tile.
type Fallback struct {
	body []byte
}

func (f *Fallback) GetTile(context.Context, model.Tile) (*renderer.Tile, renderer.Stats, error) {
	return &renderer.Tile{Body: f.body, ContentType: renderer.FormatPNG.ContentType()}, renderer.Stats{Layers: 1, Fallback: true}, nil
}

func (f *Fallback) Close() error { return nil }
