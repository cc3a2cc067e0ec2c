// Package tiler is the entry point the HTTP layer calls for tiles, widgets
// and metadata. It applies the render time limit and the tile error
// strategy on top of the renderer cache.
package tiler

import (
	"context"
	"errors"
	"image/color"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mohammed-shakir/tileforge/internal/cache/keys"
	"github.com/mohammed-shakir/tileforge/internal/cache/tilecache"
	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
	mylog "github.com/mohammed-shakir/tileforge/internal/logger"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/rendercache"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/plain"
	"github.com/mohammed-shakir/tileforge/internal/widgets"
)

const (
	HeaderCacheHit = "X-Cache-hit"
	HeaderCacheAge = "X-Cache-age"
	HeaderTileHit  = "X-Tile-Cache"
)

type TileParams struct {
	DBName      string
	Z, X, Y     int
	Format      renderer.Format
	Layers      []int
	ScaleFactor float64
	CacheBuster string
}

func (p TileParams) Tile() model.Tile { return model.Tile{Z: p.Z, X: p.X, Y: p.Y} }

type TileResult struct {
	Body    []byte
	Headers http.Header
	Stats   renderer.Stats
}

// ErrorStrategy may replace a failed tile. Returning a nil result keeps the
// error, possibly rewritten.
type ErrorStrategy func(ctx context.Context, err error, p TileParams) (*TileResult, error)

// TransparentOnTimeout answers timed out png requests with an empty tile.
func TransparentOnTimeout() ErrorStrategy {
	return func(_ context.Context, err error, p TileParams) (*TileResult, error) {
		if !errors.Is(err, renderer.ErrTimeout) || p.Format != renderer.FormatPNG {
			return nil, err
		}
		scale := p.ScaleFactor
		if scale <= 0 {
			scale = 1
		}
		body, perr := plain.Solid(color.NRGBA{}, int(model.TileSize*scale))
		if perr != nil {
			return nil, err
		}
		return &TileResult{Body: body, Headers: tileHeaders(body, p.Format.ContentType())}, nil
	}
}

type Options struct {
	// RenderTimeout bounds renderer acquisition plus rendering. Zero means
	// no limit.
	RenderTimeout time.Duration
	// CacheOnTimeout stores timed out results, substituted or not, in the
	// tile cache.
	CacheOnTimeout bool
	// CacheTiles stores every successful tile in the tile cache.
	CacheTiles  bool
	OnTileError ErrorStrategy
	Log         *slog.Logger
}

type Tiler struct {
	renderers *rendercache.Cache
	tiles     tilecache.Store
	widgets   *widgets.Aggregator
	opts      Options
	log       *slog.Logger
}

// New wires a Tiler. tiles may be nil, which disables the tile cache.
func New(rc *rendercache.Cache, tiles tilecache.Store, w *widgets.Aggregator, o Options) *Tiler {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	return &Tiler{renderers: rc, tiles: tiles, widgets: w, opts: o, log: log}
}

// GetTile renders tile p of mc. On renderer reuse the result carries
// X-Cache-hit and X-Cache-age.
func (t *Tiler) GetTile(ctx context.Context, mc *mapconfig.MapConfig, p TileParams) (*TileResult, error) {
	req := rendercache.Request{
		MapConfig:   mc,
		DBName:      p.DBName,
		Format:      p.Format,
		Layers:      p.Layers,
		ScaleFactor: p.ScaleFactor,
		CacheBuster: p.CacheBuster,
	}

	var tileKey string
	if t.tiles != nil {
		buster := p.CacheBuster
		if buster == "" {
			buster = "0"
		}
		tileKey = keys.TileKey(req.Fingerprint().With("buster", buster), p.Z, p.X, p.Y)
		if res, ok, err := t.cached(ctx, tileKey, p.Format); ok {
			observability.ObserveTile(string(p.Format), "cached")
			return res, err
		}
	}

	res, tables, err := t.render(ctx, req, p.Tile())
	if err == nil {
		observability.ObserveTile(string(p.Format), "ok")
		if t.opts.CacheTiles {
			t.store(ctx, tileKey, &tilecache.Entry{Body: res.Body, ContentType: res.Headers.Get("Content-Type")}, p.DBName, tables)
		}
		return res, nil
	}

	timedOut := errors.Is(err, renderer.ErrTimeout)
	if timedOut {
		observability.ObserveTile(string(p.Format), "timeout")
	} else {
		observability.ObserveTile(string(p.Format), "error")
	}

	if t.opts.OnTileError != nil {
		sub, serr := t.opts.OnTileError(ctx, err, p)
		if serr == nil && sub != nil {
			observability.ObserveTile(string(p.Format), "substituted")
			if timedOut && t.opts.CacheOnTimeout {
				t.store(ctx, tileKey, &tilecache.Entry{Body: sub.Body, ContentType: sub.Headers.Get("Content-Type")}, p.DBName, tables)
			}
			return sub, nil
		}
		if serr != nil {
			err = serr
		}
	}

	if timedOut && t.opts.CacheOnTimeout {
		t.store(ctx, tileKey, &tilecache.Entry{Status: renderer.HTTPStatus(err), Error: err.Error()}, p.DBName, tables)
	}
	return nil, err
}

func (t *Tiler) render(ctx context.Context, req rendercache.Request, tile model.Tile) (*TileResult, []string, error) {
	if t.opts.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RenderTimeout)
		defer cancel()
	}

	h, err := t.renderers.Acquire(ctx, req)
	if err != nil {
		return nil, nil, limitError(ctx, err)
	}
	defer h.Release()
	outcome := "miss"
	if h.Hit {
		outcome = "hit"
	}
	ctx = mylog.WithCacheOutcome(ctx, outcome)

	start := time.Now()
	out, stats, err := h.Renderer.GetTile(ctx, tile)
	observability.ObserveRender(string(req.Format), time.Since(start).Seconds())
	tables := renderer.Tables(h.Renderer)
	if err != nil {
		t.log.DebugContext(ctx, "render failed", "key", h.Key, "tile", tile.String(), "err", err)
		return nil, tables, limitError(ctx, err)
	}

	ct := out.ContentType
	if ct == "" {
		ct = req.Format.ContentType()
	}
	hdr := tileHeaders(out.Body, ct)
	if h.Hit {
		hdr.Set(HeaderCacheHit, "true")
		hdr.Set(HeaderCacheAge, strconv.FormatInt(int64(h.Age/time.Second), 10))
	}
	return &TileResult{Body: out.Body, Headers: hdr, Stats: stats}, tables, nil
}

func tileHeaders(body []byte, contentType string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("ETag", keys.ETag(body))
	return h
}

// limitError reports a blown render budget as ErrTimeout.
func limitError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return renderer.ErrTimeout
	}
	return err
}

// cached returns a stored tile, or with ok set and a non-nil error a stored
// failure. Store errors count as a miss.
func (t *Tiler) cached(ctx context.Context, key string, f renderer.Format) (*TileResult, bool, error) {
	e, ok, err := t.tiles.Get(ctx, key)
	if err != nil {
		t.log.Warn("tile cache read failed", "err", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if e.Error != "" {
		if e.Status == http.StatusTooManyRequests {
			return nil, true, renderer.Errorf(renderer.KindTimeout, "%s", e.Error)
		}
		return nil, true, errors.New(e.Error)
	}
	ct := e.ContentType
	if ct == "" {
		ct = f.ContentType()
	}
	hdr := tileHeaders(e.Body, ct)
	hdr.Set(HeaderTileHit, "hit")
	return &TileResult{Body: e.Body, Headers: hdr}, true, nil
}

func (t *Tiler) store(ctx context.Context, key string, e *tilecache.Entry, db string, tables []string) {
	if t.tiles == nil || key == "" {
		return
	}
	if err := t.tiles.Put(context.WithoutCancel(ctx), key, e, db, tables); err != nil {
		t.log.Warn("tile cache write failed", "err", err)
	}
}

// GetWidget evaluates widget name on layer ref.
func (t *Tiler) GetWidget(ctx context.Context, mc *mapconfig.MapConfig, db, ref, name string, f widgets.Filter) (any, error) {
	return t.widgets.Widget(ctx, mc, db, ref, name, f)
}

// GetMetadata returns per-layer metadata in layer order.
func (t *Tiler) GetMetadata(ctx context.Context, mc *mapconfig.MapConfig, db string) ([]widgets.LayerMetadata, error) {
	return t.widgets.Metadata(ctx, mc, db)
}

// InvalidateTables drops renderers and cached tiles that read from tables
// of db.
func (t *Tiler) InvalidateTables(ctx context.Context, db string, tables []string) (renderers, tiles int, err error) {
	renderers = t.renderers.InvalidateTables(db, tables)
	if t.tiles != nil {
		tiles, err = t.tiles.InvalidateTables(ctx, db, tables)
	}
	return renderers, tiles, err
}

// InvalidateToken drops every renderer built for layergroup token.
func (t *Tiler) InvalidateToken(token string) int {
	return t.renderers.Invalidate(func(i rendercache.Info) bool { return i.Token == token })
}
