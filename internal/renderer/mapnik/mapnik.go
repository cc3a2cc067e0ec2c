// Package mapnik renders SQL-backed layers (mapnik and its cartodb alias).
// Every layer query runs through the read-only SQL engine as ST_AsMVT; the
// composited vector tile is served as is for mvt, or handed to the
// rendering engine with the layer styles for png and grid.json.
package mapnik

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/mvt"
	"github.com/mohammed-shakir/tileforge/internal/overviews"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/engine"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
)

const defaultBuffer = 64

type Factory struct {
	SQL    sqlexec.Querier
	Engine engine.Engine
	Log    *slog.Logger
}

func (f *Factory) Formats() []renderer.Format {
	return []renderer.Format{renderer.FormatPNG, renderer.FormatGrid, renderer.FormatMVT}
}

type layer struct {
	name    string
	sql     string
	geom    string
	columns []string
	src     mapconfig.Layer
}

// Create prepares the layer queries of mc. Overview rewriting happens once
// here with the zoom bound per tile through !zoom!.
func (f *Factory) Create(ctx context.Context, mc *mapconfig.MapConfig, p renderer.Params) (renderer.Renderer, error) {
	if f.SQL == nil {
		return nil, errors.New("no SQL engine configured")
	}
	r := &Renderer{
		sql:    f.SQL,
		db:     p.DBName,
		format: p.Format,
		scale:  p.Scale(),
		buffer: bufferSize(mc, p.Format),
		log:    f.Log,
	}
	if r.log == nil {
		r.log = slog.Default()
	}

	seen := map[string]bool{}
	for i, l := range mc.Layers {
		if strings.TrimSpace(l.Options.SQL) == "" {
			return nil, renderer.Errorf(renderer.KindMissingOption, "Missing sql for layer %s", mc.LayerID(i))
		}
		sql := overviews.Query(l.Options.SQL, l.Options.Overviews, overviews.Options{ZoomLevel: "!zoom!"})
		r.layers = append(r.layers, layer{
			name:    mc.LayerID(i),
			sql:     sql,
			geom:    l.GeomColumn(),
			columns: columns(l),
			src:     l,
		})

		tables, err := f.SQL.QueryTables(ctx, p.DBName, sqlexec.Substitute(sql, sqlexec.Vars{}))
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", mc.LayerID(i), err)
		}
		for _, t := range tables {
			if !seen[t] {
				seen[t] = true
				r.tables = append(r.tables, t)
			}
		}
	}

	if p.Format == renderer.FormatMVT {
		return r, nil
	}
	if f.Engine == nil {
		return nil, fmt.Errorf("format %s: %w", p.Format, engine.ErrNotConfigured)
	}
	sess, err := f.Engine.Open(ctx, r.engineMap())
	if err != nil {
		return nil, err
	}
	r.session = sess
	return r, nil
}

// Renderer holds the prepared queries of one view and, for raster formats,
// an open engine session.
type Renderer struct {
	sql     sqlexec.Querier
	session engine.Session
	db      string
	format  renderer.Format
	scale   float64
	buffer  int
	layers  []layer
	tables  []string
	log     *slog.Logger
}

func (r *Renderer) GetTile(ctx context.Context, t model.Tile) (*renderer.Tile, renderer.Stats, error) {
	stats := renderer.Stats{Layers: len(r.layers)}
	vars := sqlexec.TileVars(t, r.scale)

	sources := make([]mvt.Source, len(r.layers))
	for i, l := range r.layers {
		sources[i] = mvt.Source{Name: l.name, Fetch: func(ctx context.Context) ([]byte, error) {
			if !l.src.VisibleAt(t.Z) {
				return nil, nil
			}
			return r.fetch(ctx, l, vars)
		}}
	}

	start := time.Now()
	data, err := mvt.Composite(ctx, sources)
	stats.DBTime = time.Since(start)
	if err != nil {
		return nil, stats, err
	}
	if r.format == renderer.FormatMVT {
		return &renderer.Tile{Body: data, ContentType: r.format.ContentType()}, stats, nil
	}

	start = time.Now()
	body, err := r.session.Render(ctx, t, data)
	stats.RenderTime = time.Since(start)
	if err != nil {
		return nil, stats, fmt.Errorf("render %s: %w", t, err)
	}
	return &renderer.Tile{Body: body, ContentType: r.format.ContentType()}, stats, nil
}

func (r *Renderer) fetch(ctx context.Context, l layer, vars sqlexec.Vars) ([]byte, error) {
	q := sqlexec.Substitute(tileQuery(l, r.buffer), vars)
	res, err := r.sql.Query(ctx, r.db, q)
	if err != nil {
		r.log.Debug("layer query failed", "layer", l.name, "zoom", vars.Zoom, "err", err)
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	switch v := res.Rows[0]["mvt"].(type) {
	case []byte:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("layer %s: unexpected tile column type %T", l.name, v)
	}
}

// Tables lists the datasource tables the layer queries read.
func (r *Renderer) Tables() []string { return r.tables }

func (r *Renderer) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Close()
}

func (r *Renderer) engineMap() engine.Map {
	m := engine.Map{
		DB:         r.db,
		Format:     string(r.format),
		Scale:      r.scale,
		BufferSize: r.buffer,
		Layers:     make([]engine.Layer, len(r.layers)),
	}
	for i, l := range r.layers {
		m.Layers[i] = engine.Layer{
			ID:              l.name,
			CartoCSS:        overviews.Style(l.src.Options.CartoCSS, l.src.Options.CartoCSSVersion, l.src.Options.Overviews),
			CartoCSSVersion: l.src.Options.CartoCSSVersion,
			Interactivity:   l.src.Options.Interactivity,
		}
	}
	return m
}

// tileQuery wraps the layer SQL so the database returns one encoded layer.
func tileQuery(l layer, buffer int) string {
	geom := overviews.Quote(l.geom)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT ST_AsMVT(q, %s, %d, 'mvtgeom') AS mvt FROM (", literal(l.name), mvt.DefaultExtent)
	fmt.Fprintf(&b, "SELECT ST_AsMVTGeom(%s, !bbox!, %d, %d, true) AS mvtgeom", geom, mvt.DefaultExtent, buffer)
	for _, c := range l.columns {
		b.WriteString(", ")
		b.WriteString(overviews.Quote(c))
	}
	fmt.Fprintf(&b, " FROM (%s) AS cdbq WHERE %s && !bbox!) AS q", l.sql, geom)
	return b.String()
}

func columns(l mapconfig.Layer) []string {
	var out []string
	seen := map[string]bool{}
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range l.Options.Interactivity {
		add(c)
	}
	if a := l.Options.Attributes; a != nil {
		add(a.ID)
		for _, c := range a.Columns {
			add(c)
		}
	}
	return out
}

func bufferSize(mc *mapconfig.MapConfig, f renderer.Format) int {
	if n, ok := mc.Buffersize[string(f)]; ok && n >= 0 {
		return n
	}
	return defaultBuffer
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
