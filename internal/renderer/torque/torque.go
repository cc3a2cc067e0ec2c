package torque

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	orbmvt "github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/mvt"
	"github.com/mohammed-shakir/tileforge/internal/overviews"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/engine"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
)

// Meta describes the time column of a torque layer.
type Meta struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	DataSteps  int     `json:"data_steps"`
	ColumnType string  `json:"column_type"`
}

func (m Meta) step() float64 {
	if m.DataSteps <= 0 || m.End <= m.Start {
		return 1
	}
	return (m.End - m.Start) / float64(m.DataSteps)
}

// TimeRange reads the extent of the time attribute over the layer query.
// Dates are reported in epoch milliseconds.
func TimeRange(ctx context.Context, q sqlexec.Querier, db string, l mapconfig.Layer, p Properties) (Meta, error) {
	src := sqlexec.Substitute(l.Options.SQL, sqlexec.Vars{})
	attr := overviews.Quote(p.TimeAttribute)

	probe, err := q.Query(ctx, db, fmt.Sprintf("SELECT %s FROM (%s) AS _cdb_torque_src LIMIT 0", attr, src))
	if err != nil {
		return Meta{}, err
	}
	colType := "number"
	if len(probe.Fields) == 1 && probe.Fields[0].Type == "date" {
		colType = "date"
	}

	expr := timeExpr(attr, colType)
	res, err := q.Query(ctx, db, fmt.Sprintf(
		"SELECT min(%s) AS start, max(%s) AS \"end\" FROM (%s) AS _cdb_torque_src", expr, expr, src))
	if err != nil {
		return Meta{}, err
	}
	m := Meta{DataSteps: p.FrameCount, ColumnType: colType}
	if len(res.Rows) > 0 {
		m.Start, _ = toFloat(res.Rows[0]["start"])
		m.End, _ = toFloat(res.Rows[0]["end"])
	}
	return m, nil
}

func timeExpr(attr, colType string) string {
	if colType == "date" {
		return fmt.Sprintf("date_part('epoch', %s) * 1000", attr)
	}
	return attr + "::numeric"
}

type Factory struct {
	SQL    sqlexec.Querier
	Engine engine.Engine
	Log    *slog.Logger
}

func (f *Factory) Formats() []renderer.Format {
	return []renderer.Format{renderer.FormatPNG, renderer.FormatTorque, renderer.FormatTorqueAlt}
}

type layer struct {
	name  string
	src   mapconfig.Layer
	props Properties
	meta  Meta
}

func (f *Factory) Create(ctx context.Context, mc *mapconfig.MapConfig, p renderer.Params) (renderer.Renderer, error) {
	if f.SQL == nil {
		return nil, errors.New("no SQL engine configured")
	}
	if p.Format.IsTorque() && mc.Len() != 1 {
		return nil, renderer.Errorf(renderer.KindLayerTypeMismatch, "Torque tiles need exactly one layer, got %d", mc.Len())
	}
	r := &Renderer{sql: f.SQL, db: p.DBName, format: p.Format, log: f.Log}
	if r.log == nil {
		r.log = slog.Default()
	}

	seen := map[string]bool{}
	for i, l := range mc.Layers {
		props, err := ParseProperties(l.Options.CartoCSS)
		if err != nil {
			return nil, err
		}
		meta, err := TimeRange(ctx, f.SQL, p.DBName, l, props)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", mc.LayerID(i), err)
		}
		r.layers = append(r.layers, layer{name: mc.LayerID(i), src: l, props: props, meta: meta})

		tables, err := f.SQL.QueryTables(ctx, p.DBName, sqlexec.Substitute(l.Options.SQL, sqlexec.Vars{}))
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

	if p.Format != renderer.FormatPNG {
		return r, nil
	}
	if f.Engine == nil {
		return nil, fmt.Errorf("format %s: %w", p.Format, engine.ErrNotConfigured)
	}
	m := engine.Map{DB: p.DBName, Format: string(p.Format), Scale: p.Scale()}
	for _, l := range r.layers {
		m.Layers = append(m.Layers, engine.Layer{
			ID:              l.name,
			CartoCSS:        l.src.Options.CartoCSS,
			CartoCSSVersion: l.src.Options.CartoCSSVersion,
		})
	}
	sess, err := f.Engine.Open(ctx, m)
	if err != nil {
		return nil, err
	}
	r.session = sess
	return r, nil
}

// Cell is one grid cell of a torque tile. Dates are frame indexes.
type Cell struct {
	X     int       `json:"x__uint8"`
	Y     int       `json:"y__uint8"`
	Vals  []float64 `json:"vals__uint8"`
	Dates []int     `json:"dates__uint16"`
}

type Renderer struct {
	sql     sqlexec.Querier
	session engine.Session
	db      string
	format  renderer.Format
	layers  []layer
	tables  []string
	log     *slog.Logger
}

// Meta returns the time metadata of the first layer.
func (r *Renderer) Meta() Meta { return r.layers[0].meta }

func (r *Renderer) GetTile(ctx context.Context, t model.Tile) (*renderer.Tile, renderer.Stats, error) {
	stats := renderer.Stats{Layers: len(r.layers)}
	grids := make([][]Cell, len(r.layers))

	start := time.Now()
	for i, l := range r.layers {
		if !l.src.VisibleAt(t.Z) {
			continue
		}
		cells, err := r.cells(ctx, l, t)
		if err != nil {
			stats.DBTime = time.Since(start)
			return nil, stats, err
		}
		grids[i] = cells
	}
	stats.DBTime = time.Since(start)

	if r.format.IsTorque() {
		cells := grids[0]
		if cells == nil {
			cells = []Cell{}
		}
		body, err := json.Marshal(cells)
		if err != nil {
			return nil, stats, fmt.Errorf("encode torque tile: %w", err)
		}
		return &renderer.Tile{Body: body, ContentType: r.format.ContentType()}, stats, nil
	}

	data, err := r.pointTile(grids)
	if err != nil {
		return nil, stats, err
	}
	start = time.Now()
	body, err := r.session.Render(ctx, t, data)
	stats.RenderTime = time.Since(start)
	if err != nil {
		return nil, stats, fmt.Errorf("render %s: %w", t, err)
	}
	return &renderer.Tile{Body: body, ContentType: r.format.ContentType()}, stats, nil
}

func (r *Renderer) cells(ctx context.Context, l layer, t model.Tile) ([]Cell, error) {
	q := sqlexec.Substitute(tileQuery(l, t), sqlexec.TileVars(t, 1))
	res, err := r.sql.Query(ctx, r.db, q)
	if err != nil {
		r.log.Debug("torque query failed", "layer", l.name, "tile", t.String(), "err", err)
		return nil, err
	}
	out := make([]Cell, 0, len(res.Rows))
	for _, row := range res.Rows {
		x, _ := toFloat(row["x__uint8"])
		y, _ := toFloat(row["y__uint8"])
		c := Cell{X: int(x), Y: int(y), Vals: floats(row["vals__uint8"])}
		for _, d := range floats(row["dates__uint16"]) {
			c.Dates = append(c.Dates, int(d))
		}
		out = append(out, c)
	}
	return out, nil
}

// pointTile encodes every cell as a point at its centre, valued by the
// sum over all frames, one vector layer per torque layer.
func (r *Renderer) pointTile(grids [][]Cell) ([]byte, error) {
	layers := make(orbmvt.Layers, len(r.layers))
	for i, l := range r.layers {
		ml := &orbmvt.Layer{Name: l.name, Version: 2, Extent: mvt.DefaultExtent}
		px := float64(mvt.DefaultExtent) / model.TileSize
		res := float64(l.props.Resolution)
		for _, c := range grids[i] {
			var sum float64
			for _, v := range c.Vals {
				sum += v
			}
			pt := orb.Point{
				(float64(c.X) + 0.5) * res * px,
				float64(mvt.DefaultExtent) - (float64(c.Y)+0.5)*res*px,
			}
			f := geojson.NewFeature(pt)
			f.Properties["value"] = sum
			f.Properties["frames"] = float64(len(c.Dates))
			ml.Features = append(ml.Features, f)
		}
		layers[i] = ml
	}
	b, err := orbmvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("encode torque points: %w", err)
	}
	return b, nil
}

func (r *Renderer) Tables() []string { return r.tables }

func (r *Renderer) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Close()
}

// tileQuery aggregates the layer rows into resolution-sized pixel cells
// and time frames. Cell y grows northwards from the bottom of the tile.
func tileQuery(l layer, t model.Tile) string {
	bbox := t.BBox()
	res := float64(l.props.Resolution) * t.PixelSize(1)
	attr := overviews.Quote(l.props.TimeAttribute)
	geom := overviews.Quote(l.src.GeomColumn())
	last := max(l.meta.DataSteps-1, 0)

	var b strings.Builder
	b.WriteString("SELECT x__uint8, y__uint8, array_agg(c ORDER BY d) AS vals__uint8, array_agg(d ORDER BY d) AS dates__uint16 FROM (")
	fmt.Fprintf(&b, "SELECT floor((ST_X(_g) - %s) / %s)::int AS x__uint8, ", num(bbox.MinX), num(res))
	fmt.Fprintf(&b, "floor((ST_Y(_g) - %s) / %s)::int AS y__uint8, ", num(bbox.MinY), num(res))
	fmt.Fprintf(&b, "%s AS c, ", l.props.Aggregation)
	fmt.Fprintf(&b, "LEAST(GREATEST(floor((%s - %s) / %s)::int, 0), %d) AS d ",
		timeExpr(attr, l.meta.ColumnType), num(l.meta.Start), num(l.meta.step()), last)
	fmt.Fprintf(&b, "FROM (SELECT ST_Centroid(%s) AS _g, * FROM (%s) AS _cdb_torque_src WHERE %s && !bbox!) AS i ", geom, l.src.Options.SQL, geom)
	b.WriteString("GROUP BY x__uint8, y__uint8, d) AS cells GROUP BY x__uint8, y__uint8")
	return b.String()
}

func num(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	return fmt.Sprintf("%.10g", f)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Time:
		return float64(n.UnixMilli()), true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		return f.Float64, err == nil && f.Valid
	}
	return 0, false
}

func floats(v any) []float64 {
	var out []float64
	switch a := v.(type) {
	case []any:
		for _, e := range a {
			if f, ok := toFloat(e); ok {
				out = append(out, f)
			}
		}
	case []float64:
		out = append(out, a...)
	case []int64:
		for _, e := range a {
			out = append(out, float64(e))
		}
	case []int32:
		for _, e := range a {
			out = append(out, float64(e))
		}
	}
	return out
}
