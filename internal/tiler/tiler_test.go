package tiler

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	orbmvt "github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileforge/internal/cache/redisstore"
	"github.com/mohammed-shakir/tileforge/internal/cache/tilecache"
	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/mvt"
	"github.com/mohammed-shakir/tileforge/internal/rendercache"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/engine"
	"github.com/mohammed-shakir/tileforge/internal/renderer/mapnik"
	"github.com/mohammed-shakir/tileforge/internal/renderer/torque"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
	"github.com/mohammed-shakir/tileforge/internal/widgets"
)

var zoomRe = regexp.MustCompile(`SELECT (\d+) AS _vovw_z`)

// fakeSQL answers the queries the mapnik and torque renderers issue. Layer
// queries with overviews report which table the bound zoom selects.
type fakeSQL struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeSQL) Query(_ context.Context, _ string, sql string, _ ...any) (*sqlexec.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	f.mu.Unlock()

	switch {
	case strings.Contains(sql, "ST_AsMVT"):
		source := "base"
		if m := zoomRe.FindStringSubmatch(sql); m != nil {
			if z, _ := strconv.Atoi(m[1]); z <= 12 {
				source = "_vovw_12_table1"
			} else {
				source = "table1"
			}
		}
		l := &orbmvt.Layer{Name: "default", Version: 2, Extent: mvt.DefaultExtent}
		feat := geojson.NewFeature(orb.Point{10, 10})
		feat.Properties["source"] = source
		l.Features = append(l.Features, feat)
		b, err := orbmvt.Marshal(orbmvt.Layers{l})
		if err != nil {
			return nil, err
		}
		return &sqlexec.Result{Rows: []map[string]any{{"mvt": b}}}, nil
	case strings.Contains(sql, "array_agg"):
		return &sqlexec.Result{Rows: []map[string]any{
			{"x__uint8": int32(1), "y__uint8": int32(2), "vals__uint8": []any{int64(3)}, "dates__uint16": []any{int32(0)}},
		}}, nil
	case strings.Contains(sql, "LIMIT 0"):
		return &sqlexec.Result{Fields: []sqlexec.Field{{Name: "year", Type: "number"}}}, nil
	default:
		return &sqlexec.Result{Rows: []map[string]any{{"start": float64(2000), "end": float64(2010)}}}, nil
	}
}

func (f *fakeSQL) QueryTables(_ context.Context, _ string, sql string) ([]string, error) {
	switch {
	case strings.Contains(sql, "events"):
		return []string{"public.events"}, nil
	case strings.Contains(sql, "roads"):
		return []string{"public.roads"}, nil
	}
	return []string{"public.places"}, nil
}

type fakeEngine struct{ opened atomic.Int32 }

func (e *fakeEngine) Open(context.Context, engine.Map) (engine.Session, error) {
	e.opened.Add(1)
	return session{}, nil
}

type session struct{}

func (session) Render(_ context.Context, t model.Tile, data []byte) ([]byte, error) {
	names, err := mvt.LayerNames(data)
	if err != nil {
		return nil, err
	}
	return []byte("png:" + t.String() + ":" + strings.Join(names, ",")), nil
}

func (session) Close() error { return nil }

type joinBlender struct{}

func (joinBlender) Blend(_ context.Context, tiles [][]byte) ([]byte, error) {
	return bytes.Join(tiles, []byte("|")), nil
}

const torqueCSS = `Map {
  -torque-frame-count: 4;
  -torque-resolution: 2;
  -torque-time-attribute: "year";
  -torque-aggregation-function: "count(cartodb_id)";
}`

func threeLayers(t *testing.T) *mapconfig.MapConfig {
	t.Helper()
	mc, err := mapconfig.Parse([]byte(`{"version":"1.5.0","layers":[
	 {"type":"mapnik","options":{"sql":"select * from places","cartocss":"#p{}","cartocss_version":"2.3.0"}},
	 {"type":"mapnik","options":{"sql":"select * from roads","cartocss":"#r{}","cartocss_version":"2.3.0"}},
	 {"type":"torque","options":{"sql":"select * from events","cartocss":` + strconv.Quote(torqueCSS) + `,"cartocss_version":"2.3.0"}}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return mc
}

func newTiler(t *testing.T, q sqlexec.Querier, e engine.Engine, o Options) *Tiler {
	t.Helper()
	f := &renderer.Factory{
		Mapnik:  &mapnik.Factory{SQL: q, Engine: e},
		Torque:  &torque.Factory{SQL: q, Engine: e},
		Blender: joinBlender{},
	}
	rc := rendercache.New(f, rendercache.Options{TTL: time.Minute, Capacity: 8})
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc, nil, widgets.New(q, nil, nil), o)
}

func TestGetTile_SecondRequestHitsRendererCache(t *testing.T) {
	e := &fakeEngine{}
	tl := newTiler(t, &fakeSQL{}, e, Options{RenderTimeout: time.Second})
	mc := threeLayers(t)
	p := TileParams{DBName: "main", Z: 13, X: 4011, Y: 3088, Format: renderer.FormatPNG}

	first, err := tl.GetTile(context.Background(), mc, p)
	if err != nil {
		t.Fatalf("first GetTile: %v", err)
	}
	want := "png:13/4011/3088:layer0,layer1|png:13/4011/3088:layer2"
	if string(first.Body) != want {
		t.Fatalf("body=%q", first.Body)
	}
	if first.Headers.Get(HeaderCacheHit) != "" {
		t.Fatalf("first request must not report a cache hit")
	}
	if first.Headers.Get("Content-Type") != "image/png" || first.Headers.Get("ETag") == "" {
		t.Fatalf("headers=%v", first.Headers)
	}

	second, err := tl.GetTile(context.Background(), mc, p)
	if err != nil {
		t.Fatalf("second GetTile: %v", err)
	}
	if !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("bodies differ: %q vs %q", first.Body, second.Body)
	}
	if second.Headers.Get(HeaderCacheHit) != "true" || second.Headers.Get(HeaderCacheAge) == "" {
		t.Fatalf("second request headers=%v", second.Headers)
	}
	if n := e.opened.Load(); n != 2 {
		t.Fatalf("engine sessions opened=%d, want 2", n)
	}

	third, err := tl.GetTile(context.Background(), mc, TileParams{DBName: "main", Z: 13, X: 4011, Y: 3088, Format: renderer.FormatPNG, CacheBuster: "1"})
	if err != nil {
		t.Fatalf("busted GetTile: %v", err)
	}
	if third.Headers.Get(HeaderCacheHit) != "" {
		t.Fatalf("a new buster must rebuild the renderer")
	}
}

func sourceAt(t *testing.T, tl *Tiler, mc *mapconfig.MapConfig, z int) string {
	t.Helper()
	res, err := tl.GetTile(context.Background(), mc, TileParams{DBName: "main", Z: z, Format: renderer.FormatMVT})
	if err != nil {
		t.Fatalf("GetTile z=%d: %v", z, err)
	}
	layers, err := orbmvt.Unmarshal(res.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(layers) != 1 || len(layers[0].Features) != 1 {
		t.Fatalf("layers=%v", layers)
	}
	s, _ := layers[0].Features[0].Properties["source"].(string)
	return s
}

func TestGetTile_OverviewsFollowZoom(t *testing.T) {
	mc, err := mapconfig.Parse([]byte(`{"version":"1.5.0","layers":[{"type":"mapnik","options":{
		"sql":"SELECT * FROM table1","cartocss":"#t{}","cartocss_version":"2.3.0",
		"overviews":{"table1":{"12":{"table":"_vovw_12_table1"}}}}}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tl := newTiler(t, &fakeSQL{}, nil, Options{})

	if got := sourceAt(t, tl, mc, 11); got != "_vovw_12_table1" {
		t.Fatalf("z=11 source=%q", got)
	}
	if got := sourceAt(t, tl, mc, 13); got != "table1" {
		t.Fatalf("z=13 source=%q", got)
	}
}

// slowFactory builds renderers that block until their context ends.
type slowFactory struct{ calls atomic.Int32 }

func (f *slowFactory) GetRenderer(context.Context, *mapconfig.MapConfig, renderer.Params) (renderer.Renderer, error) {
	return slowRenderer{f}, nil
}

type slowRenderer struct{ f *slowFactory }

func (r slowRenderer) GetTile(ctx context.Context, _ model.Tile) (*renderer.Tile, renderer.Stats, error) {
	r.f.calls.Add(1)
	<-ctx.Done()
	return nil, renderer.Stats{}, ctx.Err()
}

func (slowRenderer) Tables() []string { return []string{"public.slow"} }
func (slowRenderer) Close() error     { return nil }

func plainConfig(t *testing.T) *mapconfig.MapConfig {
	t.Helper()
	mc, err := mapconfig.Parse([]byte(`{"version":"1.5.0","layers":[{"type":"plain","options":{"color":"red"}}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return mc
}

func TestGetTile_RenderTimeout(t *testing.T) {
	f := &slowFactory{}
	rc := rendercache.New(f, rendercache.Options{})
	t.Cleanup(func() { _ = rc.Close() })
	tl := New(rc, nil, nil, Options{RenderTimeout: 20 * time.Millisecond})

	_, err := tl.GetTile(context.Background(), plainConfig(t), TileParams{DBName: "main", Format: renderer.FormatPNG})
	if !errors.Is(err, renderer.ErrTimeout) || err.Error() != "Render timed out" {
		t.Fatalf("err=%v", err)
	}
	if renderer.HTTPStatus(err) != 429 {
		t.Fatalf("status=%d", renderer.HTTPStatus(err))
	}
}

func TestGetTile_TimeoutStrategySubstitutesTile(t *testing.T) {
	rc := rendercache.New(&slowFactory{}, rendercache.Options{})
	t.Cleanup(func() { _ = rc.Close() })
	tl := New(rc, nil, nil, Options{RenderTimeout: 20 * time.Millisecond, OnTileError: TransparentOnTimeout()})

	res, err := tl.GetTile(context.Background(), plainConfig(t), TileParams{DBName: "main", Format: renderer.FormatPNG, ScaleFactor: 2})
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(res.Body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 512 || b.Dy() != 512 {
		t.Fatalf("bounds=%v", b)
	}
	if _, _, _, a := img.At(5, 5).RGBA(); a != 0 {
		t.Fatalf("substituted tile must be transparent")
	}
}

func TestGetTile_CacheOnTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	f := &slowFactory{}
	rc := rendercache.New(f, rendercache.Options{})
	t.Cleanup(func() { _ = rc.Close() })
	store := tilecache.NewRedisStore(cli, time.Minute)
	tl := New(rc, store, nil, Options{RenderTimeout: 20 * time.Millisecond, CacheOnTimeout: true})
	mc := plainConfig(t)
	p := TileParams{DBName: "main", Z: 3, X: 1, Y: 1, Format: renderer.FormatPNG}

	for i := range 3 {
		_, err := tl.GetTile(context.Background(), mc, p)
		if !errors.Is(err, renderer.ErrTimeout) {
			t.Fatalf("request %d: err=%v", i, err)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("slow tile rendered %d times, want 1", n)
	}

	renderers, tiles, err := tl.InvalidateTables(context.Background(), "main", []string{"slow"})
	if err != nil {
		t.Fatalf("InvalidateTables: %v", err)
	}
	if renderers != 1 || tiles != 1 {
		t.Fatalf("invalidated renderers=%d tiles=%d", renderers, tiles)
	}
	if _, err := tl.GetTile(context.Background(), mc, p); !errors.Is(err, renderer.ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("invalidation must force a new render, calls=%d", n)
	}
}

func TestGetMetadata_Delegates(t *testing.T) {
	tl := newTiler(t, &fakeSQL{}, &fakeEngine{}, Options{})
	md, err := tl.GetMetadata(context.Background(), threeLayers(t), "main")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if len(md) != 3 || md[2].Type != "torque" {
		t.Fatalf("metadata=%+v", md)
	}
	if m, ok := md[2].Meta.(torque.Meta); !ok || m.Start != 2000 || m.End != 2010 {
		t.Fatalf("torque meta=%+v", md[2].Meta)
	}
}
