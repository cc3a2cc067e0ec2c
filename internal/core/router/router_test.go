package router

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig/store"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/tiler"
	"github.com/mohammed-shakir/tileforge/internal/widgets"
)

type fakeTiler struct {
	tile    tiler.TileParams
	filter  widgets.Filter
	widget  string
	tileErr error
}

func (f *fakeTiler) GetTile(_ context.Context, _ *mapconfig.MapConfig, p tiler.TileParams) (*tiler.TileResult, error) {
	f.tile = p
	if f.tileErr != nil {
		return nil, f.tileErr
	}
	h := http.Header{}
	h.Set("Content-Type", p.Format.ContentType())
	h.Set("ETag", `W/"abc"`)
	h.Set(tiler.HeaderCacheHit, "1")
	h.Set(tiler.HeaderCacheAge, "42")
	return &tiler.TileResult{Body: []byte("tile"), Headers: h}, nil
}

func (f *fakeTiler) GetWidget(_ context.Context, _ *mapconfig.MapConfig, _, ref, name string, fl widgets.Filter) (any, error) {
	f.filter = fl
	f.widget = ref + "/" + name
	if name == "missing" {
		return nil, widgets.ErrNotFound
	}
	return map[string]any{"type": "formula", "result": 3}, nil
}

func (f *fakeTiler) GetMetadata(_ context.Context, mc *mapconfig.MapConfig, _ string) ([]widgets.LayerMetadata, error) {
	out := make([]widgets.LayerMetadata, mc.Len())
	for i := range out {
		out[i] = widgets.LayerMetadata{Type: "mapnik", ID: mc.LayerID(i), Meta: struct{}{}}
	}
	return out, nil
}

const layergroup = `{"version":"1.5.0","layers":[
 {"type":"mapnik","options":{"sql":"select * from a","cartocss":"#a{}","cartocss_version":"2.3.0"}},
 {"type":"mapnik","options":{"sql":"select * from b","cartocss":"#b{}","cartocss_version":"2.3.0"}}
]}`

func setup(t *testing.T) (*fakeTiler, http.Handler, string) {
	t.Helper()
	ft := &fakeTiler{}
	s := store.NewMemory(16)
	mc, err := mapconfig.Parse([]byte(layergroup))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	token, err := s.Put(context.Background(), mc)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r := chi.NewRouter()
	New(nil, ft, s, "main").Routes(r)
	return ft, r, token
}

func get(h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestTile_ParsesParamsAndPassesHeaders(t *testing.T) {
	ft, h, token := setup(t)
	rr := get(h, "/api/v1/map/"+token+"/13/4011/3088@2x.png?layer=1&cache_buster=7")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	p := ft.tile
	if p.Z != 13 || p.X != 4011 || p.Y != 3088 || p.ScaleFactor != 2 || p.Format != renderer.FormatPNG {
		t.Fatalf("params=%+v", p)
	}
	if len(p.Layers) != 1 || p.Layers[0] != 1 || p.CacheBuster != "7" || p.DBName != "main" {
		t.Fatalf("params=%+v", p)
	}
	if rr.Header().Get(tiler.HeaderCacheHit) != "1" || rr.Header().Get(tiler.HeaderCacheAge) != "42" {
		t.Fatalf("cache headers missing: %v", rr.Header())
	}
	if rr.Body.String() != "tile" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestTile_NotModified(t *testing.T) {
	_, h, token := setup(t)
	rr := get(h, "/api/v1/map/"+token+"/0/0/0.png", "If-None-Match", `W/"abc"`)
	if rr.Code != http.StatusNotModified || rr.Body.Len() != 0 {
		t.Fatalf("status=%d len=%d", rr.Code, rr.Body.Len())
	}
}

func TestTile_Errors(t *testing.T) {
	ft, h, token := setup(t)
	cases := []struct {
		path   string
		err    error
		status int
		typ    string
	}{
		{path: "/api/v1/map/nope/0/0/0.png", status: http.StatusNotFound, typ: "not_found"},
		{path: "/api/v1/map/" + token + "/1/5/0.png", status: http.StatusBadRequest, typ: "request"},
		{path: "/api/v1/map/" + token + "/0/0/0.gif", status: http.StatusBadRequest},
		{path: "/api/v1/map/" + token + "/0/0/0.png?layer=9", status: http.StatusBadRequest},
		{path: "/api/v1/map/" + token + "/0/0/0.png", err: renderer.ErrTimeout, status: http.StatusTooManyRequests},
		{path: "/api/v1/map/" + token + "/0/0/0.png", err: errors.New("boom"), status: http.StatusInternalServerError, typ: "unknown"},
	}
	for _, tc := range cases {
		ft.tileErr = tc.err
		rr := get(h, tc.path)
		if rr.Code != tc.status {
			t.Fatalf("%s: status=%d want %d body=%s", tc.path, rr.Code, tc.status, rr.Body.String())
		}
		var body errorBody
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.path, err)
		}
		if len(body.Errors) != 1 || len(body.ErrorsWithContext) != 1 {
			t.Fatalf("%s: body=%+v", tc.path, body)
		}
		if tc.typ != "" && body.ErrorsWithContext[0].Type != tc.typ {
			t.Fatalf("%s: type=%s want %s", tc.path, body.ErrorsWithContext[0].Type, tc.typ)
		}
	}
}

func TestWidget_BBoxInMercator(t *testing.T) {
	ft, h, token := setup(t)
	rr := get(h, "/api/v1/map/"+token+"/widget/layer0/pop?bbox=-180,-10,0,10&bins=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ft.widget != "layer0/pop" || ft.filter.Bins != 5 || ft.filter.BBox == nil {
		t.Fatalf("widget=%s filter=%+v", ft.widget, ft.filter)
	}
	bb := ft.filter.BBox
	if math.Abs(bb.MinX+20037508.34) > 1 || math.Abs(bb.MaxX) > 1e-6 || math.Abs(bb.MinY+bb.MaxY) > 1e-6 {
		t.Fatalf("bbox=%+v", *bb)
	}
	if !strings.Contains(rr.Body.String(), `"formula"`) {
		t.Fatalf("body=%s", rr.Body.String())
	}
}

func TestWidget_BadInputAndMissing(t *testing.T) {
	_, h, token := setup(t)
	for _, q := range []string{"bbox=1,2,3", "bbox=10,0,5,5", "bbox=0,-95,1,1", "bins=0"} {
		if rr := get(h, "/api/v1/map/"+token+"/widget/layer0/pop?"+q); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", q, rr.Code)
		}
	}
	if rr := get(h, "/api/v1/map/"+token+"/widget/layer0/missing"); rr.Code != http.StatusNotFound {
		t.Fatalf("missing widget status=%d", rr.Code)
	}
}

func TestCreateLayergroup_ThenMetadata(t *testing.T) {
	_, h, _ := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/map", bytes.NewBufferString(layergroup))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		Token    string `json:"layergroupid"`
		Metadata struct {
			Layers []widgets.LayerMetadata `json:"layers"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Token == "" || len(created.Metadata.Layers) != 2 || created.Metadata.Layers[1].ID != "layer1" {
		t.Fatalf("created=%+v", created)
	}

	rr = get(h, "/api/v1/map/"+created.Token+"/metadata")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"layer0"`) {
		t.Fatalf("metadata status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateLayergroup_Invalid(t *testing.T) {
	_, h, _ := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/map", bytes.NewBufferString(`{"version":"1.5.0","layers":[]}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}
