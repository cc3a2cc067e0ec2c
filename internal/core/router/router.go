// Package router exposes layergroup creation, tiles, widgets and metadata
// over HTTP.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
	mylog "github.com/mohammed-shakir/tileforge/internal/logger"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig/store"
	"github.com/mohammed-shakir/tileforge/internal/rendercache"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
	"github.com/mohammed-shakir/tileforge/internal/tiler"
	"github.com/mohammed-shakir/tileforge/internal/widgets"
)

const maxLayergroupBytes = 1 << 20

// Tiler is what the handlers serve from.
type Tiler interface {
	GetTile(ctx context.Context, mc *mapconfig.MapConfig, p tiler.TileParams) (*tiler.TileResult, error)
	GetWidget(ctx context.Context, mc *mapconfig.MapConfig, db, ref, name string, f widgets.Filter) (any, error)
	GetMetadata(ctx context.Context, mc *mapconfig.MapConfig, db string) ([]widgets.LayerMetadata, error)
}

type Handler struct {
	log       *slog.Logger
	tiler     Tiler
	store     store.Store
	defaultDB string
}

func New(log *slog.Logger, t Tiler, s store.Store, defaultDB string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, tiler: t, store: s, defaultDB: defaultDB}
}

// Routes mounts the map API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/map", h.observe(h.createLayergroup))
	r.Get("/api/v1/map/{token}/metadata", h.observe(h.metadata))
	r.Get("/api/v1/map/{token}/widget/{layer}/{widget}", h.observe(h.widget))
	r.Get("/api/v1/map/{token}/{z}/{x}/{y}.{format}", h.observe(h.tile))
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) observe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (h *Handler) db(r *http.Request) string {
	if db := strings.TrimSpace(r.URL.Query().Get("dbname")); db != "" {
		return db
	}
	return h.defaultDB
}

func (h *Handler) createLayergroup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLayergroupBytes+1))
	if err != nil {
		h.fail(w, r, fmt.Errorf("read layergroup: %w", err))
		return
	}
	if len(body) > maxLayergroupBytes {
		h.fail(w, r, &mapconfig.ValidationError{Layer: -1, Msg: "layergroup too large"})
		return
	}
	mc, err := mapconfig.Parse(body)
	if err != nil {
		var ve *mapconfig.ValidationError
		if !errors.As(err, &ve) {
			err = badRequest(err.Error())
		}
		h.fail(w, r, err)
		return
	}
	md, err := h.tiler.GetMetadata(r.Context(), mc, h.db(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	token, err := h.store.Put(r.Context(), mc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layergroupid": token,
		"metadata":     map[string]any{"layers": md},
		"last_updated": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) load(r *http.Request) (*mapconfig.MapConfig, error) {
	token := chi.URLParam(r, "token")
	return h.store.Get(r.Context(), token)
}

func (h *Handler) tile(w http.ResponseWriter, r *http.Request) {
	mc, err := h.load(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := parseTileParams(r, mc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p.DBName = h.db(r)

	ctx := mylog.WithToken(r.Context(), chi.URLParam(r, "token"))
	res, err := h.tiler.GetTile(ctx, mc, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for k, vs := range res.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if etag := res.Headers.Get("ETag"); etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// parseTileParams reads z/x/y[@<n>x].format plus the layer and
// cache_buster query parameters.
func parseTileParams(r *http.Request, mc *mapconfig.MapConfig) (tiler.TileParams, error) {
	var p tiler.TileParams
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return p, badRequest("invalid zoom")
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return p, badRequest("invalid x")
	}
	ys, scale, hasScale := strings.Cut(chi.URLParam(r, "y"), "@")
	y, err := strconv.Atoi(ys)
	if err != nil {
		return p, badRequest("invalid y")
	}
	p.Z, p.X, p.Y = z, x, y
	if err := p.Tile().Validate(); err != nil {
		return p, badRequest(err.Error())
	}
	if hasScale {
		f, err := strconv.ParseFloat(strings.TrimSuffix(scale, "x"), 64)
		if err != nil || f <= 0 || f > 4 {
			return p, badRequest("invalid scale factor")
		}
		p.ScaleFactor = f
	}

	p.Format, err = renderer.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		return p, err
	}
	p.Layers, err = mc.ParseLayerFilter(r.URL.Query().Get("layer"))
	if err != nil {
		return p, err
	}
	p.CacheBuster = r.URL.Query().Get("cache_buster")
	return p, nil
}

func (h *Handler) widget(w http.ResponseWriter, r *http.Request) {
	mc, err := h.load(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.tiler.GetWidget(r.Context(), mc, h.db(r), chi.URLParam(r, "layer"), chi.URLParam(r, "widget"), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseFilter reads bbox=west,south,east,north in degrees and bins=n.
func parseFilter(r *http.Request) (widgets.Filter, error) {
	var f widgets.Filter
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		bb, err := parseBBox(raw)
		if err != nil {
			return f, badRequest("invalid bbox: " + err.Error())
		}
		f.BBox = &bb
	}
	if raw := q.Get("bins"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, badRequest("invalid bins")
		}
		f.Bins = n
	}
	return f, nil
}

func parseBBox(s string) (model.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return model.BBox{}, errors.New("expected 4 comma-separated values: west,south,east,north")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BBox{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		v[i] = f
	}
	if !(v[0] >= -180 && v[0] <= 180 && v[2] >= -180 && v[2] <= 180) {
		return model.BBox{}, errors.New("longitude must be in [-180,180]")
	}
	if !(v[1] >= -90 && v[1] <= 90 && v[3] >= -90 && v[3] <= 90) {
		return model.BBox{}, errors.New("latitude must be in [-90,90]")
	}
	if v[2] <= v[0] || v[3] <= v[1] {
		return model.BBox{}, errors.New("coordinates must satisfy east>west and north>south")
	}
	lo := project.WGS84.ToMercator(orb.Point{v[0], v[1]})
	hi := project.WGS84.ToMercator(orb.Point{v[2], v[3]})
	return model.BBox{MinX: lo[0], MinY: lo[1], MaxX: hi[0], MaxY: hi[1]}, nil
}

func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	mc, err := h.load(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	md, err := h.tiler.GetMetadata(r.Context(), mc, h.db(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": md})
}

type errorContext struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorBody struct {
	Errors            []string       `json:"errors"`
	ErrorsWithContext []errorContext `json:"errors_with_context"`
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// classify maps err onto a status and an error type.
func classify(err error) (int, string) {
	var re *renderer.Error
	var ve *mapconfig.ValidationError
	var qe *requestError
	switch {
	case errors.As(err, &re):
		return renderer.HTTPStatus(err), re.Kind.String()
	case errors.As(err, &ve):
		return http.StatusBadRequest, "layergroup"
	case errors.As(err, &qe):
		return http.StatusBadRequest, "request"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, widgets.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, rendercache.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, sqlexec.ErrUnknownDatasource):
		return http.StatusBadRequest, "datasource"
	case sqlexec.IsReadOnlyViolation(err):
		return http.StatusBadRequest, "read_only"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, "unknown"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := classify(err)
	msg := sqlexec.ScrubError(err).Error()
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	} else {
		h.log.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{
		Errors:            []string{msg},
		ErrorsWithContext: []errorContext{{Type: typ, Message: msg}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
