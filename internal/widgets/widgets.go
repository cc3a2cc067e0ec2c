// Package widgets computes layer metadata and the dataview widgets a
// layergroup declares (histograms, category aggregations, formulas and
// lists) directly against the layer SQL.
package widgets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
)

const (
	TypeHistogram   = "histogram"
	TypeAggregation = "aggregation"
	TypeFormula     = "formula"
	TypeList        = "list"
)

// ErrNotFound is returned for an unknown layer or widget name.
var ErrNotFound = errors.New("widget not found")

func invalid(msg string) error {
	return renderer.Errorf(renderer.KindMissingOption, "%s", msg)
}

type Bin struct {
	Bin  int     `json:"bin"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Avg  float64 `json:"avg"`
	Freq int64   `json:"freq"`
}

type Histogram struct {
	Type      string  `json:"type"`
	Bins      []Bin   `json:"bins"`
	BinsCount int     `json:"bins_count"`
	BinWidth  float64 `json:"bin_width"`
	BinsStart float64 `json:"bins_start"`
	Nulls     int64   `json:"nulls"`
}

type Category struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

type Aggregation struct {
	Type       string     `json:"type"`
	Categories []Category `json:"categories"`
	Count      int64      `json:"categoriesCount"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
}

type Formula struct {
	Type      string  `json:"type"`
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
	Nulls     int64   `json:"nulls"`
}

type List struct {
	Type string           `json:"type"`
	Rows []map[string]any `json:"rows"`
}

// Aggregator answers widget and metadata requests.
type Aggregator struct {
	sql     sqlexec.Querier
	builder QueryBuilder
	log     *slog.Logger

	collectors []collector
}

// New returns an Aggregator. A nil builder selects SQLBuilder.
func New(q sqlexec.Querier, b QueryBuilder, log *slog.Logger) *Aggregator {
	if b == nil {
		b = SQLBuilder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		sql:        q,
		builder:    b,
		log:        log,
		collectors: []collector{mapnikCollector{q}, torqueCollector{q}},
	}
}

// Widget evaluates widget name declared on layer ref ("roads" or "0").
func (a *Aggregator) Widget(ctx context.Context, mc *mapconfig.MapConfig, db, ref, name string, f Filter) (any, error) {
	i, ok := mc.IndexOf(ref)
	if !ok {
		return nil, fmt.Errorf("%w: layer %q", ErrNotFound, ref)
	}
	l := mc.Layer(i)
	w, ok := l.Options.Widgets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q on layer %q", ErrNotFound, name, ref)
	}
	if !l.Type.SQLBacked() {
		return nil, invalid(fmt.Sprintf("widgets need a SQL layer, got %s", l.Type))
	}

	sql, err := a.builder.Build(w, l, f)
	if err != nil {
		return nil, err
	}
	res, err := a.sql.Query(ctx, db, sql)
	if err != nil {
		a.log.Debug("widget query failed", "layer", ref, "widget", name, "err", err)
		return nil, err
	}

	switch w.Type {
	case TypeHistogram:
		return histogram(res, binCount(w, f)), nil
	case TypeAggregation:
		return aggregation(res), nil
	case TypeFormula:
		op := w.Options.Operation
		if op == "" {
			op = "count"
		}
		out := Formula{Type: TypeFormula, Operation: op}
		if len(res.Rows) > 0 {
			out.Result, _ = number(res.Rows[0]["result"])
			n, _ := number(res.Rows[0]["nulls"])
			out.Nulls = int64(n)
		}
		return out, nil
	default:
		rows := res.Rows
		if rows == nil {
			rows = []map[string]any{}
		}
		return List{Type: TypeList, Rows: rows}, nil
	}
}

func histogram(res *sqlexec.Result, bins int) Histogram {
	h := Histogram{Type: TypeHistogram, Bins: []Bin{}, BinsCount: bins}
	var lo, hi float64
	for _, r := range res.Rows {
		b := Bin{}
		n, _ := number(r["bin"])
		b.Bin = int(n)
		b.Min, _ = number(r["min"])
		b.Max, _ = number(r["max"])
		b.Avg, _ = number(r["avg"])
		f, _ := number(r["freq"])
		b.Freq = int64(f)
		lo, _ = number(r["lo"])
		hi, _ = number(r["hi"])
		nulls, _ := number(r["nulls"])
		h.Nulls = int64(nulls)
		h.Bins = append(h.Bins, b)
	}
	h.BinsStart = lo
	h.BinWidth = (hi - lo) / float64(bins)
	return h
}

func aggregation(res *sqlexec.Result) Aggregation {
	a := Aggregation{Type: TypeAggregation, Categories: []Category{}, Min: math.Inf(1), Max: math.Inf(-1)}
	for _, r := range res.Rows {
		c := Category{Category: fmt.Sprint(r["category"])}
		c.Value, _ = number(r["value"])
		n, _ := number(r["categories"])
		a.Count = int64(n)
		a.Min = math.Min(a.Min, c.Value)
		a.Max = math.Max(a.Max, c.Value)
		a.Categories = append(a.Categories, c)
	}
	if len(a.Categories) == 0 {
		a.Min, a.Max = 0, 0
	}
	return a
}

// LayerMetadata is one entry of a metadata response, in layer order.
type LayerMetadata struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Meta any    `json:"meta"`
}

// Metadata collects per-layer metadata concurrently. Results keep layer
// order; the first failing layer fails the whole call.
func (a *Aggregator) Metadata(ctx context.Context, mc *mapconfig.MapConfig, db string) ([]LayerMetadata, error) {
	out := make([]LayerMetadata, mc.Len())
	g, gctx := errgroup.WithContext(ctx)
	for i := range mc.Len() {
		l := mc.Layer(i)
		out[i] = LayerMetadata{Type: string(l.Type.Normalize()), ID: mc.LayerID(i)}
		c := a.collectorFor(l.Type)
		if c == nil {
			out[i].Meta = struct{}{}
			continue
		}
		g.Go(func() error {
			m, err := c.collect(gctx, db, l)
			if err != nil {
				return fmt.Errorf("metadata for layer %s: %w", out[i].ID, err)
			}
			out[i].Meta = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) collectorFor(t mapconfig.LayerType) collector {
	for _, c := range a.collectors {
		if c.match(t) {
			return c
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int:
		return float64(n), true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return 0, false
		}
		return f.Float64, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
