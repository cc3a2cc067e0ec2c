package widgets

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/overviews"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
)

const (
	defaultBins = 10
	maxBins     = 200
	listLimit   = 1000
	catLimit    = 100
)

var aggregations = map[string]bool{"count": true, "sum": true, "avg": true, "min": true, "max": true}

// Filter narrows a widget to part of the data.
type Filter struct {
	BBox *model.BBox
	// Bins overrides the histogram bin count.
	Bins int
}

// QueryBuilder turns a widget definition into SQL over the layer query.
type QueryBuilder interface {
	Build(w mapconfig.Widget, layer mapconfig.Layer, f Filter) (string, error)
}

// SQLBuilder is the built-in QueryBuilder.
type SQLBuilder struct{}

func (SQLBuilder) Build(w mapconfig.Widget, l mapconfig.Layer, f Filter) (string, error) {
	src := source(l, f)
	o := w.Options
	switch w.Type {
	case TypeHistogram:
		if o.Column == "" {
			return "", invalid("histogram widget needs a column")
		}
		return histogramSQL(src, overviews.Quote(o.Column), binCount(w, f)), nil

	case TypeAggregation:
		if o.Column == "" {
			return "", invalid("aggregation widget needs a column")
		}
		agg, err := aggExpr(o.Aggregation, o.AggregationColumn)
		if err != nil {
			return "", err
		}
		col := overviews.Quote(o.Column)
		return fmt.Sprintf(
			"SELECT %s::text AS category, %s AS value, count(*) OVER () AS categories FROM %s WHERE %s IS NOT NULL GROUP BY 1 ORDER BY value DESC, category LIMIT %d",
			col, agg, src, col, catLimit), nil

	case TypeFormula:
		op := o.Operation
		if op == "" {
			op = "count"
		}
		expr, err := aggExpr(op, o.Column)
		if err != nil {
			return "", err
		}
		nulls := "0"
		if o.Column != "" {
			nulls = fmt.Sprintf("count(*) FILTER (WHERE %s IS NULL)", overviews.Quote(o.Column))
		}
		return fmt.Sprintf("SELECT %s AS result, %s AS nulls FROM %s", expr, nulls, src), nil

	case TypeList:
		if len(o.Columns) == 0 {
			return "", invalid("list widget needs columns")
		}
		cols := make([]string, len(o.Columns))
		for i, c := range o.Columns {
			cols[i] = overviews.Quote(c)
		}
		return fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(cols, ", "), src, listLimit), nil
	}
	return "", invalid(fmt.Sprintf("unsupported widget type %q", w.Type))
}

func binCount(w mapconfig.Widget, f Filter) int {
	bins := w.Options.Bins
	if f.Bins > 0 {
		bins = f.Bins
	}
	if bins <= 0 {
		bins = defaultBins
	}
	return min(bins, maxBins)
}

func source(l mapconfig.Layer, f Filter) string {
	sql := sqlexec.Substitute(l.Options.SQL, sqlexec.Vars{})
	if f.BBox == nil {
		return "(" + sql + ") AS _cdb_widget_src"
	}
	return fmt.Sprintf("(SELECT * FROM (%s) AS _q WHERE %s && %s) AS _cdb_widget_src",
		sql, overviews.Quote(l.GeomColumn()), f.BBox.SQL())
}

func aggExpr(fn, column string) (string, error) {
	fn = strings.ToLower(fn)
	if fn == "" {
		fn = "count"
	}
	if !aggregations[fn] {
		return "", invalid(fmt.Sprintf("unsupported aggregation %q", fn))
	}
	if fn == "count" {
		return "count(*)", nil
	}
	if column == "" {
		return "", invalid(fmt.Sprintf("aggregation %s needs a column", fn))
	}
	return fmt.Sprintf("%s(%s)", fn, overviews.Quote(column)), nil
}

func histogramSQL(src, col string, bins int) string {
	return fmt.Sprintf(`WITH _v AS (SELECT %[1]s AS c FROM %[2]s), `+
		`_s AS (SELECT min(c) AS lo, max(c) AS hi, count(*) FILTER (WHERE c IS NULL) AS nulls FROM _v) `+
		`SELECT CASE WHEN _s.lo = _s.hi THEN 0 ELSE LEAST(width_bucket(c, _s.lo, _s.hi, %[3]d), %[3]d) - 1 END AS bin, `+
		`min(c) AS min, max(c) AS max, avg(c) AS avg, count(*) AS freq, _s.lo AS lo, _s.hi AS hi, _s.nulls AS nulls `+
		`FROM _v, _s WHERE c IS NOT NULL GROUP BY bin, _s.lo, _s.hi, _s.nulls ORDER BY bin`, col, src, bins)
}
