package widgets

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/overviews"
	"github.com/mohammed-shakir/tileforge/internal/renderer/torque"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
)

// collector gathers metadata for the layer types it matches. Collectors
// are tried in order; layers nobody matches get an empty object.
type collector interface {
	match(t mapconfig.LayerType) bool
	collect(ctx context.Context, db string, l mapconfig.Layer) (any, error)
}

type Column struct {
	Type string `json:"type"`
}

type Stats struct {
	EstimatedFeatureCount int64  `json:"estimatedFeatureCount"`
	GeometryType          string `json:"geometryType,omitempty"`
}

type MapnikMeta struct {
	Stats   Stats             `json:"stats"`
	Columns map[string]Column `json:"columns"`
}

type mapnikCollector struct{ sql sqlexec.Querier }

func (mapnikCollector) match(t mapconfig.LayerType) bool { return t.Normalize() == mapconfig.TypeMapnik }

func (c mapnikCollector) collect(ctx context.Context, db string, l mapconfig.Layer) (any, error) {
	src := sqlexec.Substitute(l.Options.SQL, sqlexec.Vars{})

	probe, err := c.sql.Query(ctx, db, fmt.Sprintf("SELECT * FROM (%s) AS _cdb_meta_src LIMIT 0", src))
	if err != nil {
		return nil, err
	}
	m := MapnikMeta{Columns: make(map[string]Column, len(probe.Fields))}
	geom := l.GeomColumn()
	hasGeom := false
	for _, f := range probe.Fields {
		if f.Name == geom {
			hasGeom = true
			continue
		}
		m.Columns[f.Name] = Column{Type: f.Type}
	}

	gt := "NULL"
	if hasGeom {
		gt = fmt.Sprintf("max(ST_GeometryType(%s))", overviews.Quote(geom))
	}
	res, err := c.sql.Query(ctx, db, fmt.Sprintf(
		"SELECT count(*) AS feature_count, %s AS geometry_type FROM (%s) AS _cdb_meta_src", gt, src))
	if err != nil {
		return nil, err
	}
	if len(res.Rows) > 0 {
		n, _ := number(res.Rows[0]["feature_count"])
		m.Stats.EstimatedFeatureCount = int64(n)
		if s, ok := res.Rows[0]["geometry_type"].(string); ok {
			m.Stats.GeometryType = strings.ToLower(strings.TrimPrefix(s, "ST_"))
		}
	}
	return m, nil
}

type torqueCollector struct{ sql sqlexec.Querier }

func (torqueCollector) match(t mapconfig.LayerType) bool { return t == mapconfig.TypeTorque }

func (c torqueCollector) collect(ctx context.Context, db string, l mapconfig.Layer) (any, error) {
	p, err := torque.ParseProperties(l.Options.CartoCSS)
	if err != nil {
		return nil, err
	}
	return torque.TimeRange(ctx, c.sql, db, l, p)
}
