// Package overviews rewrites simple layer queries so that low zoom levels
// read from pre-aggregated overview tables.
package overviews

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Overview names the table holding a layer's data down-sampled for a zoom.
type Overview struct {
	Table string `json:"table"`
}

// TableOverviews maps the highest zoom an overview serves to the overview.
type TableOverviews map[int]Overview

// Metadata is keyed by base table name as referenced in layer SQL.
type Metadata map[string]TableOverviews

type Options struct {
	// ZoomLevel replaces the default zoom expression in the generated CTE.
	ZoomLevel string
}

const DefaultZoomExpr = "CDB_ZoomFromScale(!scale_denominator!)"

const (
	scaleCTE  = "_vovw_scale"
	zoomCol   = "_vovw_z"
	cteprefix = "_vovw_"
)

var simpleSelect = regexp.MustCompile(
	`(?is)^\s*select\s+\*\s+from\s+((?:"(?:[^"]|"")+"|[a-z_][a-z0-9_$]*)(?:\s*\.\s*(?:"(?:[^"]|"")+"|[a-z_][a-z0-9_$]*))?)\s*;?\s*$`,
)

// Query returns sql rewritten over the overview tables of the table it
// selects from. Queries other than a plain SELECT * FROM <table>, and
// tables without overviews, are returned unchanged.
func Query(sql string, md Metadata, opts Options) string {
	if len(md) == 0 {
		return sql
	}
	m := simpleSelect.FindStringSubmatch(sql)
	if m == nil {
		return sql
	}
	ref := m[1]
	schema, table, err := ParseIdentifier(ref)
	if err != nil {
		return sql
	}
	ovs, ok := lookup(md, schema, table)
	if !ok || len(ovs) == 0 {
		return sql
	}

	zoomExpr := opts.ZoomLevel
	if zoomExpr == "" {
		zoomExpr = DefaultZoomExpr
	}

	cte := Quote(cteprefix + table)
	var b strings.Builder
	fmt.Fprintf(&b, "WITH %s AS (SELECT %s AS %s), %s AS (", scaleCTE, zoomExpr, zoomCol, cte)
	for i, band := range Bands(ovs) {
		if i > 0 {
			b.WriteString(" UNION ALL ")
		}
		src := band.Table
		if src == "" {
			src = ref
		}
		fmt.Fprintf(&b, "SELECT * FROM %s, %s WHERE %s", src, scaleCTE, band.Condition())
	}
	b.WriteString(") ")
	b.WriteString(strings.TrimRight(strings.TrimSpace(ReplaceTable(sql, ref, cte)), ";"))
	return b.String()
}

// Style is a passthrough; style references to tables are not rewritten.
func Style(cartocss, _ string, _ Metadata) string {
	return cartocss
}

func lookup(md Metadata, schema, table string) (TableOverviews, bool) {
	for name, ovs := range md {
		s, t, err := ParseIdentifier(name)
		if err != nil || t != table {
			continue
		}
		if s == "" || schema == "" || s == schema {
			return ovs, true
		}
	}
	return nil, false
}

// Band selects a source table for the zooms in (Lo, Hi]. A nil Lo means no
// lower bound, a nil Hi means no upper bound. Table is empty for the base
// table band.
type Band struct {
	Table string
	Lo    *int
	Hi    *int
}

// Bands partitions [0, inf) by the overview zooms, ascending, ending with
// the base table band.
func Bands(ovs TableOverviews) []Band {
	zooms := make([]int, 0, len(ovs))
	for z := range ovs {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	out := make([]Band, 0, len(zooms)+1)
	var lo *int
	for _, z := range zooms {
		hi := z
		out = append(out, Band{Table: ovs[z].Table, Lo: lo, Hi: &hi})
		lo = &hi
	}
	return append(out, Band{Lo: lo})
}

func (b Band) Condition() string {
	switch {
	case b.Hi == nil && b.Lo == nil:
		return "true"
	case b.Hi == nil:
		return zoomCol + " > " + strconv.Itoa(*b.Lo)
	case b.Lo == nil && *b.Hi == 0:
		return zoomCol + " = 0"
	case b.Lo == nil:
		return zoomCol + " <= " + strconv.Itoa(*b.Hi)
	case *b.Lo == *b.Hi-1:
		return zoomCol + " = " + strconv.Itoa(*b.Hi)
	default:
		return fmt.Sprintf("%s > %d AND %s <= %d", zoomCol, *b.Lo, zoomCol, *b.Hi)
	}
}

// Contains reports whether zoom z falls in the band.
func (b Band) Contains(z int) bool {
	if b.Lo != nil && z <= *b.Lo {
		return false
	}
	if b.Hi != nil && z > *b.Hi {
		return false
	}
	return true
}
