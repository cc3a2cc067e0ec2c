// Package mapconfig models the layergroup definition a map is rendered
// from. A MapConfig is immutable once parsed; filtering yields a new value.
package mapconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/tileforge/internal/overviews"
)

type LayerType string

const (
	TypeMapnik  LayerType = "mapnik"
	TypeCartoDB LayerType = "cartodb"
	TypeTorque  LayerType = "torque"
	TypeHTTP    LayerType = "http"
	TypePlain   LayerType = "plain"
)

// Normalize resolves the cartodb alias.
func (t LayerType) Normalize() LayerType {
	if t == TypeCartoDB {
		return TypeMapnik
	}
	return t
}

func (t LayerType) Valid() bool {
	switch t {
	case TypeMapnik, TypeCartoDB, TypeTorque, TypeHTTP, TypePlain:
		return true
	}
	return false
}

// SQLBacked reports whether the layer renders rows from a datasource.
func (t LayerType) SQLBacked() bool {
	n := t.Normalize()
	return n == TypeMapnik || n == TypeTorque
}

// StringList accepts either a JSON array or a comma separated string.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*l = out
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*l = arr
	return nil
}

type Attributes struct {
	ID      string   `json:"id"`
	Columns []string `json:"columns"`
}

type WidgetOptions struct {
	Column            string   `json:"column,omitempty"`
	AggregationColumn string   `json:"aggregationColumn,omitempty"`
	Aggregation       string   `json:"aggregation,omitempty"`
	Operation         string   `json:"operation,omitempty"`
	Bins              int      `json:"bins,omitempty"`
	Columns           []string `json:"columns,omitempty"`
}

type Widget struct {
	Type    string        `json:"type"`
	Options WidgetOptions `json:"options"`
}

type LayerOptions struct {
	SQL             string             `json:"sql,omitempty"`
	CartoCSS        string             `json:"cartocss,omitempty"`
	CartoCSSVersion string             `json:"cartocss_version,omitempty"`
	GeomColumn      string             `json:"geom_column,omitempty"`
	SRID            int                `json:"srid,omitempty"`
	Interactivity   StringList         `json:"interactivity,omitempty"`
	Attributes      *Attributes        `json:"attributes,omitempty"`
	Widgets         map[string]Widget  `json:"widgets,omitempty"`
	Overviews       overviews.Metadata `json:"overviews,omitempty"`
	MinZoom         *int               `json:"minzoom,omitempty"`
	MaxZoom         *int               `json:"maxzoom,omitempty"`
	URLTemplate     string             `json:"urlTemplate,omitempty"`
	Subdomains      []string           `json:"subdomains,omitempty"`
	TMS             bool               `json:"tms,omitempty"`
	Color           string             `json:"color,omitempty"`
	ImageURL        string             `json:"imageUrl,omitempty"`
}

type Layer struct {
	Type    LayerType    `json:"type"`
	ID      string       `json:"id,omitempty"`
	Options LayerOptions `json:"options"`
}

// VisibleAt reports whether zoom z is inside the layer's minzoom/maxzoom.
func (l Layer) VisibleAt(z int) bool {
	if l.Options.MinZoom != nil && z < *l.Options.MinZoom {
		return false
	}
	if l.Options.MaxZoom != nil && z > *l.Options.MaxZoom {
		return false
	}
	return true
}

// GeomColumn defaults to the_geom_webmercator.
func (l Layer) GeomColumn() string {
	if l.Options.GeomColumn != "" {
		return l.Options.GeomColumn
	}
	return "the_geom_webmercator"
}

type MapConfig struct {
	Version    string         `json:"version"`
	Layers     []Layer        `json:"layers"`
	Buffersize map[string]int `json:"buffersize,omitempty"`
	Extent     int            `json:"extent,omitempty"`
	SRID       int            `json:"srid,omitempty"`

	id      string
	indexes []int
}

// ValidationError reports an invalid layergroup definition.
type ValidationError struct {
	Layer int
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Layer < 0 {
		return e.Msg
	}
	return fmt.Sprintf("layer %d: %s", e.Layer, e.Msg)
}

var ErrNoLayers = &ValidationError{Layer: -1, Msg: "Missing layers array from layergroup config"}

// Parse decodes and validates a layergroup definition.
func Parse(b []byte) (*MapConfig, error) {
	var mc MapConfig
	if err := json.Unmarshal(b, &mc); err != nil {
		return nil, fmt.Errorf("decode layergroup: %w", err)
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	mc.id = mc.computeID()
	return &mc, nil
}

func (mc *MapConfig) Validate() error {
	if len(mc.Layers) == 0 {
		return ErrNoLayers
	}
	seen := map[string]int{}
	for i, l := range mc.Layers {
		if err := validateLayer(i, l); err != nil {
			return err
		}
		id := mc.LayerID(i)
		if j, dup := seen[id]; dup {
			return &ValidationError{Layer: i, Msg: fmt.Sprintf("duplicate layer id %q (also layer %d)", id, j)}
		}
		seen[id] = i
	}
	return nil
}

func validateLayer(i int, l Layer) error {
	if !l.Type.Valid() {
		return &ValidationError{Layer: i, Msg: "Unknown layer type: " + string(l.Type)}
	}
	o := l.Options
	switch l.Type.Normalize() {
	case TypeMapnik:
		if strings.TrimSpace(o.SQL) == "" {
			return &ValidationError{Layer: i, Msg: "Missing sql for layer"}
		}
	case TypeTorque:
		if strings.TrimSpace(o.SQL) == "" {
			return &ValidationError{Layer: i, Msg: "Missing sql for layer"}
		}
		if strings.TrimSpace(o.CartoCSS) == "" {
			return &ValidationError{Layer: i, Msg: "Missing cartocss for layer"}
		}
	case TypeHTTP:
		if o.URLTemplate == "" {
			return &ValidationError{Layer: i, Msg: "Missing mandatory \"urlTemplate\" option"}
		}
	case TypePlain:
		if o.Color == "" && o.ImageURL == "" {
			return &ValidationError{Layer: i, Msg: "Missing mandatory \"color\" or \"imageUrl\" option"}
		}
	}
	if o.MinZoom != nil && o.MaxZoom != nil && *o.MinZoom > *o.MaxZoom {
		return &ValidationError{Layer: i, Msg: "minzoom is greater than maxzoom"}
	}
	return nil
}

// ID is the content hash of the canonical encoding. Filtered views keep
// the id of the config they came from.
func (mc *MapConfig) ID() string {
	if mc.id != "" {
		return mc.id
	}
	return mc.computeID()
}

func (mc *MapConfig) computeID() string {
	b, err := mc.Canonical()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonical is the encoding the id is computed from; map keys are sorted.
func (mc *MapConfig) Canonical() ([]byte, error) {
	b, err := json.Marshal(mc)
	if err != nil {
		return nil, fmt.Errorf("encode layergroup: %w", err)
	}
	return b, nil
}

// Len is the number of layers in this view.
func (mc *MapConfig) Len() int { return len(mc.Layers) }

func (mc *MapConfig) Layer(i int) Layer { return mc.Layers[i] }

// OriginalIndex maps a position in a filtered view back to the position in
// the unfiltered config.
func (mc *MapConfig) OriginalIndex(i int) int {
	if mc.indexes == nil {
		return i
	}
	return mc.indexes[i]
}

// LayerID is the explicit id or layer<N> with N the original position.
func (mc *MapConfig) LayerID(i int) string {
	if id := mc.Layers[i].ID; id != "" {
		return id
	}
	return "layer" + strconv.Itoa(mc.OriginalIndex(i))
}

// IndexOf resolves a layer id or a numeric index to a view position.
func (mc *MapConfig) IndexOf(ref string) (int, bool) {
	for i := range mc.Layers {
		if mc.LayerID(i) == ref {
			return i, true
		}
	}
	if n, err := strconv.Atoi(ref); err == nil {
		for i := range mc.Layers {
			if mc.OriginalIndex(i) == n {
				return i, true
			}
		}
	}
	return 0, false
}

// Filter returns a view holding only the given layer positions, kept in
// config order. nil selects every layer.
func (mc *MapConfig) Filter(layers []int) (*MapConfig, error) {
	if layers == nil {
		return mc, nil
	}
	if len(layers) == 0 {
		return nil, &ValidationError{Layer: -1, Msg: "Invalid layer filtering: empty filter"}
	}
	want := make(map[int]bool, len(layers))
	for _, l := range layers {
		if l < 0 || l >= len(mc.Layers) {
			return nil, &ValidationError{Layer: -1, Msg: fmt.Sprintf("Invalid layer filtering: layer %d does not exist", l)}
		}
		want[l] = true
	}

	out := &MapConfig{
		Version:    mc.Version,
		Buffersize: mc.Buffersize,
		Extent:     mc.Extent,
		SRID:       mc.SRID,
		id:         mc.ID(),
	}
	for i := range mc.Layers {
		if want[i] {
			out.Layers = append(out.Layers, mc.Layers[i])
			out.indexes = append(out.indexes, mc.OriginalIndex(i))
		}
	}
	return out, nil
}

// ParseLayerFilter reads "all", "0,2" or "roads,labels" into normalized
// layer positions.
func (mc *MapConfig) ParseLayerFilter(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		i, ok := mc.IndexOf(p)
		if !ok {
			return nil, &ValidationError{Layer: -1, Msg: fmt.Sprintf("Invalid layer filtering: unknown layer %q", p)}
		}
		out = append(out, i)
	}
	return mc.NormalizeLayers(out), nil
}

// NormalizeLayers sorts and dedupes a layer filter and returns nil when it
// selects every layer, so filters that render the same tile compare equal.
// An empty filter stays empty.
func (mc *MapConfig) NormalizeLayers(layers []int) []int {
	if len(layers) == 0 {
		return layers
	}
	out := slices.Clone(layers)
	slices.Sort(out)
	out = slices.Compact(out)
	if n := len(mc.Layers); len(out) == n && out[0] == 0 && out[n-1] == n-1 {
		return nil
	}
	return out
}

// Types lists the distinct normalized layer types in the view.
func (mc *MapConfig) Types() []LayerType {
	var out []LayerType
	seen := map[LayerType]bool{}
	for _, l := range mc.Layers {
		t := l.Type.Normalize()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
