package renderer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
)

// SubFactory builds a renderer for a view whose layers share one type.
type SubFactory interface {
	Create(ctx context.Context, mc *mapconfig.MapConfig, p Params) (Renderer, error)
	Formats() []Format
}

// Blender merges raster tiles bottom to top.
type Blender interface {
	Blend(ctx context.Context, tiles [][]byte) ([]byte, error)
}

type Factory struct {
	Mapnik  SubFactory
	Torque  SubFactory
	HTTP    SubFactory
	Plain   SubFactory
	Blender Blender
}

// GetRenderer filters mc to p.Layers and dispatches on the layer types and
// the requested format.
func (f *Factory) GetRenderer(ctx context.Context, mc *mapconfig.MapConfig, p Params) (Renderer, error) {
	view, err := mc.Filter(p.Layers)
	if err != nil {
		return nil, err
	}

	switch p.Format {
	case FormatMVT:
		for i, l := range view.Layers {
			if l.Type.Normalize() != mapconfig.TypeMapnik {
				return nil, Errorf(KindUnsupportedFormat,
					"Unsupported format: 'mvt' for layer type %s (layer %s)", l.Type, view.LayerID(i))
			}
		}
		return f.create(ctx, mapconfig.TypeMapnik, view, p)

	case FormatGrid:
		if view.Len() != 1 {
			return nil, Errorf(KindUnsupportedFormat, "Unsupported format: 'grid.json' needs exactly one layer, got %d", view.Len())
		}
		l := view.Layer(0)
		if l.Type.Normalize() != mapconfig.TypeMapnik {
			return nil, Errorf(KindUnsupportedFormat, "Unsupported format: 'grid.json' for layer type %s", l.Type)
		}
		if len(l.Options.Interactivity) == 0 {
			return nil, Errorf(KindMissingOption, "Tileset has no interactivity")
		}
		return f.create(ctx, mapconfig.TypeMapnik, view, p)

	case FormatTorque, FormatTorqueAlt:
		if view.Len() != 1 || view.Layer(0).Type != mapconfig.TypeTorque {
			return nil, Errorf(KindLayerTypeMismatch, "Unsupported format %s: torque tiles need a single torque layer", p.Format)
		}
		return f.create(ctx, mapconfig.TypeTorque, view, p)

	case FormatPNG:
		groups := groupByType(view)
		if len(groups) == 1 {
			return f.create(ctx, groups[0].typ, view, p)
		}
		return f.blended(ctx, view, groups, p)
	}
	return nil, Errorf(KindUnsupportedFormat, "Unsupported format %s", p.Format)
}

type group struct {
	typ     mapconfig.LayerType
	indexes []int
}

// groupByType splits layers into runs of consecutive layers sharing a
// type, so each run renders with one sub-renderer.
func groupByType(mc *mapconfig.MapConfig) []group {
	var out []group
	for i, l := range mc.Layers {
		t := l.Type.Normalize()
		if n := len(out); n > 0 && out[n-1].typ == t {
			out[n-1].indexes = append(out[n-1].indexes, i)
			continue
		}
		out = append(out, group{typ: t, indexes: []int{i}})
	}
	return out
}

func (f *Factory) blended(ctx context.Context, view *mapconfig.MapConfig, groups []group, p Params) (Renderer, error) {
	if f.Blender == nil {
		return nil, Errorf(KindUnsupportedFormat, "Unsupported format png for mixed layer types")
	}
	parts := make([]Renderer, 0, len(groups))
	closeAll := func() {
		for _, r := range parts {
			_ = r.Close()
		}
	}
	for _, g := range groups {
		sub, err := view.Filter(g.indexes)
		if err != nil {
			closeAll()
			return nil, err
		}
		r, err := f.create(ctx, g.typ, sub, p)
		if err != nil {
			closeAll()
			return nil, err
		}
		parts = append(parts, r)
	}
	return NewBlended(parts, f.Blender), nil
}

func (f *Factory) create(ctx context.Context, t mapconfig.LayerType, view *mapconfig.MapConfig, p Params) (Renderer, error) {
	var sf SubFactory
	switch t.Normalize() {
	case mapconfig.TypeMapnik:
		sf = f.Mapnik
	case mapconfig.TypeTorque:
		sf = f.Torque
	case mapconfig.TypeHTTP:
		sf = f.HTTP
	case mapconfig.TypePlain:
		sf = f.Plain
	default:
		return nil, Errorf(KindLayerTypeMismatch, "Unknown layer type: %s", t)
	}
	if sf == nil {
		return nil, Errorf(KindLayerTypeMismatch, "No renderer configured for layer type %s", t)
	}
	if !supports(sf, p.Format) {
		return nil, Errorf(KindUnsupportedFormat, "Unsupported format: '%s' for layer type %s", p.Format, t)
	}
	r, err := sf.Create(ctx, view, p)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, fmt.Errorf("create %s renderer: %w", t, err)
	}
	return r, nil
}

func supports(sf SubFactory, f Format) bool {
	for _, s := range sf.Formats() {
		if s == f {
			return true
		}
	}
	return false
}
