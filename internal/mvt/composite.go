package mvt

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/project"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExtent  = 4096
	defaultVersion = 2
)

// Source produces the buffer of one layer. Name is the layer name in the
// composited tile. A nil buffer yields an empty layer.
type Source struct {
	Name  string
	Fetch func(ctx context.Context) ([]byte, error)
}

// Composite fetches every source concurrently and joins the results in
// source order. The first failure cancels the remaining fetches and no
// partial tile is returned.
func Composite(ctx context.Context, sources []Source) ([]byte, error) {
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q in vector tile", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	bufs := make([][]byte, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sources {
		g.Go(func() error {
			b, err := s.Fetch(gctx)
			if err != nil {
				return fmt.Errorf("layer %s: %w", s.Name, err)
			}
			bufs[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	layers := make(mvt.Layers, 0, len(sources))
	for i, s := range sources {
		l, err := decodeLayer(s.Name, bufs[i])
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	out, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("encode vector tile: %w", err)
	}
	return out, nil
}

// decodeLayer folds every layer found in buf into a single layer called
// name. Features of layers with another extent than the first are rescaled
// to it.
func decodeLayer(name string, buf []byte) (*mvt.Layer, error) {
	out := &mvt.Layer{Name: name, Version: defaultVersion, Extent: DefaultExtent}
	tile, err := Normalize(buf)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	if len(tile) == 0 {
		return out, nil
	}
	decoded, err := mvt.Unmarshal(tile)
	if err != nil {
		return nil, fmt.Errorf("decode layer %s: %w", name, err)
	}
	for i, l := range decoded {
		if i == 0 && l.Extent != 0 {
			out.Extent = l.Extent
		}
		if l.Extent != 0 && l.Extent != out.Extent {
			rescale(l, float64(out.Extent)/float64(l.Extent))
		}
		out.Features = append(out.Features, l.Features...)
	}
	return out, nil
}

func rescale(l *mvt.Layer, k float64) {
	scale := func(p orb.Point) orb.Point { return orb.Point{p[0] * k, p[1] * k} }
	for _, f := range l.Features {
		f.Geometry = project.Geometry(f.Geometry, scale)
	}
	l.Extent = uint32(float64(l.Extent) * k)
}

// LayerNames lists the layer names of an encoded tile in order.
func LayerNames(tile []byte) ([]string, error) {
	norm, err := Normalize(tile)
	if err != nil || len(norm) == 0 {
		return nil, err
	}
	layers, err := mvt.Unmarshal(norm)
	if err != nil {
		return nil, fmt.Errorf("decode vector tile: %w", err)
	}
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = l.Name
	}
	return names, nil
}
