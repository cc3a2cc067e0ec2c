// Package engine is the contract with the style rasterizer. The server runs
// every query itself and hands the engine the encoded vector data for a tile
// together with the style it was opened with.
package engine

import (
	"context"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

type Layer struct {
	ID              string   `json:"id"`
	CartoCSS        string   `json:"cartocss"`
	CartoCSSVersion string   `json:"cartocss_version,omitempty"`
	Interactivity   []string `json:"interactivity,omitempty"`
}

// Map is a styled layer stack bound to one output format.
type Map struct {
	DB         string  `json:"db"`
	Format     string  `json:"format"`
	Scale      float64 `json:"scale"`
	BufferSize int     `json:"buffer_size"`
	Layers     []Layer `json:"layers"`
}

type Engine interface {
	Open(ctx context.Context, m Map) (Session, error)
}

// Session renders tiles for the Map it was opened with. data is an MVT
// holding one layer per Map layer, named by Layer.ID.
type Session interface {
	Render(ctx context.Context, t model.Tile, data []byte) ([]byte, error)
	Close() error
}
