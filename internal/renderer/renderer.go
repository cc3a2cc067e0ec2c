// Package renderer defines what the renderer cache stores: a Renderer
// produces tiles for one layergroup view in one output format.
package renderer

import (
	"context"
	"time"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

type Format string

const (
	FormatPNG       Format = "png"
	FormatGrid      Format = "grid.json"
	FormatMVT       Format = "mvt"
	FormatTorque    Format = "json.torque"
	FormatTorqueAlt Format = "torque.json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatPNG, FormatGrid, FormatMVT, FormatTorque, FormatTorqueAlt:
		return f, nil
	}
	return "", Errorf(KindUnsupportedFormat, "Unsupported format %s", s)
}

func (f Format) IsTorque() bool { return f == FormatTorque || f == FormatTorqueAlt }

func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatMVT:
		return "application/x-protobuf"
	default:
		return "application/json; charset=utf-8"
	}
}

type Tile struct {
	Body        []byte
	ContentType string
}

// Stats describes the work done for one tile.
type Stats struct {
	Layers     int           `json:"layers"`
	DBTime     time.Duration `json:"db_time"`
	RenderTime time.Duration `json:"render_time"`
	Fallback   bool          `json:"fallback,omitempty"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Layers += o.Layers
	s.DBTime += o.DBTime
	s.RenderTime += o.RenderTime
	s.Fallback = s.Fallback || o.Fallback
}

// Renderer holds pooled resources and must be closed by its owner.
type Renderer interface {
	GetTile(ctx context.Context, t model.Tile) (*Tile, Stats, error)
	Close() error
}

// TableLister is implemented by renderers that read from datasource
// tables; invalidation uses it.
type TableLister interface {
	Tables() []string
}

// Params carries the request values a renderer is built for.
type Params struct {
	DBName      string
	Format      Format
	Layers      []int
	ScaleFactor float64
}

func (p Params) Scale() float64 {
	if p.ScaleFactor <= 0 {
		return 1
	}
	return p.ScaleFactor
}

// Tables collects the tables r depends on, if it reports any.
func Tables(r Renderer) []string {
	if tl, ok := r.(TableLister); ok {
		return tl.Tables()
	}
	return nil
}
