// Package model defines the tile geometry shared by renderers, the SQL
// engine and the HTTP layer.
package model

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	TileSize = 256
	MaxZoom  = 30

	earthRadius = 6378137.0
	originShift = math.Pi * earthRadius
	// scale denominator of zoom 0 at 0.28mm per pixel
	zoom0ScaleDenominator = 559082264.0287178
)

// BBox is an EPSG:3857 envelope.
type BBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// String renders the envelope as minx,miny,maxx,maxy.
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// SQL renders the envelope as a PostGIS expression.
func (b BBox) SQL() string {
	return fmt.Sprintf("ST_MakeEnvelope(%.10f,%.10f,%.10f,%.10f,3857)", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

type Tile struct {
	Z, X, Y int
}

func (t Tile) String() string { return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y) }

func (t Tile) Validate() error {
	if t.Z < 0 || t.Z > MaxZoom {
		return fmt.Errorf("invalid zoom %d", t.Z)
	}
	n := 1 << uint(t.Z)
	if t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return fmt.Errorf("tile %s out of range", t)
	}
	return nil
}

// Bound is the tile extent in longitude/latitude.
func (t Tile) Bound() orb.Bound {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
}

// BBox is the tile extent in web mercator meters.
func (t Tile) BBox() BBox {
	size := 2 * originShift / float64(uint64(1)<<uint(t.Z))
	minX := -originShift + float64(t.X)*size
	maxY := originShift - float64(t.Y)*size
	return BBox{MinX: minX, MinY: maxY - size, MaxX: minX + size, MaxY: maxY}
}

// ScaleDenominator does not depend on the output scale factor so zoom
// derived from it stays stable across retina requests.
func (t Tile) ScaleDenominator() float64 {
	return zoom0ScaleDenominator / float64(uint64(1)<<uint(t.Z))
}

// PixelSize returns meters per pixel for a tile rendered at scale.
func (t Tile) PixelSize(scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	b := t.BBox()
	return (b.MaxX - b.MinX) / (TileSize * scale)
}

// FlipY converts between XYZ and TMS row numbering.
func (t Tile) FlipY() Tile {
	t.Y = (1 << uint(t.Z)) - 1 - t.Y
	return t
}
