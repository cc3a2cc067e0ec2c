package model

import (
	"math"
	"testing"
)

func TestTileBBox_WorldAtZoomZero(t *testing.T) {
	b := Tile{}.BBox()
	if math.Abs(b.MinX+originShift) > 1e-6 || math.Abs(b.MaxY-originShift) > 1e-6 {
		t.Fatalf("unexpected world bbox %+v", b)
	}
	if math.Abs((b.MaxX-b.MinX)-(b.MaxY-b.MinY)) > 1e-6 {
		t.Fatalf("tile not square: %+v", b)
	}
}

func TestTileBBox_AdjacentTilesShareEdges(t *testing.T) {
	a := Tile{Z: 13, X: 4011, Y: 3088}.BBox()
	b := Tile{Z: 13, X: 4012, Y: 3088}.BBox()
	if math.Abs(a.MaxX-b.MinX) > 1e-6 {
		t.Fatalf("gap between tiles: %f vs %f", a.MaxX, b.MinX)
	}
}

func TestBound_MatchesMercatorOrientation(t *testing.T) {
	bd := Tile{Z: 1, X: 0, Y: 0}.Bound()
	if bd.Min.Lon() != -180 || bd.Max.Lon() != 0 || bd.Min.Lat() < 0 {
		t.Fatalf("unexpected bound %+v", bd)
	}
}

func TestValidate(t *testing.T) {
	if err := (Tile{Z: 2, X: 3, Y: 3}).Validate(); err != nil {
		t.Fatalf("valid tile rejected: %v", err)
	}
	if err := (Tile{Z: 2, X: 4, Y: 0}).Validate(); err == nil {
		t.Fatalf("x out of range accepted")
	}
	if err := (Tile{Z: -1}).Validate(); err == nil {
		t.Fatalf("negative zoom accepted")
	}
}

func TestScaleDenominator_HalvesPerZoom(t *testing.T) {
	s12 := Tile{Z: 12}.ScaleDenominator()
	s13 := Tile{Z: 13}.ScaleDenominator()
	if math.Abs(s12/s13-2) > 1e-9 {
		t.Fatalf("ratio=%f", s12/s13)
	}
}

func TestFlipY(t *testing.T) {
	if got := (Tile{Z: 3, X: 1, Y: 0}).FlipY(); got.Y != 7 {
		t.Fatalf("flip=%+v", got)
	}
}
