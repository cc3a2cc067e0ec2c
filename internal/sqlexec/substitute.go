package sqlexec

import (
	"strconv"
	"strings"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

// Vars are the values bound to the tokens layer SQL may contain.
type Vars struct {
	BBox             string
	ScaleDenominator float64
	PixelWidth       float64
	PixelHeight      float64
	Zoom             int
}

// TileVars computes the substitution values for rendering tile at scale.
func TileVars(t model.Tile, scale float64) Vars {
	px := t.PixelSize(scale)
	return Vars{
		BBox:             t.BBox().SQL(),
		ScaleDenominator: t.ScaleDenominator(),
		PixelWidth:       px,
		PixelHeight:      px,
		Zoom:             t.Z,
	}
}

// Substitute replaces !bbox!, !scale_denominator!, !pixel_width!,
// !pixel_height! and !zoom! in sql.
func Substitute(sql string, v Vars) string {
	if !strings.Contains(sql, "!") {
		return sql
	}
	bbox := v.BBox
	if bbox == "" {
		bbox = "ST_MakeEnvelope(-20037508.34,-20037508.34,20037508.34,20037508.34,3857)"
	}
	return strings.NewReplacer(
		"!bbox!", bbox,
		"!scale_denominator!", formatFloat(v.ScaleDenominator),
		"!pixel_width!", formatFloat(v.PixelWidth),
		"!pixel_height!", formatFloat(v.PixelHeight),
		"!zoom!", strconv.Itoa(v.Zoom),
	).Replace(sql)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
