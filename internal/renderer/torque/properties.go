// Package torque renders time-aggregated point grids for torque layers.
package torque

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/tileforge/internal/renderer"
)

const (
	PropFrameCount  = "-torque-frame-count"
	PropResolution  = "-torque-resolution"
	PropTimeAttr    = "-torque-time-attribute"
	PropAggregation = "-torque-aggregation-function"
	PropDataAgg     = "-torque-data-aggregation"
)

var required = []string{PropFrameCount, PropResolution, PropTimeAttr, PropAggregation}

var (
	mapBlock = regexp.MustCompile(`(?s)Map\s*\{([^}]*)\}`)
	property = regexp.MustCompile(`(-torque-[a-z-]+)\s*:\s*([^;]+);`)
)

// Properties are the Map-level settings of a torque CartoCSS.
type Properties struct {
	FrameCount      int
	Resolution      int
	TimeAttribute   string
	Aggregation     string
	DataAggregation string
}

// Cumulative reports whether each frame includes the previous ones.
func (p Properties) Cumulative() bool { return p.DataAggregation == "cumulative" }

// ParseProperties reads the torque properties of the Map block of css.
// A missing required property is a MissingOption error naming it.
func ParseProperties(css string) (Properties, error) {
	vals := map[string]string{}
	for _, blk := range mapBlock.FindAllStringSubmatch(css, -1) {
		for _, m := range property.FindAllStringSubmatch(blk[1], -1) {
			vals[m[1]] = unquote(strings.TrimSpace(m[2]))
		}
	}
	for _, name := range required {
		if vals[name] == "" {
			return Properties{}, renderer.MissingProperty(name)
		}
	}

	var p Properties
	var err error
	if p.FrameCount, err = positive(PropFrameCount, vals[PropFrameCount]); err != nil {
		return Properties{}, err
	}
	if p.Resolution, err = positive(PropResolution, vals[PropResolution]); err != nil {
		return Properties{}, err
	}
	p.TimeAttribute = vals[PropTimeAttr]
	p.Aggregation = vals[PropAggregation]
	p.DataAggregation = vals[PropDataAgg]
	if p.DataAggregation == "" {
		p.DataAggregation = "linear"
	}
	return p, nil
}

func positive(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, renderer.Errorf(renderer.KindMissingOption, "Invalid value %q for property '%s' in torque layer CartoCSS", v, name)
	}
	return n, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
