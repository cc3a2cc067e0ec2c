package plain

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

var named = map[string]color.NRGBA{
	"black":       {A: 255},
	"white":       {R: 255, G: 255, B: 255, A: 255},
	"red":         {R: 255, A: 255},
	"green":       {G: 128, A: 255},
	"blue":        {B: 255, A: 255},
	"gray":        {R: 128, G: 128, B: 128, A: 255},
	"grey":        {R: 128, G: 128, B: 128, A: 255},
	"transparent": {},
}

// ParseColor accepts #rgb, #rrggbb, rgb(r,g,b), rgba(r,g,b,a) and a few
// CSS color names.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := named[s]; ok {
		return c, nil
	}
	if hex, ok := strings.CutPrefix(s, "#"); ok {
		return parseHex(hex)
	}
	for _, fn := range []string{"rgba", "rgb"} {
		if args, ok := strings.CutPrefix(s, fn+"("); ok {
			args, ok = strings.CutSuffix(args, ")")
			if !ok {
				break
			}
			return parseFunc(fn, strings.Split(args, ","))
		}
	}
	return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
}

func parseHex(h string) (color.NRGBA, error) {
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color #%s", h)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color #%s", h)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func parseFunc(fn string, args []string) (color.NRGBA, error) {
	want := 3
	if fn == "rgba" {
		want = 4
	}
	if len(args) != want {
		return color.NRGBA{}, fmt.Errorf("invalid color %s(): want %d components", fn, want)
	}
	var ch [3]uint8
	for i := range 3 {
		n, err := strconv.Atoi(strings.TrimSpace(args[i]))
		if err != nil || n < 0 || n > 255 {
			return color.NRGBA{}, fmt.Errorf("invalid color component %q", args[i])
		}
		ch[i] = uint8(n)
	}
	c := color.NRGBA{R: ch[0], G: ch[1], B: ch[2], A: 255}
	if want == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(args[3]), 64)
		if err != nil || a < 0 || a > 1 {
			return color.NRGBA{}, fmt.Errorf("invalid alpha %q", args[3])
		}
		c.A = uint8(a*255 + 0.5)
	}
	return c, nil
}
