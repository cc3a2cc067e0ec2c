// Package keys builds the cache identities used by the renderer cache and
// the tile result cache.
package keys

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a renderer. Tile coordinates and other per-request
// values are not part of it.
type Fingerprint struct {
	DBName      string
	Token       string
	Format      string
	Layers      []int
	ScaleFactor float64
	Extra       map[string]string
}

// String renders every field explicitly with separators escaped, so two
// fingerprints are equal iff their strings are equal.
func (f Fingerprint) String() string {
	var b strings.Builder
	b.Grow(64 + len(f.Token))

	b.WriteString("db=")
	writeEscaped(&b, f.DBName)
	b.WriteString(":token=")
	writeEscaped(&b, f.Token)
	b.WriteString(":format=")
	writeEscaped(&b, f.Format)
	b.WriteString(":layers=")
	b.WriteString(LayerList(f.Layers))
	b.WriteString(":scale=")
	b.WriteString(formatScale(f.ScaleFactor))

	if len(f.Extra) > 0 {
		names := make([]string, 0, len(f.Extra))
		for k := range f.Extra {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			b.WriteByte(':')
			writeEscaped(&b, k)
			b.WriteByte('=')
			writeEscaped(&b, f.Extra[k])
		}
	}
	return b.String()
}

// With returns a copy carrying one more extra parameter.
func (f Fingerprint) With(k, v string) Fingerprint {
	extra := make(map[string]string, len(f.Extra)+1)
	for ek, ev := range f.Extra {
		extra[ek] = ev
	}
	extra[k] = v
	f.Extra = extra
	return f
}

// LayerList renders a layer filter; nil means every layer.
func LayerList(layers []int) string {
	if layers == nil {
		return "all"
	}
	parts := make([]string, len(layers))
	for i, l := range layers {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}

// ETag is a weak validator for a tile body.
func ETag(body []byte) string {
	return `W/"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// TileKey is the tile result cache key for fp at z/x/y.
func TileKey(fp Fingerprint, z, x, y int) string {
	s := fp.String()
	var b strings.Builder
	b.Grow(len(s) + 40)
	b.WriteString("tile:")
	b.WriteString(s)
	b.WriteString(":z=")
	b.WriteString(strconv.Itoa(z))
	b.WriteString(":x=")
	b.WriteString(strconv.Itoa(x))
	b.WriteString(":y=")
	b.WriteString(strconv.Itoa(y))
	return b.String()
}

// TableTag is the Redis set collecting tile keys that depend on db.table.
func TableTag(db, table string) string {
	var b strings.Builder
	b.WriteString("tiletag:")
	writeEscaped(&b, db)
	b.WriteByte(':')
	writeEscaped(&b, strings.ToLower(table))
	return b.String()
}

// MapConfigKey is where a layergroup token's MapConfig is stored.
func MapConfigKey(token string) string {
	return "mapcfg:" + token
}

func formatScale(f float64) string {
	if f == 0 {
		f = 1
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', ':', '=', ',':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
}
