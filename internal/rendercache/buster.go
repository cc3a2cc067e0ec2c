package rendercache

import (
	"strconv"
	"time"
)

// GetCacheBusterValue normalises a caller supplied cache buster. Numeric
// values are clamped to now in milliseconds so a buster in the future
// cannot pin a renderer forever; other values are returned unchanged. An
// absent buster is 0.
func GetCacheBusterValue(v string, now time.Time) string {
	if v == "" {
		return "0"
	}
	n, ok := numeric(v)
	if !ok {
		return v
	}
	if ms := now.UnixMilli(); n > float64(ms) {
		return strconv.FormatInt(ms, 10)
	}
	return v
}

// ShouldRecreateRenderer compares the buster a renderer was built with to
// the buster of a new request. Two numeric values recreate only when the
// new one is strictly greater; anything else recreates on inequality.
func ShouldRecreateRenderer(entryBuster, buster string) bool {
	a, okA := numeric(entryBuster)
	b, okB := numeric(buster)
	if okA && okB {
		return b > a
	}
	return entryBuster != buster
}

func numeric(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
