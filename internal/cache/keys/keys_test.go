package keys

import (
	"strings"
	"testing"
)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	f := Fingerprint{DBName: "main", Token: "abc", Format: "png", Layers: []int{0, 2}, ScaleFactor: 1,
		Extra: map[string]string{"b": "2", "a": "1"}}
	g := Fingerprint{DBName: "main", Token: "abc", Format: "png", Layers: []int{0, 2}, ScaleFactor: 1,
		Extra: map[string]string{"a": "1", "b": "2"}}
	if f.String() != g.String() {
		t.Fatalf("determinism failed:\n f=%s\n g=%s", f.String(), g.String())
	}
	want := "db=main:token=abc:format=png:layers=0,2:scale=1:a=1:b=2"
	if f.String() != want {
		t.Fatalf("got %s want %s", f.String(), want)
	}
}

func TestScaleZeroDefaultsToOne(t *testing.T) {
	a := Fingerprint{Token: "t", ScaleFactor: 0}
	b := Fingerprint{Token: "t", ScaleFactor: 1}
	if a.String() != b.String() {
		t.Fatalf("scale 0 and 1 should share a key: %s vs %s", a.String(), b.String())
	}
}

func TestEscaping_NoCollisions(t *testing.T) {
	// Without escaping these two would render identically.
	a := Fingerprint{DBName: "x:token=y", Token: "z"}
	b := Fingerprint{DBName: "x", Token: "y:token=z"}
	if a.String() == b.String() {
		t.Fatalf("collision: %s", a.String())
	}

	c := Fingerprint{Extra: map[string]string{"k": "v:w=1"}}
	d := Fingerprint{Extra: map[string]string{"k": "v", "w": "1"}}
	if c.String() == d.String() {
		t.Fatalf("extra collision: %s", c.String())
	}
}

func TestLayerFilter_AllVersusExplicit(t *testing.T) {
	all := Fingerprint{Token: "t"}
	some := Fingerprint{Token: "t", Layers: []int{}}
	if all.String() == some.String() {
		t.Fatalf("nil and empty layer filters must differ")
	}
	if !strings.Contains(all.String(), ":layers=all:") {
		t.Fatalf("missing layers=all: %s", all.String())
	}
}

func TestWith_DoesNotMutateOriginal(t *testing.T) {
	f := Fingerprint{Token: "t", Extra: map[string]string{"a": "1"}}
	g := f.With("buster", "42")
	if _, ok := f.Extra["buster"]; ok {
		t.Fatalf("original mutated")
	}
	if g.Extra["buster"] != "42" || g.Extra["a"] != "1" {
		t.Fatalf("unexpected extras %+v", g.Extra)
	}
}

func TestTileKey_IncludesCoordinates(t *testing.T) {
	f := Fingerprint{DBName: "main", Token: "abc", Format: "png"}
	k := TileKey(f, 13, 4011, 3088)
	if !strings.HasPrefix(k, "tile:db=main:") || !strings.HasSuffix(k, ":z=13:x=4011:y=3088") {
		t.Fatalf("unexpected tile key %s", k)
	}
	if TileKey(f, 13, 4011, 3089) == k {
		t.Fatalf("different tiles share a key")
	}
}

func TestETag_StableAndDistinct(t *testing.T) {
	a := ETag([]byte("tile-a"))
	if a != ETag([]byte("tile-a")) {
		t.Fatalf("etag not stable")
	}
	if a == ETag([]byte("tile-b")) {
		t.Fatalf("different bodies share an etag")
	}
	if !strings.HasPrefix(a, `W/"`) {
		t.Fatalf("etag=%s", a)
	}
}

func TestTableTag_LowercasesTable(t *testing.T) {
	if TableTag("main", "Roads") != TableTag("main", "roads") {
		t.Fatalf("table tag should be case-insensitive on table")
	}
}
