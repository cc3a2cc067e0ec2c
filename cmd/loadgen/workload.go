package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// hot spots the workload clusters around
var centers = []orb.Point{
	{18.0686, 59.3293}, // Stockholm
	{11.9746, 57.7089}, // Göteborg
	{13.0038, 55.6050}, // Malmö
	{22.1547, 65.5848}, // Luleå
}

// makeTiles builds a pool of count distinct tiles at zoom z. The first
// quarter (at least 8) sit next to the hot spots, the rest are spread over
// the bounding box of all centers.
func makeTiles(count int, z maptile.Zoom, r *rand.Rand) []maptile.Tile {
	seen := make(map[maptile.Tile]bool, count)
	out := make([]maptile.Tile, 0, count)
	add := func(t maptile.Tile) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	hot := max(8, count/4)
	for i := 0; len(out) < min(hot, count) && i < hot*16; i++ {
		c := centers[i%len(centers)]
		add(maptile.At(orb.Point{c[0] + (r.Float64()-0.5)*0.2, c[1] + (r.Float64()-0.5)*0.2}, z))
	}

	b := orb.MultiPoint(centers).Bound()
	for i := 0; len(out) < count && i < count*16; i++ {
		add(maptile.At(orb.Point{
			b.Min[0] + r.Float64()*(b.Max[0]-b.Min[0]),
			b.Min[1] + r.Float64()*(b.Max[1]-b.Min[1]),
		}, z))
	}
	return out
}

func tileURL(base, token string, t maptile.Tile, format string) string {
	return fmt.Sprintf("%s/api/v1/map/%s/%d/%d/%d.%s", strings.TrimRight(base, "/"), token, t.Z, t.X, t.Y, format)
}

// createLayergroup posts the layergroup in path and returns its token.
func createLayergroup(ctx context.Context, c *http.Client, base, path string) (string, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read layergroup: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/v1/map", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("create layergroup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create layergroup: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Token string `json:"layergroupid"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode layergroup response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("create layergroup: empty token")
	}
	return out.Token, nil
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
