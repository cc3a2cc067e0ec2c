package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/tileforge/internal/core/httpclient"
	"github.com/mohammed-shakir/tileforge/internal/logger"
)

type Config struct {
	BaseURL        string
	Token          string
	Layergroup     string
	Format         string
	Zoom           int
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	TileCount      int
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8181", "Tile server base URL")
	flag.StringVar(&cfg.Token, "token", "", "Layergroup token to request tiles from")
	flag.StringVar(&cfg.Layergroup, "layergroup", "", "Layergroup JSON file to create when no token is given")
	flag.StringVar(&cfg.Format, "format", "png", "Tile format")
	flag.IntVar(&cfg.Zoom, "zoom", 13, "Zoom level of the tile pool")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.TileCount, "tiles", 128, "Distinct tiles in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tiles", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.Parse()
	return cfg
}

// one sample per request
type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Tile      maptile.Tile
	CacheHit  bool
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	CacheHits     int64     `json:"renderer_cache_hits"`
	HitRatio      float64   `json:"renderer_cache_hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Zoom          int       `json:"zoom"`
	Tiles         int       `json:"tiles"`
	Token         string    `json:"token"`
}

type aggregatedResult struct {
	total, success, errors, hits int64
	latMs                        []float64
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := loadConfig()
	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "loadgen"}, os.Stderr)
	log := &zl

	if cfg.Zoom < 0 || cfg.Zoom > 22 {
		log.Error().Int("zoom", cfg.Zoom).Msg("zoom out of range")
		return 2
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Error().Err(err).Msg("mkdir results")
		return 1
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	client := httpclient.NewOutbound(cfg.RequestTimeout)

	if cfg.Token == "" {
		if cfg.Layergroup == "" {
			log.Error().Msg("either -token or -layergroup is required")
			return 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		token, err := createLayergroup(ctx, client, cfg.BaseURL, cfg.Layergroup)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("layergroup")
			return 1
		}
		cfg.Token = token
		log.Info().Str("token", token).Msg("layergroup created")
	}

	seed := time.Now().UnixNano()
	tiles := makeTiles(cfg.TileCount, maptile.Zoom(cfg.Zoom), rand.New(rand.NewSource(seed)))
	if len(tiles) == 0 {
		log.Error().Msg("no tiles generated")
		return 1
	}
	imax := uint64(len(tiles)) - 1

	csvFile, err := os.Create(filepath.Clean(prefix + "_samples.csv"))
	if err != nil {
		log.Error().Err(err).Msg("open csv")
		return 1
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samples := make(chan sample, 4096)
	results := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "tile", "cache_hit"})
		var agg aggregatedResult
		agg.latMs = make([]float64, 0, 1<<16)
		for s := range samples {
			agg.total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" {
				agg.success++
				agg.latMs = append(agg.latMs, ms)
			} else {
				agg.errors++
			}
			if s.CacheHit {
				agg.hits++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", ms),
				strconv.Itoa(s.Status),
				s.ErrorMsg,
				fmt.Sprintf("%d/%d/%d", s.Tile.Z, s.Tile.X, s.Tile.Y),
				strconv.FormatBool(s.CacheHit),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Warn().Err(err).Msg("csv flush")
		}
		results <- agg
	}()

	start := time.Now()
	log.Info().Str("target", cfg.BaseURL).Str("token", cfg.Token).Dur("duration", cfg.Duration).
		Int("concurrency", cfg.Concurrency).Int("tiles", len(tiles)).Msg("loadgen start")

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			zipf := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				v := zipf.Uint64()
				if v > uint64(math.MaxInt) || int(v) >= len(tiles) {
					continue
				}
				t := tiles[v]
				s := fetch(ctx, client, tileURL(cfg.BaseURL, cfg.Token, t, cfg.Format))
				s.Tile = t
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samples)
	}()

	agg := <-results
	end := time.Now()
	elapsed := end.Sub(start).Seconds()

	sort.Float64s(agg.latMs)
	sum := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		CacheHits:     agg.hits,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		Zoom:          cfg.Zoom,
		Tiles:         len(tiles),
		Token:         cfg.Token,
	}
	if agg.total > 0 {
		sum.HitRatio = float64(agg.hits) / float64(agg.total)
	}

	jsonPath := prefix + "_summary.json"
	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = f.Close()
	}

	log.Info().Int64("total", agg.total).Int64("errors", agg.errors).Float64("hit_ratio", sum.HitRatio).
		Float64("rps", sum.ThroughputRPS).Float64("p50_ms", sum.P50Ms).Float64("p95_ms", sum.P95Ms).
		Float64("p99_ms", sum.P99Ms).Str("summary", jsonPath).Msg("done")
	return 0
}

func fetch(ctx context.Context, c *http.Client, u string) sample {
	s := sample{Timestamp: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := c.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	s.CacheHit = strings.TrimSpace(resp.Header.Get("X-Cache-hit")) == "true"
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}
