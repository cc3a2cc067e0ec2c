package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/tileforge/internal/cache/redisstore"
	"github.com/mohammed-shakir/tileforge/internal/cache/tilecache"
	"github.com/mohammed-shakir/tileforge/internal/core/config"
	"github.com/mohammed-shakir/tileforge/internal/core/health"
	"github.com/mohammed-shakir/tileforge/internal/core/httpclient"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
	"github.com/mohammed-shakir/tileforge/internal/core/router"
	"github.com/mohammed-shakir/tileforge/internal/core/server"
	"github.com/mohammed-shakir/tileforge/internal/logger"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig/store"
	"github.com/mohammed-shakir/tileforge/internal/metrics"
	"github.com/mohammed-shakir/tileforge/internal/rendercache"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/blend"
	"github.com/mohammed-shakir/tileforge/internal/renderer/engine"
	"github.com/mohammed-shakir/tileforge/internal/renderer/httplayer"
	"github.com/mohammed-shakir/tileforge/internal/renderer/mapnik"
	"github.com/mohammed-shakir/tileforge/internal/renderer/plain"
	"github.com/mohammed-shakir/tileforge/internal/renderer/torque"
	"github.com/mohammed-shakir/tileforge/internal/sqlexec"
	"github.com/mohammed-shakir/tileforge/internal/tiler"
	"github.com/mohammed-shakir/tileforge/internal/widgets"
	"github.com/mohammed-shakir/tileforge/pkg/invalidation/kafka"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	transparent := flag.Bool("transparent-on-timeout", true, "answer timed out png tiles with a transparent tile")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zl := logger.Build(logger.Config{Level: "error", Component: "tileserver"}, os.Stderr)
		zl.Error().Err(err).Msg("config")
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Component: "tileserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build:   metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate},
	})
	if !cfg.Metrics.Enabled {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting tileserver", "addr", cfg.Addr, "version", Version, "datasources", len(cfg.Datasources))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blend.Startup(blend.Options{}, appLog)
	defer blend.Shutdown()

	sql, closeSQL, err := sqlexec.Open(ctx, cfg.Datasources)
	if err != nil {
		appLog.Error("datasources", "err", err)
		return 1
	}
	defer closeSQL()

	var (
		layergroups store.Store = store.NewMemory(1024)
		tiles       tilecache.Store
		checks      = []health.Check{{Name: "postgres", Fn: sql.Ping}}
	)
	if cfg.Redis.Addr != "" {
		rc, err := redisstore.New(ctx, cfg.Redis.Addr,
			redisstore.WithReadTimeout(cfg.Redis.OpTimeout),
			redisstore.WithWriteTimeout(cfg.Redis.OpTimeout))
		if err != nil {
			appLog.Warn("redis unavailable, layergroups kept in memory and tile cache off", "addr", cfg.Redis.Addr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			rs, err := store.NewRedis(rc, cfg.Redis.LayergroupTTL, 1024)
			if err != nil {
				appLog.Error("layergroup store", "err", err)
				return 1
			}
			layergroups = rs
			if cfg.TileCache.Enabled || cfg.Limits.CacheOnTimeout {
				tiles = tilecache.NewRedisStore(rc, cfg.TileCache.TTL)
			}
			checks = append(checks, health.Check{Name: "redis", Fn: rc.Ping})
		}
	}

	var eng engine.Engine
	if cfg.Engine.URL != "" {
		eng = engine.NewRemote(cfg.Engine.URL, cfg.Engine.Timeout)
	}
	outbound := httpclient.NewOutbound(cfg.HTTPLayers.Timeout)
	fetcher := httpclient.NewFetcher("http_layers", outbound, httpclient.BreakerConfig{})
	blender := blend.Vips{}

	httpLayers, err := httplayer.NewFactory(cfg.HTTPLayers, fetcher, blender, appLog)
	if err != nil {
		appLog.Error("http layers", "err", err)
		return 1
	}
	factory := &renderer.Factory{
		Mapnik:  &mapnik.Factory{SQL: sql, Engine: eng, Log: appLog},
		Torque:  &torque.Factory{SQL: sql, Engine: eng, Log: appLog},
		HTTP:    httpLayers,
		Plain:   &plain.Factory{Fetcher: fetcher, Resizer: blender, Blender: blender},
		Blender: blender,
	}

	renderers := rendercache.New(factory, rendercache.Options{
		TTL:           cfg.RendererCache.TTL,
		Capacity:      cfg.RendererCache.Capacity,
		SweepInterval: cfg.RendererCache.SweepInterval,
		ErrorCooldown: cfg.RendererCache.ErrorCooldown,
		Log:           appLog,
	})
	defer func() { _ = renderers.Close() }()
	go renderers.Run(ctx)

	opts := tiler.Options{
		RenderTimeout:  cfg.Limits.Render,
		CacheOnTimeout: cfg.Limits.CacheOnTimeout,
		CacheTiles:     cfg.TileCache.Enabled,
		Log:            appLog,
	}
	if *transparent {
		opts.OnTileError = tiler.TransparentOnTimeout()
	}
	t := tiler.New(renderers, tiles, widgets.New(sql, widgets.SQLBuilder{}, appLog), opts)

	runner := kafka.New(kafka.FromConfig(cfg.Invalidation), t, kafka.Options{
		Logger:   appLog,
		Register: prov.Registerer(),
	})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("invalidation consumer", "err", err)
		return 1
	}
	defer runner.Stop()

	h := router.New(appLog, t, layergroups, cfg.DefaultDB)
	probes := server.Probes{Reporter: runner, Checks: checks, Metrics: prov.Handler()}
	if err := server.Run(ctx, *cfg, appLog, h, probes); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
