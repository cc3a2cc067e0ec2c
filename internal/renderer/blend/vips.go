// Package blend merges raster tiles with libvips.
package blend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cshum/vipsgen/vips"
)

type Options struct {
	Concurrency int
	MaxCacheMB  int
}

// Startup initialises libvips for the process and routes its warnings to
// log. Call Shutdown on exit.
func Startup(o Options, log *slog.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if log == nil {
			return
		}
		if level >= vips.LogLevelError {
			log.Error("vips", "domain", domain, "message", message)
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", "domain", domain, "message", message)
		}
	}, vips.LogLevelWarning)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: o.Concurrency,
		MaxCacheMem:      o.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
	})
}

func Shutdown() { vips.Shutdown() }

// Vips composites PNG tiles over each other in order.
type Vips struct{}

func (Vips) Blend(ctx context.Context, tiles [][]byte) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, errors.New("blend: no tiles")
	}
	if len(tiles) == 1 {
		return tiles[0], nil
	}

	base, err := load(tiles[0])
	if err != nil {
		return nil, fmt.Errorf("blend layer 0: %w", err)
	}
	defer base.Close()

	for i, t := range tiles[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := over(base, t); err != nil {
			return nil, fmt.Errorf("blend layer %d: %w", i+1, err)
		}
	}
	return save(base)
}

func over(base *vips.Image, tile []byte) error {
	top, err := load(tile)
	if err != nil {
		return err
	}
	defer top.Close()

	if top.Width() != base.Width() || top.Height() != base.Height() {
		if err := fit(top, base.Width(), base.Height()); err != nil {
			return err
		}
	}
	return base.Composite2(top, vips.BlendModeOver, vips.DefaultComposite2Options())
}

// Resize scales a PNG or JPEG image to a size x size PNG.
func (Vips) Resize(buf []byte, size int) ([]byte, error) {
	img, err := vips.NewImageFromBuffer(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	defer img.Close()
	if err := fit(img, size, size); err != nil {
		return nil, err
	}
	return save(img)
}

func fit(img *vips.Image, w, h int) error {
	if img.Width() == 0 || img.Height() == 0 {
		return errors.New("empty image")
	}
	opts := vips.DefaultResizeOptions()
	opts.Kernel = vips.KernelLanczos3
	opts.Vscale = float64(h) / float64(img.Height())
	if err := img.Resize(float64(w)/float64(img.Width()), opts); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	if img.Width() != w || img.Height() != h {
		eo := vips.DefaultEmbedOptions()
		eo.Extend = vips.ExtendBlack
		if err := img.Embed(0, 0, w, h, eo); err != nil {
			return fmt.Errorf("pad: %w", err)
		}
	}
	return nil
}

func load(buf []byte) (*vips.Image, error) {
	img, err := vips.NewPngloadBuffer(buf, vips.DefaultPngloadBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return img, nil
}

func save(img *vips.Image) ([]byte, error) {
	opts := vips.DefaultPngsaveBufferOptions()
	opts.Compression = 6
	out, err := img.PngsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out, nil
}
