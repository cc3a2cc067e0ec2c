package blend

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	Startup(Options{}, nil)
	code := m.Run()
	Shutdown()
	os.Exit(code)
}

func solid(t *testing.T, size int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func TestBlend_TopLayerWins(t *testing.T) {
	red := solid(t, 256, color.NRGBA{R: 255, A: 255})
	blue := solid(t, 256, color.NRGBA{B: 255, A: 255})

	out, err := Vips{}.Blend(context.Background(), [][]byte{red, blue})
	if err != nil {
		t.Fatalf("Blend: %v", err)
	}
	r, g, b, _ := decode(t, out).At(10, 10).RGBA()
	if r>>8 > 10 || g>>8 > 10 || b>>8 < 245 {
		t.Fatalf("pixel=%d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestBlend_TransparentTopKeepsBase(t *testing.T) {
	red := solid(t, 256, color.NRGBA{R: 255, A: 255})
	clear := solid(t, 256, color.NRGBA{})

	out, err := Vips{}.Blend(context.Background(), [][]byte{red, clear})
	if err != nil {
		t.Fatalf("Blend: %v", err)
	}
	r, _, _, _ := decode(t, out).At(100, 100).RGBA()
	if r>>8 < 245 {
		t.Fatalf("base lost, r=%d", r>>8)
	}
}

func TestResize(t *testing.T) {
	out, err := Vips{}.Resize(solid(t, 64, color.NRGBA{G: 255, A: 255}), 512)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if b := decode(t, out).Bounds(); b.Dx() != 512 || b.Dy() != 512 {
		t.Fatalf("bounds=%v", b)
	}
}

func TestBlend_Empty(t *testing.T) {
	if _, err := (Vips{}).Blend(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
}
