package hashing

import (
	"image"
	"image/color"
	"testing"
)

func solidImage(c color.Color, w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPHashDeterministic(t *testing.T) {
	img := solidImage(color.RGBA{R: 10, G: 200, B: 40, A: 255}, 64, 64)
	a, err := PHash(img, Bits64)
	if err != nil {
		t.Fatalf("PHash() error = %v", err)
	}
	b, err := PHash(img, Bits64)
	if err != nil {
		t.Fatalf("PHash() error = %v", err)
	}
	if a != b {
		t.Errorf("PHash not deterministic: %s != %s", a, b)
	}
	if len(a) == 0 {
		t.Error("expected non-empty hash")
	}
}

func TestPHashRejectsOversizedBitLength(t *testing.T) {
	img := solidImage(color.White, 16, 16)
	if _, err := PHash(img, BitLength(4096)); err == nil {
		t.Error("expected error for bit length larger than the DCT sample")
	}
}

func TestHammingDistanceHexIdentical(t *testing.T) {
	dist, err := HammingDistanceHex("ff00ff00", "ff00ff00")
	if err != nil {
		t.Fatalf("HammingDistanceHex() error = %v", err)
	}
	if dist != 0 {
		t.Errorf("distance = %d, want 0", dist)
	}
}

func TestHammingDistanceHexFullFlip(t *testing.T) {
	dist, err := HammingDistanceHex("00000000", "ffffffff")
	if err != nil {
		t.Fatalf("HammingDistanceHex() error = %v", err)
	}
	if dist != 32 {
		t.Errorf("distance = %d, want 32", dist)
	}
}

func TestHammingDistanceHexLengthMismatch(t *testing.T) {
	if _, err := HammingDistanceHex("ff", "ffff"); err == nil {
		t.Error("expected error for mismatched hash lengths")
	}
}

func TestColorHashDeterministic(t *testing.T) {
	img := solidImage(color.RGBA{R: 128, G: 64, B: 32, A: 255}, 32, 32)
	if ColorHash(img) != ColorHash(img) {
		t.Error("ColorHash not deterministic")
	}
}

func TestClassifyByExtension(t *testing.T) {
	cases := map[string]Kind{
		"foo.jpg":  KindStill,
		"foo.PNG":  KindStill,
		"foo.zip":  KindZipAnimation,
		"foo.webm": KindVideo,
		"foo.mp4":  KindVideo,
	}
	for path, want := range cases {
		if got := ClassifyByExtension(path); got != want {
			t.Errorf("ClassifyByExtension(%s) = %v, want %v", path, got, want)
		}
	}
}
