package imaging

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func filledMask(width, height int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return mask
}

func TestRegionOfInterest(t *testing.T) {
	mask := filledMask(10, 100)
	RegionOfInterest(mask, 0.30)

	for y := 0; y < 100; y++ {
		want := uint8(255)
		if y < 30 {
			want = 0
		}
		if got := mask.GrayAt(5, y).Y; got != want {
			t.Errorf("row %d: got %d, want %d", y, got, want)
		}
	}
}

func TestRegionOfInterest_Limits(t *testing.T) {
	mask := filledMask(4, 4)
	RegionOfInterest(mask, 0)
	if mask.GrayAt(0, 0).Y != 255 {
		t.Error("zero fraction should leave the mask untouched")
	}

	RegionOfInterest(mask, 2)
	if mask.GrayAt(3, 3).Y != 0 {
		t.Error("fractions above 1 should clear the whole mask")
	}
}

func TestFitInput(t *testing.T) {
	tests := []struct {
		name      string
		width     int
		height    int
		size      int
		wantW     int
		wantH     int
		wantScale float64
	}{
		{"already small", 200, 100, 256, 200, 100, 1},
		{"disabled", 640, 480, 0, 640, 480, 1},
		{"landscape", 512, 256, 256, 256, 128, 2},
		{"portrait", 240, 480, 240, 120, 240, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := solidImage(tt.width, tt.height, color.White)
			fitted, scale := FitInput(img, tt.size)

			b := fitted.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("size: got %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
			if math.Abs(scale-tt.wantScale) > 1e-9 {
				t.Errorf("scale: got %v, want %v", scale, tt.wantScale)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	img := solidImage(10, 10, color.RGBA{100, 100, 100, 255})

	if got := Normalize(img, Adjustments{}); got != image.Image(img) {
		t.Error("zero adjustments should return the original image")
	}
	if got := Normalize(img, Adjustments{Gamma: 1}); got != image.Image(img) {
		t.Error("gamma 1 alone should return the original image")
	}

	brighter := Normalize(img, Adjustments{Brightness: 30})
	r, _, _, _ := brighter.At(5, 5).RGBA()
	if r>>8 <= 100 {
		t.Errorf("expected brightness increase, got red=%d", r>>8)
	}

	darker := Normalize(img, Adjustments{Gamma: 0.5})
	r, _, _, _ = darker.At(5, 5).RGBA()
	if r>>8 >= 100 {
		t.Errorf("expected gamma < 1 to darken, got red=%d", r>>8)
	}

	flat := Normalize(solidImage(10, 10, color.RGBA{200, 200, 200, 255}), Adjustments{Contrast: -100})
	r, _, _, _ = flat.At(5, 5).RGBA()
	if r>>8 < 120 || r>>8 > 135 {
		t.Errorf("expected full negative contrast to flatten to mid-gray, got red=%d", r>>8)
	}
}
