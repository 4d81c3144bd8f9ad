package imaging

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noisyGray fills a plane with seeded pseudorandom luminance so runs
// are repeatable.
func noisyGray(width, height int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func newTestCLAHE(t *testing.T) *CLAHE {
	t.Helper()
	clahe, err := NewCLAHE(defaultTiles, defaultTiles, defaultClipLimit)
	require.NoError(t, err)
	return clahe
}

func TestNewCLAHEValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		tilesX    int
		tilesY    int
		clipLimit float64
		wantErr   bool
	}{
		{"defaults", defaultTiles, defaultTiles, defaultClipLimit, false},
		{"single tile", 1, 1, 1.0, false},
		{"largest grid", maxTiles, maxTiles, 40.0, false},
		{"zero columns", 0, 8, 2.0, true},
		{"zero rows", 8, 0, 2.0, true},
		{"too many columns", maxTiles + 1, 8, 2.0, true},
		{"too many rows", 8, maxTiles + 1, 2.0, true},
		{"clip limit below one", 8, 8, 0.5, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clahe, err := NewCLAHE(tc.tilesX, tc.tilesY, tc.clipLimit)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, clahe)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, clahe)
			}
		})
	}
}

func TestCLAHEDeterministic(t *testing.T) {
	t.Parallel()

	clahe := newTestCLAHE(t)
	src := noisyGray(200, 150, 42)
	srcBefore := append([]uint8(nil), src.Pix...)

	first := clahe.Apply(src)
	second := clahe.Apply(src)

	assert.Equal(t, first.Pix, second.Pix,
		"repeated runs over the same input must produce identical planes")
	assert.Equal(t, srcBefore, src.Pix, "the source plane must not be modified")
	assert.Equal(t, src.Bounds().Dx(), first.Bounds().Dx())
	assert.Equal(t, src.Bounds().Dy(), first.Bounds().Dy())
}

func TestCLAHEConstantPlaneStaysUniform(t *testing.T) {
	t.Parallel()

	clahe := newTestCLAHE(t)
	src := image.NewGray(image.Rect(0, 0, 256, 256))
	for i := range src.Pix {
		src.Pix[i] = 128
	}

	out := clahe.Apply(src)

	first := out.Pix[0]
	for i, v := range out.Pix {
		require.Equal(t, first, v, "pixel %d diverged on a uniform input", i)
	}
	// Clipping keeps a featureless plane close to its original level
	// instead of blowing it out to black or white.
	assert.InDelta(t, 128, int(first), 8)
}

func TestCLAHEWidensLowContrastInput(t *testing.T) {
	t.Parallel()

	clahe := newTestCLAHE(t)

	// Luminance confined to a 40-level band around 100.
	src := image.NewGray(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			src.Pix[y*src.Stride+x] = uint8(100 + (x+y)%40)
		}
	}

	out := clahe.Apply(src)

	outMin, outMax := out.Pix[0], out.Pix[0]
	for _, v := range out.Pix {
		if v < outMin {
			outMin = v
		}
		if v > outMax {
			outMax = v
		}
	}

	assert.Greater(t, int(outMax)-int(outMin), 39,
		"equalization must widen a narrow luminance band")
}

func TestCLAHESmallAndEmptyPlanes(t *testing.T) {
	t.Parallel()

	clahe := newTestCLAHE(t)

	empty := clahe.Apply(image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.Zero(t, empty.Bounds().Dx())
	assert.Zero(t, empty.Bounds().Dy())

	// Fewer pixels than grid cells clamps the effective grid.
	tiny := clahe.Apply(noisyGray(3, 2, 7))
	assert.Equal(t, 3, tiny.Bounds().Dx())
	assert.Equal(t, 2, tiny.Bounds().Dy())

	single := image.NewGray(image.Rect(0, 0, 1, 1))
	single.Pix[0] = 37
	assert.Len(t, clahe.Apply(single).Pix, 1)
}

func TestCLAHESubImageMatchesDetachedCopy(t *testing.T) {
	t.Parallel()

	clahe := newTestCLAHE(t)
	full := noisyGray(100, 100, 99)

	region := image.Rect(10, 10, 74, 74)
	sub, ok := full.SubImage(region).(*image.Gray)
	require.True(t, ok)

	detached := image.NewGray(image.Rect(0, 0, region.Dx(), region.Dy()))
	for y := 0; y < region.Dy(); y++ {
		for x := 0; x < region.Dx(); x++ {
			detached.Pix[y*detached.Stride+x] = full.GrayAt(region.Min.X+x, region.Min.Y+y).Y
		}
	}

	fromSub := clahe.Apply(sub)
	fromDetached := clahe.Apply(detached)

	assert.Equal(t, fromDetached.Pix, fromSub.Pix,
		"a sub-image view must equalize the same as a detached copy")
}
