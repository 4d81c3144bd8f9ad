package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/errors"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newTestPreprocessor(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	return p
}

func assertCategory(t *testing.T, err error, want errors.ErrorCategory) {
	t.Helper()
	var enhanced *errors.EnhancedError
	require.ErrorAs(t, err, &enhanced)
	assert.Equal(t, string(want), enhanced.GetCategory())
}

func TestNewConfigValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero min edge", func(c *Config) { c.MinEdge = 0 }, true},
		{"max below min", func(c *Config) { c.MaxEdge = c.MinEdge - 1 }, true},
		{"aspect below one", func(c *Config) { c.MaxAspect = 0.5 }, true},
		{"zero size cap", func(c *Config) { c.MaxBytes = 0 }, true},
		{"bad tile grid", func(c *Config) { c.TilesX = 0 }, true},
		{"bad clip limit", func(c *Config) { c.ClipLimit = 0.2 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			p, err := New(cfg)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, p)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, p)
			}
		})
	}
}

func TestPrepareAcceptsPNG(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)
	sample, err := p.Prepare(encodePNG(t, noisyGray(512, 512, 3)))
	require.NoError(t, err)

	assert.Equal(t, 512, sample.SourceWidth)
	assert.Equal(t, 512, sample.SourceHeight)
	assert.Equal(t, image.Rect(0, 0, 512, 512), sample.Gray.Bounds())
}

func TestPrepareAcceptsJPEG(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)
	sample, err := p.Prepare(encodeJPEG(t, noisyGray(256, 320, 5)))
	require.NoError(t, err)

	assert.Equal(t, 256, sample.SourceWidth)
	assert.Equal(t, 320, sample.SourceHeight)
	assert.Equal(t, 256, sample.Gray.Bounds().Dx())
	assert.Equal(t, 320, sample.Gray.Bounds().Dy())
}

func TestPrepareAcceptsSixteenBitPNG(t *testing.T) {
	t.Parallel()

	deep := image.NewGray16(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			deep.SetGray16(x, y, color.Gray16{Y: uint16((x + y) * 101)})
		}
	}

	p := newTestPreprocessor(t)
	sample, err := p.Prepare(encodePNG(t, deep))
	require.NoError(t, err)

	assert.Equal(t, 256, sample.SourceWidth)
	assert.Equal(t, 256, sample.SourceHeight)
}

func TestPrepareRejectsUnsupportedContent(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)

	testCases := []struct {
		name string
		data []byte
	}{
		{"gif", append([]byte("GIF89a"), make([]byte, 64)...)},
		{"bmp", append([]byte("BM"), make([]byte, 64)...)},
		{"pdf", []byte("%PDF-1.5\n%some document")},
		{"plain text", []byte("not an image at all")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sample, err := p.Prepare(tc.data)
			require.Error(t, err)
			assert.Nil(t, sample)
			assert.Contains(t, err.Error(), "unsupported content type")
			assertCategory(t, err, errors.CategoryValidation)
		})
	}
}

func TestPrepareRejectsEmptyAndOversizedUploads(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)
	_, err := p.Prepare(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty upload")

	cfg := DefaultConfig()
	cfg.MaxBytes = 512
	capped, err := New(cfg)
	require.NoError(t, err)

	// Noise does not compress, so this encodes well past 512 bytes.
	_, err = capped.Prepare(encodePNG(t, noisyGray(128, 128, 11)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size cap")
	assertCategory(t, err, errors.CategoryValidation)
}

func TestPrepareRejectsTruncatedPNG(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)
	data := encodePNG(t, noisyGray(128, 128, 13))

	sample, err := p.Prepare(data[:100])
	require.Error(t, err)
	assert.Nil(t, sample)
	assertCategory(t, err, errors.CategoryImageDecode)
}

func TestPrepareDimensionValidation(t *testing.T) {
	t.Parallel()

	p := newTestPreprocessor(t)

	_, err := p.Prepare(encodePNG(t, noisyGray(32, 32, 17)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the minimum resolution")

	_, err = p.Prepare(encodePNG(t, noisyGray(512, 128, 19)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aspect ratio")

	cfg := DefaultConfig()
	cfg.MaxEdge = 256
	small, err := New(cfg)
	require.NoError(t, err)
	_, err = small.Prepare(encodePNG(t, noisyGray(300, 300, 23)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the maximum resolution")
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		ContentHash([]byte("abc")))

	a := ContentHash([]byte("radiograph-a"))
	b := ContentHash([]byte("radiograph-b"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ContentHash([]byte("radiograph-a")))
	assert.Len(t, a, 64)
}
