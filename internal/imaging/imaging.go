// Package imaging prepares uploaded chest radiographs for ensemble
// inference. The pipeline decodes JPEG or PNG input, validates its
// shape, reduces it to a luminance plane, applies contrast-limited
// adaptive histogram equalization and hands out per-model tensors.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"net/http"

	dimg "github.com/disintegration/imaging"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Dimension and shape defaults for accepted radiographs.
const (
	DefaultMinEdge   = 64
	DefaultMaxEdge   = 8192
	DefaultMaxAspect = 3.0
	DefaultMaxBytes  = 32 << 20
)

// Config bounds accepted input and parameterizes the enhancement step.
type Config struct {
	MinEdge   int     // smallest accepted width or height in pixels
	MaxEdge   int     // largest accepted width or height in pixels
	MaxAspect float64 // reject images wider or taller than this ratio
	MaxBytes  int64   // reject encoded files larger than this
	TilesX    int     // CLAHE tile grid columns
	TilesY    int     // CLAHE tile grid rows
	ClipLimit float64 // CLAHE clip limit in multiples of the mean bin height
}

// DefaultConfig returns the preprocessing parameters used when the
// configuration does not override them.
func DefaultConfig() Config {
	return Config{
		MinEdge:   DefaultMinEdge,
		MaxEdge:   DefaultMaxEdge,
		MaxAspect: DefaultMaxAspect,
		MaxBytes:  DefaultMaxBytes,
		TilesX:    defaultTiles,
		TilesY:    defaultTiles,
		ClipLimit: defaultClipLimit,
	}
}

// Preprocessor applies the fixed enhancement chain to uploaded images.
// It is stateless after construction and safe for concurrent use.
type Preprocessor struct {
	cfg   Config
	clahe *CLAHE
}

// New validates the configuration and builds a Preprocessor.
func New(cfg Config) (*Preprocessor, error) {
	if cfg.MinEdge <= 0 || cfg.MaxEdge < cfg.MinEdge {
		return nil, validationError("invalid edge bounds",
			"bounds", fmt.Sprintf("%d..%d", cfg.MinEdge, cfg.MaxEdge))
	}
	if cfg.MaxAspect < 1.0 {
		return nil, validationError("max aspect ratio must be at least 1",
			"max_aspect", cfg.MaxAspect)
	}
	if cfg.MaxBytes <= 0 {
		return nil, validationError("max file size must be positive",
			"max_bytes", cfg.MaxBytes)
	}

	clahe, err := NewCLAHE(cfg.TilesX, cfg.TilesY, cfg.ClipLimit)
	if err != nil {
		return nil, err
	}
	return &Preprocessor{cfg: cfg, clahe: clahe}, nil
}

// Sample is one preprocessed radiograph ready for tensor conversion.
type Sample struct {
	// Gray is the enhanced luminance plane at source resolution.
	Gray *image.Gray

	// SourceWidth and SourceHeight are the decoded dimensions before
	// any resizing.
	SourceWidth  int
	SourceHeight int
}

// Prepare runs the full preprocessing chain on an encoded image.
// Rejections come back as validation errors, undecodable content as
// image-decode errors.
func (p *Preprocessor) Prepare(data []byte) (*Sample, error) {
	if len(data) == 0 {
		return nil, validationError("empty upload", "size", 0)
	}
	if int64(len(data)) > p.cfg.MaxBytes {
		return nil, validationError("file exceeds the configured size cap",
			"size", len(data))
	}

	contentType := http.DetectContentType(data)
	switch contentType {
	case "image/png", "image/jpeg":
	default:
		return nil, validationError("unsupported content type",
			"content_type", contentType)
	}

	img, err := dimg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode image: %w", err)).
			Component("imaging").
			Category(errors.CategoryImageDecode).
			Context("content_type", contentType).
			Context("size", len(data)).
			Build()
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if err := p.validateDimensions(width, height); err != nil {
		return nil, err
	}

	gray := toGray(dimg.Grayscale(img))
	enhanced := p.clahe.Apply(gray)

	return &Sample{
		Gray:         enhanced,
		SourceWidth:  width,
		SourceHeight: height,
	}, nil
}

// validateDimensions enforces the configured shape bounds.
func (p *Preprocessor) validateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return validationError("image has no pixels",
			"dimensions", fmt.Sprintf("%dx%d", width, height))
	}
	if width < p.cfg.MinEdge || height < p.cfg.MinEdge {
		return validationError("image is below the minimum resolution",
			"dimensions", fmt.Sprintf("%dx%d", width, height))
	}
	if width > p.cfg.MaxEdge || height > p.cfg.MaxEdge {
		return validationError("image exceeds the maximum resolution",
			"dimensions", fmt.Sprintf("%dx%d", width, height))
	}

	aspect := float64(width) / float64(height)
	if aspect < 1.0 {
		aspect = 1.0 / aspect
	}
	if aspect > p.cfg.MaxAspect {
		return validationError("image aspect ratio is not plausible for a radiograph",
			"aspect", fmt.Sprintf("%.2f", aspect))
	}
	return nil
}

// toGray flattens a grayscaled NRGBA image into a single-channel plane.
// The red channel carries the luminance after dimg.Grayscale.
func toGray(img *image.NRGBA) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		srcRow := img.Pix[y*img.Stride:]
		dstRow := gray.Pix[y*gray.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			dstRow[x] = srcRow[x*4]
		}
	}
	return gray
}

// ContentHash returns the hex SHA-256 of an encoded upload, used for
// duplicate detection.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validationError builds a shape or parameter rejection.
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("imaging").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}
