package imaging

import (
	"fmt"
	"image"
	"math"
)

// CLAHE parameter bounds. Tile counts above 16 leave too few pixels per
// tile for a stable histogram at the configured minimum resolution.
const (
	defaultTiles     = 8
	defaultClipLimit = 2.0
	maxTiles         = 16
	histBins         = 256
)

// CLAHE performs contrast-limited adaptive histogram equalization on a
// luminance plane. The image is divided into a tile grid, each tile
// gets a clipped equalization mapping, and per-pixel output blends the
// four surrounding tile mappings bilinearly. The operation is
// deterministic for a given input and configuration.
type CLAHE struct {
	tilesX    int
	tilesY    int
	clipLimit float64
}

// NewCLAHE validates the grid and clip parameters.
func NewCLAHE(tilesX, tilesY int, clipLimit float64) (*CLAHE, error) {
	if tilesX < 1 || tilesX > maxTiles {
		return nil, validationError("tile columns out of range",
			"tiles_x", tilesX)
	}
	if tilesY < 1 || tilesY > maxTiles {
		return nil, validationError("tile rows out of range",
			"tiles_y", tilesY)
	}
	// Below 1.0 the clipped histogram cannot hold the tile's pixels.
	if clipLimit < 1.0 {
		return nil, validationError("clip limit must be at least 1",
			"clip_limit", fmt.Sprintf("%.2f", clipLimit))
	}
	return &CLAHE{tilesX: tilesX, tilesY: tilesY, clipLimit: clipLimit}, nil
}

// axisBlend holds the two tile indices and blend fraction precomputed
// for one pixel coordinate along an axis.
type axisBlend struct {
	lo, hi int
	frac   float64
}

// Apply equalizes the plane and returns a new image of the same size.
// The source is not modified.
func (c *CLAHE) Apply(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	dst := image.NewGray(image.Rect(0, 0, width, height))
	if width == 0 || height == 0 {
		return dst
	}

	// Never use more tiles than there are pixel rows or columns.
	tilesX := c.tilesX
	if tilesX > width {
		tilesX = width
	}
	tilesY := c.tilesY
	if tilesY > height {
		tilesY = height
	}

	xBounds := tileBounds(width, tilesX)
	yBounds := tileBounds(height, tilesY)

	// One clipped equalization mapping per tile.
	luts := make([][histBins]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			luts[ty*tilesX+tx] = c.tileLUT(src,
				xBounds[tx], xBounds[tx+1], yBounds[ty], yBounds[ty+1])
		}
	}

	cols := blendTable(width, tilesX, xBounds)
	rows := blendTable(height, tilesY, yBounds)

	minX, minY := bounds.Min.X, bounds.Min.Y
	for y := 0; y < height; y++ {
		rb := rows[y]
		top := rb.lo * tilesX
		bottom := rb.hi * tilesX
		srcRow := src.Pix[src.PixOffset(minX, minY+y):]
		dstRow := dst.Pix[y*dst.Stride:]
		for x := 0; x < width; x++ {
			cb := cols[x]
			v := srcRow[x]

			m00 := float64(luts[top+cb.lo][v])
			m01 := float64(luts[top+cb.hi][v])
			m10 := float64(luts[bottom+cb.lo][v])
			m11 := float64(luts[bottom+cb.hi][v])

			blended := (1-rb.frac)*((1-cb.frac)*m00+cb.frac*m01) +
				rb.frac*((1-cb.frac)*m10+cb.frac*m11)
			dstRow[x] = uint8(math.Round(blended))
		}
	}
	return dst
}

// tileBounds partitions size pixels into tiles nearly equal segments.
// The returned slice has tiles+1 entries with bounds[0]=0 and
// bounds[tiles]=size.
func tileBounds(size, tiles int) []int {
	bounds := make([]int, tiles+1)
	for i := 0; i <= tiles; i++ {
		bounds[i] = i * size / tiles
	}
	return bounds
}

// blendTable precomputes, for each pixel coordinate, the two
// neighboring tile indices and the interpolation fraction between
// their centers.
func blendTable(size, tiles int, bounds []int) []axisBlend {
	centers := make([]float64, tiles)
	for i := 0; i < tiles; i++ {
		centers[i] = (float64(bounds[i]) + float64(bounds[i+1])) / 2
	}

	table := make([]axisBlend, size)
	for x := 0; x < size; x++ {
		pos := float64(x) + 0.5
		idx := x * tiles / size
		lo, hi := idx, idx
		if pos < centers[idx] {
			lo = idx - 1
		} else {
			hi = idx + 1
		}
		if lo < 0 {
			lo = 0
		}
		if hi > tiles-1 {
			hi = tiles - 1
		}
		frac := 0.0
		if lo != hi {
			frac = (pos - centers[lo]) / (centers[hi] - centers[lo])
		}
		table[x] = axisBlend{lo: lo, hi: hi, frac: frac}
	}
	return table
}

// tileLUT builds the clipped equalization mapping for one tile region.
func (c *CLAHE) tileLUT(src *image.Gray, x0, x1, y0, y1 int) [histBins]uint8 {
	minX, minY := src.Bounds().Min.X, src.Bounds().Min.Y

	var hist [histBins]int
	for y := y0; y < y1; y++ {
		row := src.Pix[src.PixOffset(minX+x0, minY+y):]
		for x := 0; x < x1-x0; x++ {
			hist[row[x]]++
		}
	}
	area := (x1 - x0) * (y1 - y0)

	// Clip peaks at clipLimit times the mean bin height and spread the
	// excess evenly so the total count stays equal to the tile area.
	limit := int(c.clipLimit * float64(area) / histBins)
	if limit < 1 {
		limit = 1
	}
	excess := 0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}
	share := excess / histBins
	remainder := excess % histBins
	for i := range hist {
		hist[i] += share
	}
	for i := 0; i < remainder; i++ {
		hist[i]++
	}

	var lut [histBins]uint8
	scale := (histBins - 1.0) / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(math.Round(float64(sum) * scale))
	}
	return lut
}
