package imaging

import (
	"fmt"
	"image"

	dimg "github.com/disintegration/imaging"
)

// Normalization modes for Tensor.
const (
	// NormalizeUnit scales luminance into [0, 1].
	NormalizeUnit = "unit"
	// NormalizeMeanStd scales into [0, 1] and then applies per-channel
	// (v-mean)/std, the convention ImageNet-pretrained classifiers
	// were trained with.
	NormalizeMeanStd = "meanstd"
)

// TensorSpec describes the input layout a classifier expects. The
// enhanced plane is resized to InputSize square and the luminance is
// replicated across three channels in NHWC order.
type TensorSpec struct {
	InputSize int
	Normalize string
	Mean      [3]float32
	Std       [3]float32
}

// Tensor converts the enhanced plane into a float32 input tensor of
// length InputSize*InputSize*3.
func (s *Sample) Tensor(spec TensorSpec) ([]float32, error) {
	if s == nil || s.Gray == nil {
		return nil, validationError("sample has no pixel data", "sample", nil)
	}
	if spec.InputSize < 1 {
		return nil, validationError("input size must be positive",
			"input_size", spec.InputSize)
	}
	meanStd := false
	switch spec.Normalize {
	case "", NormalizeUnit:
	case NormalizeMeanStd:
		meanStd = true
		for c, sd := range spec.Std {
			if sd == 0 {
				return nil, validationError("std must be non-zero",
					fmt.Sprintf("std[%d]", c), sd)
			}
		}
	default:
		return nil, validationError("unknown normalization mode",
			"normalize", spec.Normalize)
	}

	edge := spec.InputSize
	resized := dimg.Resize(s.Gray, edge, edge, dimg.Lanczos)

	out := make([]float32, edge*edge*3)
	for y := 0; y < edge; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < edge; x++ {
			v := float32(row[x*4]) / 255
			base := (y*edge + x) * 3
			if meanStd {
				out[base+0] = (v - spec.Mean[0]) / spec.Std[0]
				out[base+1] = (v - spec.Mean[1]) / spec.Std[1]
				out[base+2] = (v - spec.Mean[2]) / spec.Std[2]
			} else {
				out[base+0] = v
				out[base+1] = v
				out[base+2] = v
			}
		}
	}
	return out, nil
}

// Thumbnail scales the enhanced plane to fit within edge pixels on the
// longer side, preserving aspect ratio, for embedding in reports.
func (s *Sample) Thumbnail(edge int) image.Image {
	return dimg.Fit(s.Gray, edge, edge, dimg.Lanczos)
}
