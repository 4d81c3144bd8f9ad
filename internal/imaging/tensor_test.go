package imaging

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFromGray(gray *image.Gray) *Sample {
	return &Sample{
		Gray:         gray,
		SourceWidth:  gray.Bounds().Dx(),
		SourceHeight: gray.Bounds().Dy(),
	}
}

func TestTensorShapeAndChannelReplication(t *testing.T) {
	t.Parallel()

	sample := sampleFromGray(noisyGray(64, 64, 29))
	tensor, err := sample.Tensor(TensorSpec{InputSize: 32, Normalize: NormalizeUnit})
	require.NoError(t, err)
	require.Len(t, tensor, 32*32*3)

	for i := 0; i < len(tensor); i += 3 {
		require.Equal(t, tensor[i], tensor[i+1], "channel 1 diverged at pixel %d", i/3)
		require.Equal(t, tensor[i], tensor[i+2], "channel 2 diverged at pixel %d", i/3)
		require.GreaterOrEqual(t, tensor[i], float32(0))
		require.LessOrEqual(t, tensor[i], float32(1))
	}
}

func TestTensorDefaultsToUnitNormalization(t *testing.T) {
	t.Parallel()

	sample := sampleFromGray(noisyGray(64, 64, 31))

	explicit, err := sample.Tensor(TensorSpec{InputSize: 48, Normalize: NormalizeUnit})
	require.NoError(t, err)
	implicit, err := sample.Tensor(TensorSpec{InputSize: 48})
	require.NoError(t, err)

	assert.Equal(t, explicit, implicit)
}

func TestTensorMeanStdNormalization(t *testing.T) {
	t.Parallel()

	flat := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}

	spec := TensorSpec{
		InputSize: 64,
		Normalize: NormalizeMeanStd,
		Mean:      [3]float32{0.485, 0.456, 0.406},
		Std:       [3]float32{0.229, 0.224, 0.225},
	}
	tensor, err := sampleFromGray(flat).Tensor(spec)
	require.NoError(t, err)
	require.Len(t, tensor, 64*64*3)

	v := float32(128) / 255
	for i := 0; i < len(tensor); i += 3 {
		for c := 0; c < 3; c++ {
			want := (v - spec.Mean[c]) / spec.Std[c]
			require.InDelta(t, want, tensor[i+c], 0.02,
				"pixel %d channel %d", i/3, c)
		}
	}
}

func TestTensorValidation(t *testing.T) {
	t.Parallel()

	sample := sampleFromGray(noisyGray(64, 64, 37))

	var nilSample *Sample
	_, err := nilSample.Tensor(TensorSpec{InputSize: 32})
	assert.Error(t, err)

	_, err = (&Sample{}).Tensor(TensorSpec{InputSize: 32})
	assert.Error(t, err)

	_, err = sample.Tensor(TensorSpec{InputSize: 0})
	assert.Error(t, err)

	_, err = sample.Tensor(TensorSpec{InputSize: 32, Normalize: "gamma"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown normalization mode")

	_, err = sample.Tensor(TensorSpec{
		InputSize: 32,
		Normalize: NormalizeMeanStd,
		Mean:      [3]float32{0.5, 0.5, 0.5},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "std must be non-zero")
}

func TestThumbnailPreservesAspect(t *testing.T) {
	t.Parallel()

	thumb := sampleFromGray(noisyGray(400, 200, 41)).Thumbnail(128)
	assert.Equal(t, 128, thumb.Bounds().Dx())
	assert.Equal(t, 64, thumb.Bounds().Dy())

	tall := sampleFromGray(noisyGray(200, 400, 43)).Thumbnail(128)
	assert.Equal(t, 64, tall.Bounds().Dx())
	assert.Equal(t, 128, tall.Bounds().Dy())
}
