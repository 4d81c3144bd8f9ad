// conf/consts.go hard coded constants
package conf

const (
	InputSize     = 224 // Square edge in pixels of the tensor fed to the classifiers
	InputChannels = 3   // Number of channels of the tensor fed to the classifiers

	CLAHEClipLimit = 2.0 // Contrast clip limit for adaptive histogram equalization
	CLAHETileSize  = 8   // Tile grid edge for adaptive histogram equalization

	MaxBatchImages = 500 // Upper bound on images accepted in a single batch upload

	DefaultLabelsFile = "labels.txt" // label file name inside the model directory
)
