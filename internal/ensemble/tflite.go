// tflite.go wraps the TensorFlow Lite interpreter lifecycle for one
// classifier. All go-tflite calls live in this file.
package ensemble

import (
	"fmt"
	"log/slog"
	"runtime"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/chestnet/chestnet-go/internal/cpuspec"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// modelRuntime is one loaded classifier ready for forward passes.
type modelRuntime interface {
	InputSize() int
	OutputSize() int
	Invoke(input []float32) ([]float32, error)
	Close()
}

// runtimeOptions configures interpreter construction.
type runtimeOptions struct {
	Name       string
	Threads    int
	UseXNNPACK bool
}

// newModelRuntime builds a runtime from raw model bytes.
// This is a var instead of a direct call to allow test overrides.
var newModelRuntime = newTFLiteRuntime

type tfliteRuntime struct {
	interpreter *tflite.Interpreter
	inputSize   int
	outputSize  int
}

// newTFLiteRuntime loads a TFLite model, configures its interpreter and
// validates the tensor shapes expected of an image classifier.
func newTFLiteRuntime(modelData []byte, opts runtimeOptions) (modelRuntime, error) {
	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.New(fmt.Errorf("cannot load TensorFlow Lite model")).
			Component("ensemble").
			Category(errors.CategoryModelInit).
			Context("model", opts.Name).
			Context("model_size_mb", len(modelData)/1024/1024).
			Context("use_xnnpack", opts.UseXNNPACK).
			Build()
	}

	threads := determineThreadCount(opts.Threads)
	options := tflite.NewInterpreterOptions()

	// Try to use XNNPACK delegate if enabled in settings
	log := GetLogger()
	if opts.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count, safe conversion
		if delegate == nil {
			log.Warn("Failed to create XNNPACK delegate, falling back to default CPU",
				slog.String("model", opts.Name))
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}

	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", slog.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, errors.New(fmt.Errorf("cannot create interpreter")).
			Component("ensemble").
			Category(errors.CategoryModelInit).
			Context("model", opts.Name).
			Build()
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		return nil, errors.Newf("tensor allocation failed: %v", status).
			Component("ensemble").
			Category(errors.CategoryModelInit).
			Context("model", opts.Name).
			Build()
	}

	inputSize, outputSize, err := classifierShape(interpreter, opts.Name)
	if err != nil {
		interpreter.Delete()
		return nil, err
	}

	// Force garbage collection to reclaim memory from model loading.
	// The model data is no longer needed as TFLite has created its own
	// internal copy.
	runtime.GC()

	return &tfliteRuntime{
		interpreter: interpreter,
		inputSize:   inputSize,
		outputSize:  outputSize,
	}, nil
}

// classifierShape validates the NHWC single-image tensor layout and
// returns the square input edge and the class count.
func classifierShape(interpreter *tflite.Interpreter, name string) (inputSize, outputSize int, err error) {
	inputTensor := interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return 0, 0, shapeError("cannot get input tensor", name, nil)
	}
	dims := tensorDims(inputTensor)
	if len(dims) != 4 || dims[0] != 1 || dims[1] != dims[2] || dims[3] != 3 {
		return 0, 0, shapeError("unexpected input tensor shape", name, dims)
	}

	outputTensor := interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return 0, 0, shapeError("cannot get output tensor", name, nil)
	}
	outputSize = outputTensor.Dim(outputTensor.NumDims() - 1)
	if outputSize < 2 {
		return 0, 0, shapeError("unexpected output tensor shape", name, tensorDims(outputTensor))
	}

	return dims[1], outputSize, nil
}

func tensorDims(tensor *tflite.Tensor) []int {
	dims := make([]int, tensor.NumDims())
	for i := range dims {
		dims[i] = tensor.Dim(i)
	}
	return dims
}

func shapeError(message, model string, dims []int) error {
	builder := errors.Newf("%s", message).
		Component("ensemble").
		Category(errors.CategoryModelInit).
		Context("model", model)
	if dims != nil {
		builder = builder.Context("shape", fmt.Sprintf("%v", dims))
	}
	return builder.Build()
}

func (r *tfliteRuntime) InputSize() int  { return r.inputSize }
func (r *tfliteRuntime) OutputSize() int { return r.outputSize }

// Invoke copies the sample into the input tensor, runs one forward
// pass and returns a copy of the raw output scores.
func (r *tfliteRuntime) Invoke(input []float32) ([]float32, error) {
	inputTensor := r.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return nil, errors.NewStd("cannot get input tensor")
	}
	buf := inputTensor.Float32s()
	if len(buf) != len(input) {
		return nil, errors.Newf("input tensor length mismatch: model expects %d values, sample has %d",
			len(buf), len(input)).Build()
	}
	copy(buf, input)

	if status := r.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).Build()
	}

	outputTensor := r.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return nil, errors.NewStd("cannot get output tensor")
	}
	scores := make([]float32, r.outputSize)
	copy(scores, outputTensor.Float32s())
	return scores, nil
}

// Close releases the interpreter.
func (r *tfliteRuntime) Close() {
	if r.interpreter != nil {
		r.interpreter.Delete()
		r.interpreter = nil
	}
}

// determineThreadCount calculates the appropriate number of threads to
// use based on settings and system capabilities.
func determineThreadCount(configuredThreads int) int {
	systemCPUCount := runtime.NumCPU()

	// If threads are configured to 0, try to get optimal count from cpuspec
	if configuredThreads == 0 {
		spec := cpuspec.GetCPUSpec()
		optimalThreads := spec.GetOptimalThreadCount()
		if optimalThreads > 0 {
			return min(optimalThreads, systemCPUCount)
		}

		// If cpuspec doesn't know the CPU, use all available cores
		return systemCPUCount
	}

	// If threads are configured but exceed system CPU count, limit to system CPU count
	if configuredThreads > systemCPUCount {
		return systemCPUCount
	}

	return configuredThreads
}
