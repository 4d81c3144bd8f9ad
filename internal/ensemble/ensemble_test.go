package ensemble

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/imaging"
)

// fakeRuntime stands in for a loaded TFLite interpreter.
type fakeRuntime struct {
	name       string
	inputSize  int
	outputSize int
	scores     []float32
	invokeErr  error

	mu      sync.Mutex
	invokes int
	closed  bool
}

func (f *fakeRuntime) InputSize() int  { return f.inputSize }
func (f *fakeRuntime) OutputSize() int { return f.outputSize }

func (f *fakeRuntime) Invoke([]float32) ([]float32, error) {
	f.mu.Lock()
	f.invokes++
	f.mu.Unlock()
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	out := make([]float32, len(f.scores))
	copy(out, f.scores)
	return out, nil
}

func (f *fakeRuntime) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// runtimeFactory replaces the TFLite constructor for one test and
// records every load in order.
type runtimeFactory struct {
	runtimes map[string]*fakeRuntime
	loads    []string
	loadErr  map[string]error
}

func stubRuntimes(t *testing.T) *runtimeFactory {
	t.Helper()
	f := &runtimeFactory{
		runtimes: make(map[string]*fakeRuntime),
		loadErr:  make(map[string]error),
	}
	orig := newModelRuntime
	newModelRuntime = func(_ []byte, opts runtimeOptions) (modelRuntime, error) {
		f.loads = append(f.loads, opts.Name)
		if err := f.loadErr[opts.Name]; err != nil {
			return nil, err
		}
		rt, ok := f.runtimes[opts.Name]
		if !ok {
			rt = &fakeRuntime{name: opts.Name, inputSize: 8, outputSize: 4, scores: []float32{0.9, 0.05, 0.03, 0.02}}
			f.runtimes[opts.Name] = rt
		}
		rt.closed = false
		return rt, nil
	}
	t.Cleanup(func() { newModelRuntime = orig })
	return f
}

func modelSpec(name string, sizeMB int) conf.ModelSpec {
	return conf.ModelSpec{Name: name, Path: name + ".tflite", SizeMB: sizeMB, Enabled: true, Weight: 1.0}
}

// ensembleSettings writes a dummy model file per spec and returns
// settings pointing at them.
func ensembleSettings(t *testing.T, budgetMB int, specs ...conf.ModelSpec) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	for _, spec := range specs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, spec.Path), []byte("model-bytes"), 0o644))
	}
	s := &conf.Settings{}
	s.Ensemble.ModelPath = dir
	s.Ensemble.Models = specs
	s.Ensemble.MemoryBudgetMB = budgetMB
	s.Ensemble.Threshold = 0.5
	s.Triage.MinAgreement = 0.5
	s.Triage.MinConfidence = 0.5
	return s
}

func testSample() *imaging.Sample {
	return &imaging.Sample{
		Gray:         image.NewGray(image.Rect(0, 0, 16, 16)),
		SourceWidth:  16,
		SourceHeight: 16,
	}
}

func TestNewRequiresEnabledModels(t *testing.T) {
	s := ensembleSettings(t, 512)
	_, err := New(s, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ensemble members enabled")
}

func TestNewRequiresPositiveBudget(t *testing.T) {
	s := ensembleSettings(t, 0, modelSpec("densenet121", 100))
	_, err := New(s, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory budget")
}

func TestNewRejectsMissingModelFile(t *testing.T) {
	s := ensembleSettings(t, 512, modelSpec("densenet121", 100))
	s.Ensemble.Models[0].Path = "gone.tflite"
	_, err := New(s, nil, nil)
	require.Error(t, err)
}

func TestNewRejectsModelLargerThanBudget(t *testing.T) {
	s := ensembleSettings(t, 64, modelSpec("resnet50", 100))
	_, err := New(s, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory budget is 64 MB")
}

func TestNewRejectsDuplicateModelNames(t *testing.T) {
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60), modelSpec("densenet121", 60))
	_, err := New(s, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate model name")
}

func TestPredictAllLoadsLazilyAndReusesResidents(t *testing.T) {
	factory := stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60), modelSpec("resnet50", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	// Nothing is resident until the first pass.
	assert.Empty(t, factory.loads)

	results, err := e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"densenet121", "resnet50"}, factory.loads)

	// The second pass reuses the resident interpreters.
	_, err = e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	assert.Equal(t, []string{"densenet121", "resnet50"}, factory.loads)
	assert.Equal(t, 2, factory.runtimes["densenet121"].invokes)
}

func TestPredictAllEvictsLeastRecentlyUsed(t *testing.T) {
	factory := stubRuntimes(t)
	// Budget holds one member at a time, so each load evicts the
	// previous one.
	s := ensembleSettings(t, 100, modelSpec("densenet121", 60), modelSpec("resnet50", 60), modelSpec("mobilenetv2", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	results, err := e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	assert.Len(t, results, 3)

	assert.Equal(t, []string{"densenet121", "resnet50", "mobilenetv2"}, factory.loads)
	assert.True(t, factory.runtimes["densenet121"].closed)
	assert.True(t, factory.runtimes["resnet50"].closed)
	assert.False(t, factory.runtimes["mobilenetv2"].closed)
	assert.Equal(t, 1, e.residentCount())
	assert.Equal(t, 60, e.residentMB)

	// The next pass reloads the evicted members oldest-first again.
	_, err = e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	assert.Equal(t, []string{"densenet121", "resnet50", "mobilenetv2", "densenet121", "resnet50", "mobilenetv2"}, factory.loads)
}

func TestPredictAllSkipsFailingMember(t *testing.T) {
	factory := stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60), modelSpec("resnet50", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	factory.runtimes["resnet50"] = &fakeRuntime{
		name: "resnet50", inputSize: 8, outputSize: 4,
		invokeErr: assert.AnError,
	}

	results, err := e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "densenet121", results[0].Model)
}

func TestPredictAllErrorsWhenEveryMemberFails(t *testing.T) {
	factory := stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	factory.loadErr["densenet121"] = assert.AnError

	_, err = e.PredictAll(t.Context(), testSample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ensemble member produced a result")
}

func TestPredictAllHonorsCancellation(t *testing.T) {
	stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err = e.PredictAll(ctx, testSample())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictAllRejectsNilSample(t *testing.T) {
	stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	_, err = e.PredictAll(t.Context(), nil)
	require.Error(t, err)
}

// vetoGuard refuses every load.
type vetoGuard struct{}

func (vetoGuard) CheckMemoryHeadroom(int) error { return assert.AnError }

func TestResourceGuardVetoSkipsMember(t *testing.T) {
	stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60))
	e, err := New(s, nil, vetoGuard{})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	_, err = e.PredictAll(t.Context(), testSample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ensemble member produced a result")
}

func TestLoadRejectsLabelCountMismatch(t *testing.T) {
	factory := stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	factory.runtimes["densenet121"] = &fakeRuntime{
		name: "densenet121", inputSize: 8, outputSize: 3,
		scores: []float32{0.5, 0.3, 0.2},
	}

	_, err = e.PredictAll(t.Context(), testSample())
	require.Error(t, err)
	// The mismatched interpreter must not stay resident.
	assert.Equal(t, 0, e.residentCount())
	assert.True(t, factory.runtimes["densenet121"].closed)
}

func TestCloseReleasesResidentMembers(t *testing.T) {
	factory := stubRuntimes(t)
	s := ensembleSettings(t, 512, modelSpec("densenet121", 60), modelSpec("resnet50", 60))
	e, err := New(s, nil, nil)
	require.NoError(t, err)

	_, err = e.PredictAll(t.Context(), testSample())
	require.NoError(t, err)
	require.Equal(t, 2, e.residentCount())

	e.Close()
	assert.Equal(t, 0, e.residentCount())
	assert.Equal(t, 0, e.residentMB)
	assert.True(t, factory.runtimes["densenet121"].closed)
	assert.True(t, factory.runtimes["resnet50"].closed)
}

func TestEstimateResidentMB(t *testing.T) {
	t.Parallel()

	// Explicit size wins over the file-derived estimate.
	assert.Equal(t, 80, estimateResidentMB(conf.ModelSpec{SizeMB: 80}, 10<<20))
	// 10 MB file with the activation overhead factor.
	assert.Equal(t, 15, estimateResidentMB(conf.ModelSpec{}, 10<<20))
	// Tiny files still count one megabyte.
	assert.Equal(t, 1, estimateResidentMB(conf.ModelSpec{}, 128))
}

func TestHashModelSetIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := modelSpec("densenet121", 60)
	b := modelSpec("resnet50", 60)

	assert.Equal(t, hashModelSet([]conf.ModelSpec{a, b}), hashModelSet([]conf.ModelSpec{b, a}))
	assert.NotEqual(t, hashModelSet([]conf.ModelSpec{a}), hashModelSet([]conf.ModelSpec{a, b}))
	assert.Len(t, hashModelSet([]conf.ModelSpec{a}), 12)
}

func TestArchitectureOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "densenet", architectureOf("DenseNet121_v2"))
	assert.Equal(t, "mobilenet", architectureOf("mobilenetv2"))
	assert.Equal(t, "custom", architectureOf("chexnet-lab"))
}

func TestInputSpecForNormalization(t *testing.T) {
	t.Parallel()

	dense := inputSpecFor("densenet121", 224)
	assert.Equal(t, imaging.NormalizeMeanStd, dense.Normalize)
	assert.InDelta(t, 0.485, dense.Mean[0], 1e-6)

	custom := inputSpecFor("chexnet-lab", 299)
	assert.Equal(t, imaging.NormalizeUnit, custom.Normalize)
	assert.Equal(t, 299, custom.InputSize)
}
