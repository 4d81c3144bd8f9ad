// ensemble.go classifier roster and residency management.
package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/imaging"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// ResourceGuard is consulted before a classifier load. A non-nil error
// vetoes the load and the member is skipped for the current pass.
type ResourceGuard interface {
	CheckMemoryHeadroom(requiredMB int) error
}

// Weights stay resident inside the interpreter and the activation
// arena lands near half the weight size for these architectures.
const activationOverhead = 1.5

// member is one classifier in the roster.
type member struct {
	spec        conf.ModelSpec
	path        string
	estimatedMB int

	// runtime is nil while the member is not resident.
	runtime    modelRuntime
	tensorSpec imaging.TensorSpec
	lastUsed   time.Time
}

// Ensemble runs the enabled classifiers over prepared samples while
// keeping their combined estimated memory inside the configured
// budget. A mutex serializes passes; interpreters are loaded lazily
// and evicted least-recently-used first.
type Ensemble struct {
	Settings *conf.Settings

	mu           sync.Mutex
	members      []*member
	labels       []string
	weights      map[string]float64
	residentMB   int
	modelSetHash string
	metrics      *metrics.EnsembleMetrics
	guard        ResourceGuard
}

// New resolves the enabled model specs, verifies their files exist,
// loads the class labels and computes per-model memory estimates.
// Models are not loaded until the first pass needs them.
func New(settings *conf.Settings, ensembleMetrics *metrics.EnsembleMetrics, guard ResourceGuard) (*Ensemble, error) {
	labels, err := loadLabels(settings.Ensemble.LabelPath)
	if err != nil {
		return nil, err
	}
	settings.Ensemble.Labels = labels

	enabled := settings.EnabledModels()
	if len(enabled) == 0 {
		return nil, errors.Newf("no ensemble members enabled").
			Component("ensemble").
			Category(errors.CategoryValidation).
			Context("configured_models", len(settings.Ensemble.Models)).
			Build()
	}

	budget := settings.Ensemble.MemoryBudgetMB
	if budget <= 0 {
		return nil, errors.Newf("memory budget must be positive").
			Component("ensemble").
			Category(errors.CategoryValidation).
			Context("memory_budget_mb", budget).
			Build()
	}

	e := &Ensemble{
		Settings:     settings,
		labels:       labels,
		weights:      make(map[string]float64, len(enabled)),
		modelSetHash: hashModelSet(enabled),
		metrics:      ensembleMetrics,
		guard:        guard,
	}

	seen := make(map[string]bool, len(enabled))
	for _, spec := range enabled {
		if seen[spec.Name] {
			return nil, errors.Newf("duplicate model name %q in ensemble roster", spec.Name).
				Component("ensemble").
				Category(errors.CategoryValidation).
				Build()
		}
		seen[spec.Name] = true

		path, err := resolveModelPath(settings.Ensemble.ModelPath, spec.Path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.New(err).
				Component("ensemble").
				Category(errors.CategoryModelInit).
				ModelContext(path, spec.Name).
				Build()
		}

		estimated := estimateResidentMB(spec, info.Size())
		if estimated > budget {
			return nil, errors.Newf("model %q needs an estimated %d MB but the memory budget is %d MB",
				spec.Name, estimated, budget).
				Component("ensemble").
				Category(errors.CategoryValidation).
				ModelContext(path, spec.Name).
				Build()
		}

		weight := spec.Weight
		if weight <= 0 {
			weight = 1.0
		}
		e.weights[spec.Name] = weight
		e.members = append(e.members, &member{
			spec:        spec,
			path:        path,
			estimatedMB: estimated,
		})
	}

	GetLogger().Info("ensemble initialized",
		slog.Int("members", len(e.members)),
		slog.Int("memory_budget_mb", budget),
		slog.String("model_set", e.modelSetHash))
	return e, nil
}

// PredictAll runs every enabled member over the sample sequentially.
// Members that fail to load or invoke are skipped; cancellation is
// honored between members. The returned slice holds one result per
// successful member in roster order.
func (e *Ensemble) PredictAll(ctx context.Context, sample *imaging.Sample) ([]ModelResult, error) {
	if sample == nil || sample.Gray == nil {
		return nil, errors.Newf("sample has no pixel data").
			Component("ensemble").
			Category(errors.CategoryValidation).
			Build()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	passStart := time.Now()
	results := make([]ModelResult, 0, len(e.members))
	failures := 0

	for _, m := range e.members {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component("ensemble").
				Category(errors.CategoryState).
				Context("completed_members", len(results)).
				Build()
		}

		result, err := e.predictMember(m, sample)
		if err != nil {
			failures++
			GetLogger().Warn("ensemble member failed, skipping",
				slog.String("model", m.spec.Name),
				slog.Any("error", err))
			continue
		}
		results = append(results, result)
	}

	if e.metrics != nil {
		e.metrics.RecordEnsemblePass(time.Since(passStart).Seconds())
	}

	if len(results) == 0 {
		return nil, errors.Newf("no ensemble member produced a result").
			Component("ensemble").
			Category(errors.CategoryInference).
			Context("members_total", len(e.members)).
			Context("failures", failures).
			Build()
	}
	return results, nil
}

// predictMember makes the member resident and runs one forward pass.
func (e *Ensemble) predictMember(m *member, sample *imaging.Sample) (ModelResult, error) {
	if err := e.ensureResident(m); err != nil {
		return ModelResult{}, err
	}

	start := time.Now()
	tensor, err := sample.Tensor(m.tensorSpec)
	if err != nil {
		e.recordInference(m.spec.Name, time.Since(start), err)
		return ModelResult{}, err
	}

	scores, err := m.runtime.Invoke(tensor)
	elapsed := time.Since(start)
	if err != nil {
		e.recordInference(m.spec.Name, elapsed, err)
		return ModelResult{}, errors.New(err).
			Component("ensemble").
			Category(errors.CategoryInference).
			Context("model", m.spec.Name).
			Timing("inference", elapsed).
			Build()
	}

	if needsSoftmax(scores) {
		scores = softmax(scores)
	}
	top := argmax(scores)

	m.lastUsed = time.Now()
	e.recordInference(m.spec.Name, elapsed, nil)
	e.Debug("member %s classified sample as %s (%.3f) in %s",
		m.spec.Name, e.labels[top], scores[top], elapsed)

	return ModelResult{
		Model:        m.spec.Name,
		Architecture: architectureOf(m.spec.Name),
		Label:        e.labels[top],
		Confidence:   float64(scores[top]),
		InputSize:    m.tensorSpec.InputSize,
		Duration:     elapsed,
	}, nil
}

// ensureResident loads the member if needed, evicting idle members
// until the budget can hold it. The resource guard may veto the load.
func (e *Ensemble) ensureResident(m *member) error {
	if m.runtime != nil {
		m.lastUsed = time.Now()
		return nil
	}

	if e.guard != nil {
		if err := e.guard.CheckMemoryHeadroom(m.estimatedMB); err != nil {
			return errors.New(err).
				Component("ensemble").
				Category(errors.CategoryResource).
				Context("model", m.spec.Name).
				Context("required_mb", m.estimatedMB).
				Build()
		}
	}

	e.evictToFit(m.estimatedMB)
	return e.load(m)
}

// evictToFit releases least-recently-used members until requiredMB
// fits inside the budget.
func (e *Ensemble) evictToFit(requiredMB int) {
	budget := e.Settings.Ensemble.MemoryBudgetMB
	for e.residentMB+requiredMB > budget {
		lru := e.leastRecentlyUsed()
		if lru == nil {
			return
		}
		e.evict(lru)
	}
}

func (e *Ensemble) leastRecentlyUsed() *member {
	var lru *member
	for _, m := range e.members {
		if m.runtime == nil {
			continue
		}
		if lru == nil || m.lastUsed.Before(lru.lastUsed) {
			lru = m
		}
	}
	return lru
}

func (e *Ensemble) evict(m *member) {
	m.runtime.Close()
	m.runtime = nil
	e.residentMB -= m.estimatedMB
	if e.metrics != nil {
		e.metrics.RecordModelEvict(m.spec.Name)
		e.metrics.SetResidentState(e.residentCount(), e.residentMB)
	}
	e.Debug("member %s evicted, resident %d MB", m.spec.Name, e.residentMB)
}

// load reads the model file and builds its interpreter.
func (e *Ensemble) load(m *member) error {
	start := time.Now()

	data, err := os.ReadFile(m.path) //nolint:gosec // G304: path is from application settings
	if err != nil {
		loadErr := errors.New(err).
			Component("ensemble").
			Category(errors.CategoryModelLoad).
			ModelContext(m.path, m.spec.Name).
			Context("operation", "read").
			Timing("model-file-read", time.Since(start)).
			Build()
		e.recordModelLoad(m.spec.Name, start, loadErr)
		return loadErr
	}

	rt, err := newModelRuntime(data, runtimeOptions{
		Name:       m.spec.Name,
		Threads:    e.Settings.Ensemble.Threads,
		UseXNNPACK: e.Settings.Ensemble.UseXNNPACK,
	})
	if err != nil {
		e.recordModelLoad(m.spec.Name, start, err)
		return err
	}

	if rt.OutputSize() != len(e.labels) {
		rt.Close()
		mismatch := errors.Newf("label count mismatch: model expects %d classes but label file has %d labels",
			rt.OutputSize(), len(e.labels)).
			Component("ensemble").
			Category(errors.CategoryValidation).
			ModelContext(m.path, m.spec.Name).
			Build()
		e.recordModelLoad(m.spec.Name, start, mismatch)
		return mismatch
	}

	m.runtime = rt
	m.tensorSpec = inputSpecFor(m.spec.Name, rt.InputSize())
	m.lastUsed = time.Now()
	e.residentMB += m.estimatedMB

	e.recordModelLoad(m.spec.Name, start, nil)
	GetLogger().Info("classifier loaded",
		slog.String("model", m.spec.Name),
		slog.Int("input_size", rt.InputSize()),
		slog.Int("estimated_mb", m.estimatedMB),
		slog.Int("resident_mb", e.residentMB),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (e *Ensemble) residentCount() int {
	count := 0
	for _, m := range e.members {
		if m.runtime != nil {
			count++
		}
	}
	return count
}

func (e *Ensemble) recordInference(model string, elapsed time.Duration, err error) {
	if e.metrics != nil {
		e.metrics.RecordInference(model, elapsed.Seconds(), err)
	}
}

func (e *Ensemble) recordModelLoad(model string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.RecordModelLoad(model, time.Since(start).Seconds(), err)
		if err == nil {
			e.metrics.SetResidentState(e.residentCount(), e.residentMB)
		}
	}
}

// Close releases every resident interpreter.
func (e *Ensemble) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.members {
		if m.runtime != nil {
			m.runtime.Close()
			m.runtime = nil
		}
	}
	e.residentMB = 0
	if e.metrics != nil {
		e.metrics.SetResidentState(0, 0)
	}
}

// Labels returns the class labels in model output order.
func (e *Ensemble) Labels() []string {
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

// Debug prints debug messages if debug mode is enabled.
func (e *Ensemble) Debug(format string, v ...any) {
	if e.Settings.Ensemble.Debug {
		GetLogger().Debug(fmt.Sprintf(format, v...))
	}
}

// resolveModelPath expands environment variables and ~, then joins
// relative paths onto the configured model directory.
func resolveModelPath(baseDir, path string) (string, error) {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New(err).
				Component("ensemble").
				Category(errors.CategoryFileIO).
				Context("path", expanded).
				Build()
		}
		expanded = filepath.Join(homeDir, expanded[2:])
	}
	if !filepath.IsAbs(expanded) && baseDir != "" {
		expanded = filepath.Join(os.ExpandEnv(baseDir), expanded)
	}
	return expanded, nil
}

// estimateResidentMB returns the configured size when set, otherwise
// an estimate derived from the model file size.
func estimateResidentMB(spec conf.ModelSpec, fileBytes int64) int {
	if spec.SizeMB > 0 {
		return spec.SizeMB
	}
	estimated := int(math.Ceil(float64(fileBytes) / (1 << 20) * activationOverhead))
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// hashModelSet produces a short stable identifier for the enabled
// roster so stored predictions can be traced to the models that made
// them.
func hashModelSet(specs []conf.ModelSpec) string {
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		parts = append(parts, fmt.Sprintf("%s|%s|%d", spec.Name, spec.Path, spec.SizeMB))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])[:12]
}

// inputSpecFor maps an architecture family to the input normalization
// its published pretrained weights use.
func inputSpecFor(modelName string, inputSize int) imaging.TensorSpec {
	switch architectureOf(modelName) {
	case "densenet":
		return imaging.TensorSpec{
			InputSize: inputSize,
			Normalize: imaging.NormalizeMeanStd,
			Mean:      [3]float32{0.485, 0.456, 0.406},
			Std:       [3]float32{0.229, 0.224, 0.225},
		}
	case "mobilenet", "inception":
		return imaging.TensorSpec{
			InputSize: inputSize,
			Normalize: imaging.NormalizeMeanStd,
			Mean:      [3]float32{0.5, 0.5, 0.5},
			Std:       [3]float32{0.5, 0.5, 0.5},
		}
	default:
		return imaging.TensorSpec{InputSize: inputSize, Normalize: imaging.NormalizeUnit}
	}
}

// architectureOf extracts the family from a configured model name
// like "densenet121_v2".
func architectureOf(modelName string) string {
	name := strings.ToLower(modelName)
	for _, family := range []string{"densenet", "resnet", "efficientnet", "mobilenet", "inception", "vgg"} {
		if strings.HasPrefix(name, family) {
			return family
		}
	}
	return "custom"
}
