// Package triage runs the diagnosis pipeline: it takes an uploaded
// radiograph through preprocessing, the classifier ensemble, consensus,
// risk scoring and persistence, then dispatches follow-up actions
// through the job queue.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/ensemble"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
	"github.com/chestnet/chestnet-go/internal/imaging"
	"github.com/chestnet/chestnet-go/internal/jobqueue"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/mqtt"
	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
	"github.com/chestnet/chestnet-go/internal/report"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = logging.ForService("triage")
		if logger == nil {
			logger = slog.Default().With("service", "triage")
		}
	})
	return logger
}

// classifier is the slice of the ensemble the processor needs. Tests
// substitute a stub so the pipeline runs without TensorFlow models.
type classifier interface {
	PredictAll(ctx context.Context, sample *imaging.Sample) ([]ensemble.ModelResult, error)
	Consensus(results []ensemble.ModelResult) (*ensemble.ConsensusResult, error)
}

// Processor drives the diagnosis pipeline for single uploads and batch
// items. Post-diagnosis actions run on the job queue so a slow broker
// or report render never blocks the next image.
type Processor struct {
	Settings *conf.Settings
	Ds       datastore.Interface

	classifier classifier
	media      *securefs.SecureFS
	pre        *imaging.Preprocessor
	scorer     *RiskScorer
	queue      *jobqueue.JobQueue
	metrics    *observability.Metrics

	mqttClient mqtt.Client
	notifier   *notification.Service
	reports    *report.Generator
}

// New wires a processor around the ensemble and storage layers. The
// notification service, MQTT client and report generator are optional;
// their actions are skipped when absent.
func New(settings *conf.Settings, ds datastore.Interface, ens *ensemble.Ensemble, media *securefs.SecureFS, obs *observability.Metrics) (*Processor, error) {
	if settings == nil || ds == nil || media == nil {
		return nil, errors.Newf("triage processor requires settings, datastore and media store").
			Component("triage").
			Category(errors.CategoryConfiguration).
			Build()
	}

	pre, err := imaging.New(imaging.DefaultConfig())
	if err != nil {
		return nil, err
	}

	p := &Processor{
		Settings: settings,
		Ds:       ds,
		media:    media,
		pre:      pre,
		scorer:   NewRiskScorer(&settings.Triage.Risk),
		queue:    jobqueue.NewJobQueue(),
		metrics:  obs,
	}
	if ens != nil {
		p.classifier = ens
	}
	if tm := p.triageMetrics(); tm != nil {
		p.queue.SetDepthGauge(tm.SetQueueDepth)
	}
	return p, nil
}

// SetMqttClient enables MQTT publication of finished diagnoses.
func (p *Processor) SetMqttClient(client mqtt.Client) { p.mqttClient = client }

// SetNotificationService enables high-risk clinician alerts.
func (p *Processor) SetNotificationService(svc *notification.Service) { p.notifier = svc }

// SetReportGenerator enables automatic report generation when
// triage.autoreport is on.
func (p *Processor) SetReportGenerator(gen *report.Generator) { p.reports = gen }

// Start launches the action queue. The queue stops when ctx is
// cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.queue.StartWithContext(ctx)
}

// Stop drains the action queue, waiting up to the given timeout for
// running actions to finish.
func (p *Processor) Stop(timeout time.Duration) error {
	return p.queue.StopWithTimeout(timeout)
}

// ProcessImage runs the full pipeline for one stored image and returns
// the persisted prediction. The image ends in status diagnosed on
// success or failed on any pipeline error.
func (p *Processor) ProcessImage(ctx context.Context, imageID uint) (*datastore.Prediction, error) {
	start := time.Now()
	correlationID := uuid.New().String()

	img, err := p.Ds.GetXRayImage(imageID)
	if err != nil {
		return nil, err
	}

	if err := p.Ds.SetXRayImageProcessing(imageID); err != nil {
		return nil, err
	}

	prediction, results, err := p.diagnose(ctx, &img)
	if err != nil {
		p.recordProcessed(img.Source, "failed")
		if ferr := p.Ds.FinalizeXRayImageStatus(imageID, datastore.ImageStatusFailed); ferr != nil {
			getLogger().Error("failed to mark image as failed",
				"image_id", imageID, "error", ferr)
		}
		logArgs := []any{
			"image_id", imageID,
			"correlation_id", correlationID,
			"error", err,
		}
		var enhanced *errors.EnhancedError
		if errors.As(err, &enhanced) {
			logArgs = append(logArgs, "category", enhanced.GetCategory())
		}
		getLogger().Error("diagnosis pipeline failed", logArgs...)
		return nil, err
	}

	prediction.DurationMs = time.Since(start).Milliseconds()
	if err := p.Ds.SavePrediction(prediction, results); err != nil {
		p.recordProcessed(img.Source, "failed")
		if ferr := p.Ds.FinalizeXRayImageStatus(imageID, datastore.ImageStatusFailed); ferr != nil {
			getLogger().Error("failed to mark image as failed",
				"image_id", imageID, "error", ferr)
		}
		return nil, err
	}

	p.recordProcessed(img.Source, "diagnosed")
	if tm := p.triageMetrics(); tm != nil {
		tm.RecordRiskLevel(prediction.RiskLevel)
		tm.RecordPipeline(img.Source, time.Since(start).Seconds())
	}

	p.publishTriageEvent(prediction)
	p.enqueueActions(prediction, &img, correlationID)

	getLogger().Info("image diagnosed",
		"image_id", imageID,
		"prediction_id", prediction.ID,
		"label", prediction.Label,
		"confidence", prediction.Confidence,
		"risk_level", prediction.RiskLevel,
		"needs_review", prediction.NeedsReview,
		"duration_ms", prediction.DurationMs,
		"correlation_id", correlationID)

	return prediction, nil
}

// diagnose performs the read → preprocess → predict → consensus → risk
// steps without touching image status.
func (p *Processor) diagnose(ctx context.Context, img *datastore.XRayImage) (*datastore.Prediction, []datastore.ModelResult, error) {
	if p.classifier == nil {
		return nil, nil, errors.Newf("no classifier configured").
			Component("triage").
			Category(errors.CategoryConfiguration).
			Build()
	}

	data, err := p.media.ReadFile(p.abs(img.Path))
	if err != nil {
		return nil, nil, errors.New(err).
			Component("triage").
			Category(errors.CategoryFileIO).
			Context("operation", "read_image").
			Context("path", img.Path).
			Build()
	}

	preStart := time.Now()
	sample, err := p.pre.Prepare(data)
	if err != nil {
		return nil, nil, err
	}
	if tm := p.triageMetrics(); tm != nil {
		tm.RecordPreprocess(time.Since(preStart).Seconds())
	}

	memberResults, err := p.classifier.PredictAll(ctx, sample)
	if err != nil {
		return nil, nil, err
	}

	consensus, err := p.classifier.Consensus(memberResults)
	if err != nil {
		return nil, nil, err
	}

	var patient *datastore.Patient
	if loaded, perr := p.Ds.GetPatient(img.PatientID); perr != nil {
		getLogger().Warn("risk scoring without patient context",
			"image_id", img.ID, "patient_id", img.PatientID, "error", perr)
	} else {
		patient = &loaded
	}

	score, level := p.scorer.Score(consensus.Label, consensus.Confidence, patient, time.Now())

	prediction := &datastore.Prediction{
		XRayImageID:    img.ID,
		Label:          consensus.Label,
		Confidence:     consensus.Confidence,
		AgreementRatio: consensus.AgreementRatio,
		VotesFor:       consensus.VotesFor,
		VotesTotal:     consensus.VotesTotal,
		BestModel:      consensus.BestModel,
		BestConfidence: consensus.BestConfidence,
		RiskScore:      score,
		RiskLevel:      level,
		ModelSetHash:   consensus.ModelSetHash,
		NeedsReview:    consensus.NeedsReview,
	}

	results := make([]datastore.ModelResult, 0, len(memberResults))
	for _, r := range memberResults {
		results = append(results, datastore.ModelResult{
			ModelName:    r.Model,
			Architecture: r.Architecture,
			Label:        r.Label,
			Confidence:   r.Confidence,
			DurationMs:   r.Duration.Milliseconds(),
			InputSize:    r.InputSize,
		})
	}

	return prediction, results, nil
}

// enqueueActions schedules the post-diagnosis work. Failures here are
// logged, never returned: the diagnosis is already persisted.
func (p *Processor) enqueueActions(prediction *datastore.Prediction, img *datastore.XRayImage, correlationID string) {
	patient := p.patientForAlert(img.PatientID)
	tm := p.triageMetrics()

	actions := []jobqueue.Action{
		&AuditAction{
			Ds:            p.Ds,
			Prediction:    prediction,
			Image:         img,
			CorrelationID: correlationID,
			Metrics:       tm,
		},
	}

	if p.mqttClient != nil && p.Settings.MQTT.Enabled {
		actions = append(actions, &MqttAction{
			Settings:      p.Settings,
			Client:        p.mqttClient,
			Prediction:    prediction,
			Image:         img,
			CorrelationID: correlationID,
			Metrics:       tm,
		})
	}

	if p.notifier != nil && needsAlert(prediction) {
		actions = append(actions, &NotifyAction{
			Service:       p.notifier,
			Prediction:    prediction,
			Patient:       patient,
			CorrelationID: correlationID,
			Metrics:       tm,
		})
	}

	if p.reports != nil && p.Settings.Triage.AutoReport {
		actions = append(actions, &ReportAction{
			Generator:     p.Generator(),
			Prediction:    prediction,
			Image:         img,
			CorrelationID: correlationID,
			Metrics:       tm,
		})
	}

	for _, action := range actions {
		retry := jobqueue.GetDefaultRetryConfig(retryableAction(action))
		if _, err := p.queue.Enqueue(action, nil, retry); err != nil {
			getLogger().Error("failed to enqueue post-diagnosis action",
				"action", action.Description(),
				"correlation_id", correlationID,
				"error", err)
		}
	}
}

// Generator exposes the configured report generator for callers that
// render on demand.
func (p *Processor) Generator() *report.Generator { return p.reports }

// retryableAction reports whether retrying can help: network-facing
// actions retry, local database and template work does not.
func retryableAction(action jobqueue.Action) bool {
	switch action.(type) {
	case *MqttAction, *ReportAction:
		return true
	default:
		return false
	}
}

func (p *Processor) patientForAlert(patientID uint) *datastore.Patient {
	patient, err := p.Ds.GetPatient(patientID)
	if err != nil {
		return nil
	}
	return &patient
}

func (p *Processor) publishTriageEvent(prediction *datastore.Prediction) {
	if !events.IsInitialized() {
		return
	}
	event, err := events.NewTriageEvent(
		prediction.XRayImageID,
		prediction.Label,
		prediction.Confidence,
		prediction.RiskLevel,
		prediction.NeedsReview,
		prediction.AgreementRatio,
	)
	if err != nil {
		return
	}
	events.GetEventBus().TryPublishTriage(event)
}

func (p *Processor) recordProcessed(source, status string) {
	if tm := p.triageMetrics(); tm != nil {
		tm.RecordImageProcessed(source, status)
	}
}

func (p *Processor) triageMetrics() *metrics.TriageMetrics {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.Triage
}

// abs resolves a media-relative path against the media root. SecureFS
// resolves bare relative paths against the process working directory,
// not the media root.
func (p *Processor) abs(relPath string) string {
	return filepath.Join(p.media.BaseDir(), filepath.FromSlash(relPath))
}

// QueueStats reports the state of the action queue for diagnostics.
func (p *Processor) QueueStats() string {
	stats := p.queue.GetStats()
	return fmt.Sprintf("pending=%d successful=%d failed=%d dropped=%d",
		stats.PendingJobs, stats.SuccessfulJobs, stats.FailedJobs, stats.DroppedJobs)
}
