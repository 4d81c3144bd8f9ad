// Package report renders diagnosis reports as PDF documents and manages
// their storage under the media tree.
package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/png"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/imaging"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

const (
	pageMargin    = 15.0
	thumbnailEdge = 512
	// thumbnailW is the rendered width of the embedded radiograph in mm
	thumbnailW = 80.0
)

// defaultDisclaimer is printed in the footer of every report page.
const defaultDisclaimer = "Automated triage result. Not a medical diagnosis. " +
	"Findings must be confirmed by a qualified radiologist."

// Generator renders and stores PDF reports for predictions.
type Generator struct {
	settings *conf.Settings
	ds       datastore.Interface
	media    *securefs.SecureFS
	pre      *imaging.Preprocessor
	log      *slog.Logger
}

// New creates a report generator writing into the media tree.
func New(settings *conf.Settings, ds datastore.Interface, media *securefs.SecureFS) (*Generator, error) {
	if settings == nil || ds == nil || media == nil {
		return nil, errors.Newf("report generator requires settings, datastore and media filesystem").
			Component("report").
			Category(errors.CategoryConfiguration).
			Build()
	}

	pre, err := imaging.New(imaging.DefaultConfig())
	if err != nil {
		return nil, err
	}

	logger := logging.ForService("report")
	if logger == nil {
		logger = slog.Default().With("service", "report")
	}

	return &Generator{
		settings: settings,
		ds:       ds,
		media:    media,
		pre:      pre,
		log:      logger,
	}, nil
}

// reportData bundles everything a rendered report needs.
type reportData struct {
	prediction *datastore.Prediction
	image      *datastore.XRayImage
	patient    *datastore.Patient
	reviewer   string
	thumbnail  []byte // PNG bytes, nil when unavailable
}

// Generate renders the report for a prediction, writes the PDF
// atomically under media/reports/YYYY/MM/ and upserts the Report row.
// Regeneration overwrites the previous file in place.
func (g *Generator) Generate(ctx context.Context, predictionID, generatedBy uint) (*datastore.Report, error) {
	start := time.Now()

	data, err := g.collect(ctx, predictionID)
	if err != nil {
		return nil, err
	}

	pdfBytes, err := g.render(data)
	if err != nil {
		return nil, err
	}

	relPath := g.reportPath(data.prediction)
	if err := g.writeAtomic(relPath, pdfBytes); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(pdfBytes)
	report := &datastore.Report{
		PredictionID: data.prediction.ID,
		Path:         relPath,
		SizeBytes:    int64(len(pdfBytes)),
		Checksum:     hex.EncodeToString(sum[:]),
		GeneratedBy:  generatedBy,
	}
	if err := g.ds.SaveReport(report); err != nil {
		return nil, err
	}

	g.log.Info("report generated",
		"prediction_id", data.prediction.ID,
		"path", relPath,
		"size_bytes", report.SizeBytes,
		"duration_ms", time.Since(start).Milliseconds())

	return report, nil
}

// collect loads the prediction, image, patient and reviewer rows.
func (g *Generator) collect(ctx context.Context, predictionID uint) (*reportData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prediction, err := g.ds.GetPrediction(predictionID)
	if err != nil {
		return nil, err
	}

	image, err := g.ds.GetXRayImageAnyState(prediction.XRayImageID)
	if err != nil {
		return nil, err
	}

	patient, err := g.ds.GetPatientAnyState(image.PatientID)
	if err != nil {
		return nil, err
	}

	data := &reportData{
		prediction: &prediction,
		image:      &image,
		patient:    &patient,
	}

	if prediction.Review != nil {
		if reviewer, err := g.ds.GetUser(prediction.Review.ReviewedBy); err == nil {
			data.reviewer = reviewer.DisplayName
		}
	}

	// A missing or unreadable source image degrades the report to
	// text-only rather than failing it
	if thumb, err := g.renderThumbnail(image.Path); err != nil {
		g.log.Warn("report thumbnail unavailable",
			"xray_id", image.ID,
			"path", image.Path,
			"error", err)
	} else {
		data.thumbnail = thumb
	}

	return data, nil
}

// renderThumbnail re-runs preprocessing on the stored radiograph and
// encodes the enhanced plane as PNG for embedding.
func (g *Generator) renderThumbnail(relPath string) ([]byte, error) {
	raw, err := g.media.ReadFile(g.abs(relPath))
	if err != nil {
		return nil, err
	}

	sample, err := g.pre.Prepare(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sample.Thumbnail(thumbnailEdge)); err != nil {
		return nil, errors.New(err).
			Component("report").
			Category(errors.CategoryReport).
			Context("path", relPath).
			Build()
	}
	return buf.Bytes(), nil
}

// reportPath returns the relative report location, partitioned by the
// prediction's creation month so the tree stays browsable.
func (g *Generator) reportPath(prediction *datastore.Prediction) string {
	dir := g.settings.Media.ReportDir
	if dir == "" {
		dir = "reports"
	}
	created := prediction.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return path.Join(dir,
		created.Format("2006"),
		created.Format("01"),
		fmt.Sprintf("prediction-%d.pdf", prediction.ID))
}

// abs anchors a media-relative path at the sandbox base. SecureFS
// resolves bare relative paths against the process working directory,
// not the media root.
func (g *Generator) abs(relPath string) string {
	return filepath.Join(g.media.BaseDir(), filepath.FromSlash(relPath))
}

// writeAtomic stages the PDF next to its final location and renames it
// into place, a crash mid-write never leaves a truncated report behind.
func (g *Generator) writeAtomic(relPath string, data []byte) error {
	absPath := g.abs(relPath)

	dir := filepath.Dir(absPath)
	if err := g.media.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("report").
			Category(errors.CategoryFileIO).
			Context("dir", dir).
			Build()
	}

	tmpPath := absPath + ".tmp"
	if err := g.media.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.New(err).
			Component("report").
			Category(errors.CategoryFileIO).
			Context("path", tmpPath).
			Build()
	}

	if err := g.media.Rename(tmpPath, absPath); err != nil {
		// Leave no temp file behind on a failed rename
		_ = g.media.Remove(tmpPath)
		return errors.New(err).
			Component("report").
			Category(errors.CategoryFileIO).
			Context("path", relPath).
			Build()
	}

	return nil
}

// render lays out the PDF document.
func (g *Generator) render(data *reportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Chest X-Ray Triage Report #%d", data.prediction.ID), false)
	pdf.SetAutoPageBreak(true, pageMargin+10)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)

	footer := g.settings.Report.Footer
	if footer == "" {
		footer = defaultDisclaimer
	}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-pageMargin)
		pdf.SetFont("Helvetica", "I", 7)
		pdf.SetTextColor(120, 120, 120)
		pdf.MultiCell(0, 3.5, footer, "", "C", false)
	})

	pdf.AddPage()

	g.renderHeader(pdf, data)
	g.renderDemographics(pdf, data)
	g.renderConsensus(pdf, data)
	if data.thumbnail != nil {
		g.renderImage(pdf, data)
	}
	g.renderModelTable(pdf, data)
	if data.prediction.Review != nil {
		g.renderReview(pdf, data)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.New(err).
			Component("report").
			Category(errors.CategoryReport).
			Context("prediction_id", data.prediction.ID).
			Build()
	}
	return buf.Bytes(), nil
}

func (g *Generator) renderHeader(pdf *fpdf.Fpdf, data *reportData) {
	clinic := g.settings.Report.ClinicName
	if clinic == "" {
		clinic = "ChestNet Triage"
	}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 8, clinic, "", 1, "L", false, 0, "")

	if addr := g.settings.Report.ClinicAddress; addr != "" {
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(90, 90, 90)
		pdf.CellFormat(0, 5, addr, "", 1, "L", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 8, "Chest X-Ray Triage Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.CellFormat(0, 5, fmt.Sprintf("Report #%d - generated %s",
		data.prediction.ID, time.Now().Format("2006-01-02 15:04")), "", 1, "L", false, 0, "")
	pdf.Ln(3)

	pdf.SetDrawColor(180, 180, 180)
	pdf.Line(pageMargin, pdf.GetY(), 210-pageMargin, pdf.GetY())
	pdf.Ln(4)
}

func (g *Generator) renderDemographics(pdf *fpdf.Fpdf, data *reportData) {
	p := data.patient

	g.sectionTitle(pdf, "Patient")

	rows := [][2]string{
		{"Name", strings.TrimSpace(p.FirstName + " " + p.LastName)},
		{"MRN", p.MRN},
		{"Date of birth", p.DateOfBirth.Format("2006-01-02")},
		{"Age", fmt.Sprintf("%d", ageAt(p.DateOfBirth, data.prediction.CreatedAt))},
		{"Sex", p.Sex},
	}
	if len(p.Comorbidities) > 0 {
		labels := make([]string, 0, len(p.Comorbidities))
		for _, c := range p.Comorbidities {
			labels = append(labels, c.Label)
		}
		rows = append(rows, [2]string{"Comorbidities", strings.Join(labels, ", ")})
	}

	g.keyValueRows(pdf, rows)
	pdf.Ln(3)
}

func (g *Generator) renderConsensus(pdf *fpdf.Fpdf, data *reportData) {
	pr := data.prediction

	g.sectionTitle(pdf, "Consensus Finding")

	riskR, riskG, riskB := riskColor(pr.RiskLevel)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(riskR, riskG, riskB)
	pdf.CellFormat(0, 7, fmt.Sprintf("%s  (%.1f%% confidence, risk %s)",
		pr.Label, pr.Confidence*100, strings.ToUpper(pr.RiskLevel)), "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)

	rows := [][2]string{
		{"Model agreement", fmt.Sprintf("%d of %d models (%.0f%%)", pr.VotesFor, pr.VotesTotal, pr.AgreementRatio*100)},
		{"Risk score", fmt.Sprintf("%.1f / 100", pr.RiskScore)},
		{"Best model", fmt.Sprintf("%s (%.1f%%)", pr.BestModel, pr.BestConfidence*100)},
		{"Analysis time", fmt.Sprintf("%d ms", pr.DurationMs)},
	}
	if pr.NeedsReview {
		rows = append(rows, [2]string{"Review flag", "FLAGGED FOR RADIOLOGIST REVIEW"})
	}

	g.keyValueRows(pdf, rows)
	pdf.Ln(3)
}

func (g *Generator) renderImage(pdf *fpdf.Fpdf, data *reportData) {
	g.sectionTitle(pdf, "Radiograph (preprocessed)")

	name := fmt.Sprintf("xray-%d", data.image.ID)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data.thumbnail))
	pdf.ImageOptions(name, pageMargin, pdf.GetY(), thumbnailW, 0, true, opts, 0, "")
	pdf.Ln(3)
}

func (g *Generator) renderModelTable(pdf *fpdf.Fpdf, data *reportData) {
	g.sectionTitle(pdf, "Individual Model Results")

	colW := []float64{55, 35, 45, 25}
	headers := []string{"Model", "Architecture", "Finding", "Confidence"}

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(235, 235, 235)
	for i, h := range headers {
		pdf.CellFormat(colW[i], 6, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, r := range data.prediction.Results {
		pdf.CellFormat(colW[0], 6, r.ModelName, "1", 0, "L", false, 0, "")
		pdf.CellFormat(colW[1], 6, r.Architecture, "1", 0, "L", false, 0, "")
		pdf.CellFormat(colW[2], 6, r.Label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(colW[3], 6, fmt.Sprintf("%.1f%%", r.Confidence*100), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(3)
}

func (g *Generator) renderReview(pdf *fpdf.Fpdf, data *reportData) {
	review := data.prediction.Review

	g.sectionTitle(pdf, "Radiologist Review")

	verdict := review.Verdict
	if review.Verdict == datastore.ReviewVerdictOverridden && review.CorrectedLabel != "" {
		verdict = fmt.Sprintf("%s - corrected finding: %s", review.Verdict, review.CorrectedLabel)
	}

	rows := [][2]string{
		{"Verdict", verdict},
		{"Reviewed", review.CreatedAt.Format("2006-01-02 15:04")},
	}
	if data.reviewer != "" {
		rows = append(rows, [2]string{"Reviewer", data.reviewer})
	}
	g.keyValueRows(pdf, rows)

	if review.Notes != "" {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 5, "Notes: "+review.Notes, "", "L", false)
	}
	pdf.Ln(3)
}

func (g *Generator) sectionTitle(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetTextColor(40, 40, 40)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
}

func (g *Generator) keyValueRows(pdf *fpdf.Fpdf, rows [][2]string) {
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(40, 5.5, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 5.5, row[1], "", 1, "L", false, 0, "")
	}
}

// ageAt returns full years between birth and a reference time.
func ageAt(birth, at time.Time) int {
	if birth.IsZero() {
		return 0
	}
	if at.IsZero() {
		at = time.Now()
	}
	years := at.Year() - birth.Year()
	if at.YearDay() < birth.YearDay() {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// riskColor maps a risk level to the heading color.
func riskColor(level string) (r, g, b int) {
	switch strings.ToLower(level) {
	case "critical":
		return 180, 0, 0
	case "high":
		return 200, 90, 0
	case "moderate":
		return 160, 130, 0
	default:
		return 0, 120, 0
	}
}
