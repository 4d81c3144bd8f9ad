// risk.go maps a consensus diagnosis plus patient context to a risk score.
package triage

import (
	"math"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
)

// Risk level values stored on predictions and used for MQTT topic routing.
const (
	RiskLevelLow      = "low"
	RiskLevelModerate = "moderate"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// defaultLabelPoints is the built-in base score per consensus label.
func defaultLabelPoints() map[string]float64 {
	return map[string]float64{
		"COVID-19":        60,
		"Lung Opacity":    40,
		"Viral Pneumonia": 35,
		"Normal":          0,
	}
}

// RiskScorer computes a patient risk score from a consensus result.
// Configured weights override the defaults; zero scalar weights fall
// back to the built ins so a partially filled config stays sane.
type RiskScorer struct {
	labelPoints       map[string]float64
	ageSeniorPoints   float64
	ageElderPoints    float64
	ageMiddlePoints   float64
	comorbidityPoints float64
	comorbidityCap    float64
	moderateFloor     float64
	highFloor         float64
	criticalFloor     float64
}

// NewRiskScorer builds a scorer from settings, filling in defaults for
// anything left unset.
func NewRiskScorer(cfg *conf.RiskSettings) *RiskScorer {
	s := &RiskScorer{
		labelPoints:       defaultLabelPoints(),
		ageSeniorPoints:   25,
		ageElderPoints:    15,
		ageMiddlePoints:   8,
		comorbidityPoints: 5,
		comorbidityCap:    15,
		moderateFloor:     25,
		highFloor:         50,
		criticalFloor:     75,
	}
	if cfg == nil {
		return s
	}
	if len(cfg.LabelPoints) > 0 {
		s.labelPoints = cfg.LabelPoints
	}
	if cfg.AgeSeniorPoints > 0 {
		s.ageSeniorPoints = cfg.AgeSeniorPoints
	}
	if cfg.AgeElderPoints > 0 {
		s.ageElderPoints = cfg.AgeElderPoints
	}
	if cfg.AgeMiddlePoints > 0 {
		s.ageMiddlePoints = cfg.AgeMiddlePoints
	}
	if cfg.ComorbidityPoints > 0 {
		s.comorbidityPoints = cfg.ComorbidityPoints
	}
	if cfg.ComorbidityCap > 0 {
		s.comorbidityCap = cfg.ComorbidityCap
	}
	if cfg.ModerateFloor > 0 {
		s.moderateFloor = cfg.ModerateFloor
	}
	if cfg.HighFloor > 0 {
		s.highFloor = cfg.HighFloor
	}
	if cfg.CriticalFloor > 0 {
		s.criticalFloor = cfg.CriticalFloor
	}
	return s
}

// Score computes the risk score and level for a consensus label. The
// label contribution scales with consensus confidence; patient age and
// comorbidity count add fixed increments on top.
func (s *RiskScorer) Score(label string, confidence float64, patient *datastore.Patient, now time.Time) (float64, string) {
	score := s.labelPoints[label] * clamp01(confidence)

	if patient != nil {
		score += s.agePoints(patient.DateOfBirth, now)
		comorbidity := float64(len(patient.Comorbidities)) * s.comorbidityPoints
		score += math.Min(comorbidity, s.comorbidityCap)
	}

	score = math.Round(score*10) / 10
	return score, s.Level(score)
}

// Level maps a score onto a risk level using the configured floors.
func (s *RiskScorer) Level(score float64) string {
	switch {
	case score >= s.criticalFloor:
		return RiskLevelCritical
	case score >= s.highFloor:
		return RiskLevelHigh
	case score >= s.moderateFloor:
		return RiskLevelModerate
	default:
		return RiskLevelLow
	}
}

func (s *RiskScorer) agePoints(birth, now time.Time) float64 {
	age := yearsBetween(birth, now)
	switch {
	case age < 0:
		return 0
	case age >= 70:
		return s.ageSeniorPoints
	case age >= 55:
		return s.ageElderPoints
	case age >= 40:
		return s.ageMiddlePoints
	default:
		return 0
	}
}

// yearsBetween returns full years elapsed, or -1 when the birth date is
// missing or in the future.
func yearsBetween(birth, now time.Time) int {
	if birth.IsZero() || birth.After(now) {
		return -1
	}
	years := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		years--
	}
	return years
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
