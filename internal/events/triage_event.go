// Package events provides an asynchronous event bus for decoupling components
package events

import (
	"fmt"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// TriageEvent represents a completed diagnosis that can be processed asynchronously.
// Consumers receive record identifiers only, never patient identity fields.
type TriageEvent interface {
	// GetXRayID returns the identifier of the diagnosed x-ray image
	GetXRayID() uint

	// GetLabel returns the consensus diagnosis label
	GetLabel() string

	// GetConfidence returns the consensus confidence
	GetConfidence() float64

	// GetRiskLevel returns the computed risk level (low, moderate, high, critical)
	GetRiskLevel() string

	// GetTimestamp returns when the diagnosis completed
	GetTimestamp() time.Time

	// GetMetadata returns additional context data
	GetMetadata() map[string]any

	// NeedsReview returns true when the consensus was flagged for radiologist review
	NeedsReview() bool

	// GetAgreement returns the ensemble agreement ratio
	GetAgreement() float64
}

// triageEventImpl is the concrete implementation of TriageEvent
type triageEventImpl struct {
	xrayID     uint
	label      string
	confidence float64
	riskLevel  string
	timestamp  time.Time
	metadata   map[string]any
	review     bool
	agreement  float64
}

// NewTriageEvent creates a new triage event with input validation
func NewTriageEvent(
	xrayID uint,
	label string,
	confidence float64,
	riskLevel string,
	needsReview bool,
	agreement float64,
) (TriageEvent, error) {
	// Validate input parameters to prevent invalid TriageEvent instances
	if xrayID == 0 {
		return nil, errors.Newf("NewTriageEvent: xrayID cannot be zero").
			Component("events").
			Category(errors.CategoryValidation).
			Build()
	}
	if label == "" {
		return nil, errors.Newf("NewTriageEvent: label cannot be empty").
			Component("events").
			Category(errors.CategoryValidation).
			Build()
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, errors.Newf("NewTriageEvent: confidence must be between 0 and 1, got %f", confidence).
			Component("events").
			Category(errors.CategoryValidation).
			Context("confidence", confidence).
			Build()
	}
	if agreement < 0.0 || agreement > 1.0 {
		return nil, errors.Newf("NewTriageEvent: agreement must be between 0 and 1, got %f", agreement).
			Component("events").
			Category(errors.CategoryValidation).
			Context("agreement", agreement).
			Build()
	}

	return &triageEventImpl{
		xrayID:     xrayID,
		label:      label,
		confidence: confidence,
		riskLevel:  riskLevel,
		timestamp:  time.Now(),
		metadata:   make(map[string]any),
		review:     needsReview,
		agreement:  agreement,
	}, nil
}

// GetXRayID returns the identifier of the diagnosed x-ray image
func (e *triageEventImpl) GetXRayID() uint {
	return e.xrayID
}

// GetLabel returns the consensus diagnosis label
func (e *triageEventImpl) GetLabel() string {
	return e.label
}

// GetConfidence returns the consensus confidence
func (e *triageEventImpl) GetConfidence() float64 {
	return e.confidence
}

// GetRiskLevel returns the computed risk level
func (e *triageEventImpl) GetRiskLevel() string {
	return e.riskLevel
}

// GetTimestamp returns when the diagnosis completed
func (e *triageEventImpl) GetTimestamp() time.Time {
	return e.timestamp
}

// GetMetadata returns additional context data
func (e *triageEventImpl) GetMetadata() map[string]any {
	return e.metadata
}

// NeedsReview returns true when the consensus was flagged for review
func (e *triageEventImpl) NeedsReview() bool {
	return e.review
}

// GetAgreement returns the ensemble agreement ratio
func (e *triageEventImpl) GetAgreement() float64 {
	return e.agreement
}

// String returns a string representation of the triage event
func (e *triageEventImpl) String() string {
	return fmt.Sprintf("Triage: xray=%d %s (%.2f%%) risk=%s review=%v",
		e.xrayID, e.label, e.confidence*100, e.riskLevel, e.review)
}
