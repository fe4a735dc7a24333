package analysis

import (
	"time"

	"github.com/ehr/riskwatch/internal/domain/observation"
	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/fhir"
)

type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
)

// Analysis is a classified snapshot together with the exact bundle that is
// (or will be) delivered for it. Redelivery always reuses Bundle.
type Analysis struct {
	ID          string                  `json:"id"`
	Source      string                  `json:"source"`
	Report      *risk.RiskReport        `json:"report"`
	Order       *risk.EscalationOrder   `json:"order,omitempty"`
	Bundle      *fhir.Bundle            `json:"bundle"`
	State       State                   `json:"state"`
	Attempts    int                     `json:"attempts"`
	LastError   string                  `json:"last_error,omitempty"`
	Receipt     *fhir.Receipt           `json:"receipt,omitempty"`
	Escalations []*risk.EscalationOrder `json:"escalations,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// ReportReference is the stored location of the report once delivered,
// e.g. "RiskAssessment/123".
func (a *Analysis) ReportReference() (string, bool) {
	if a.State != StateDelivered {
		return "", false
	}
	if loc, ok := a.Receipt.Location(a.Report.ID); ok {
		return fhir.LocationReference(loc), true
	}
	return fhir.FormatReference("RiskAssessment", a.Report.ID), true
}

// AnalyzeRequest is one vitals snapshot to classify for a patient.
type AnalyzeRequest struct {
	PatientID string                 `json:"patient_id"`
	Vitals    map[string]interface{} `json:"vitals"`
	Basis     []string               `json:"basis,omitempty"`
	Source    string                 `json:"-"`
}

// ClassifyResult is a classification with its serialized bundle, not delivered.
type ClassifyResult struct {
	Report *risk.RiskReport      `json:"report"`
	Order  *risk.EscalationOrder `json:"order,omitempty"`
	Bundle *fhir.Bundle          `json:"bundle"`
}

type EscalationResult struct {
	AnalysisID string                `json:"analysis_id"`
	Order      *risk.EscalationOrder `json:"order"`
	Receipt    *fhir.Receipt         `json:"receipt"`
}

// UploadRequest is a raw vitals upload from a wearable.
type UploadRequest struct {
	Subject  observation.Subject    `json:"subject"`
	Vitals   map[string]interface{} `json:"vitals"`
	Location *observation.Location  `json:"location,omitempty"`
	// Analyze classifies the upload against the stored patient once delivered.
	Analyze bool `json:"analyze,omitempty"`
}

type UploadResult struct {
	PatientRef     string        `json:"patient_ref"`
	ObservationRef string        `json:"observation_ref"`
	Receipt        *fhir.Receipt `json:"receipt"`
	Analysis       *Analysis     `json:"analysis,omitempty"`
}

type InstructionRequest struct {
	PatientRef string `json:"patient_ref"`
	Message    string `json:"message"`
	Priority   string `json:"priority,omitempty"`
}

type InstructionResult struct {
	ID      string        `json:"id"`
	Receipt *fhir.Receipt `json:"receipt"`
}
