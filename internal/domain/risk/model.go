package risk

import (
	"time"
)

// Classification is the severity tier of a vitals snapshot.
type Classification string

const (
	ClassificationNormal     Classification = "normal"
	ClassificationPreventive Classification = "preventive"
	ClassificationEmergency  Classification = "emergency"
)

// Valid reports whether c is one of the known tiers.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationNormal, ClassificationPreventive, ClassificationEmergency:
		return true
	}
	return false
}

// RiskLevel is the qualitative risk code, drawn from the HL7 risk-probability code system.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelModerate RiskLevel = "moderate"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// VitalsSnapshot is one reading of a patient's vital signs.
type VitalsSnapshot struct {
	HR     float64 `json:"hr"`
	SpO2   float64 `json:"spo2"`
	HRV    float64 `json:"hrv"`
	SysBP  float64 `json:"sys_bp"`
	DiaBP  float64 `json:"dia_bp"`
	Resp   float64 `json:"resp"`
	Stress float64 `json:"stress"`
	Sleep  float64 `json:"sleep"`
}

// DefaultVitals returns a snapshot with every field at its normal value.
func DefaultVitals() VitalsSnapshot {
	return VitalsSnapshot{
		HR:     75,
		SpO2:   98,
		HRV:    50,
		SysBP:  110,
		DiaBP:  70,
		Resp:   16,
		Stress: 20,
		Sleep:  7,
	}
}

// RiskReport is the outcome of classifying one snapshot.
type RiskReport struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"classification"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Probability    float64        `json:"probability"`
	Description    string         `json:"description"`
	Reasons        []string       `json:"reasons"`
	Vitals         VitalsSnapshot `json:"vitals"`
	Basis          []string       `json:"basis,omitempty"`
}

// Escalation order constants.
const (
	PriorityImmediate = "immediate"
	OrderStatusActive = "active"
	OrderIntentOrder  = "order"

	SNOMEDSystem        = "http://snomed.info/sct"
	InterventionCode    = "40617009"
	InterventionDisplay = "Start CPR"
)

// EscalationOrder asks for immediate clinical intervention for a report.
type EscalationOrder struct {
	ID         string    `json:"id"`
	ReportID   string    `json:"report_id"`
	PatientID  string    `json:"patient_id"`
	Code       string    `json:"code"`
	Display    string    `json:"display"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	Intent     string    `json:"intent"`
	AuthoredOn time.Time `json:"authored_on"`
}

// Assessment is the pure result of evaluating the threshold ladder.
type Assessment struct {
	Classification Classification
	RiskLevel      RiskLevel
	Probability    float64
	Reasons        []string
	Description    string
}
