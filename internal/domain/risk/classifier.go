package risk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPatientRequired is returned when classification is asked for without a patient id.
var ErrPatientRequired = errors.New("patient id is required")

// Classifier maps vitals snapshots to risk reports. It holds only read-only
// configuration and is safe for concurrent use.
type Classifier struct {
	th    Thresholds
	now   func() time.Time
	newID func() string
}

type Option func(*Classifier)

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithIDSource overrides the id generator for reports and orders.
func WithIDSource(newID func() string) Option {
	return func(c *Classifier) { c.newID = newID }
}

// NewClassifier validates th and returns a classifier using it.
func NewClassifier(th Thresholds, opts ...Option) (*Classifier, error) {
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	c := &Classifier{
		th:    th,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

// Evaluate runs the threshold ladder. The emergency tier short-circuits the
// preventive tier; within a tier every condition is checked.
func (c *Classifier) Evaluate(v VitalsSnapshot) Assessment {
	if reasons := c.emergencyReasons(v); len(reasons) > 0 {
		return Assessment{
			Classification: ClassificationEmergency,
			RiskLevel:      RiskLevelCritical,
			Probability:    c.th.Probabilities.Emergency,
			Reasons:        reasons,
			Description:    "EMERGENCY: critical vital signs: " + strings.Join(reasons, ", "),
		}
	}
	if reasons := c.preventiveReasons(v); len(reasons) > 0 {
		return Assessment{
			Classification: ClassificationPreventive,
			RiskLevel:      RiskLevelHigh,
			Probability:    c.th.Probabilities.Preventive,
			Reasons:        reasons,
			Description: "WARNING: elevated health risk: " + strings.Join(reasons, ", ") +
				". Rest is recommended; consult a clinician if it persists.",
		}
	}
	return Assessment{
		Classification: ClassificationNormal,
		RiskLevel:      RiskLevelLow,
		Probability:    c.th.Probabilities.Normal,
		Reasons:        []string{},
		Description: fmt.Sprintf("Vital signs within normal range (HR %s, SpO2 %s%%, SBP %s)",
			num(v.HR), num(v.SpO2), num(v.SysBP)),
	}
}

func (c *Classifier) emergencyReasons(v VitalsSnapshot) []string {
	e := c.th.Emergency
	var reasons []string
	if v.HR > e.HeartRateHigh {
		reasons = append(reasons, fmt.Sprintf("Severe Tachycardia (HR %s)", num(v.HR)))
	}
	if v.HR < e.HeartRateLow {
		reasons = append(reasons, fmt.Sprintf("Severe Bradycardia (HR %s)", num(v.HR)))
	}
	if v.SpO2 < e.SpO2Low {
		reasons = append(reasons, fmt.Sprintf("Hypoxia (SpO2 %s%%)", num(v.SpO2)))
	}
	if v.SysBP > e.SystolicHigh {
		reasons = append(reasons, fmt.Sprintf("Hypertensive Crisis (SBP %s)", num(v.SysBP)))
	}
	if e.HypotensionEnabled && v.SysBP < e.SystolicLow {
		reasons = append(reasons, fmt.Sprintf("Hypotensive Shock (SBP %s)", num(v.SysBP)))
	}
	return reasons
}

func (c *Classifier) preventiveReasons(v VitalsSnapshot) []string {
	p := c.th.Preventive
	var reasons []string
	if v.HR > p.HeartRateHigh {
		reasons = append(reasons, fmt.Sprintf("Elevated Heart Rate (HR %s)", num(v.HR)))
	}
	if v.HR < p.HeartRateLow {
		reasons = append(reasons, fmt.Sprintf("Low Heart Rate (HR %s)", num(v.HR)))
	}
	if v.SpO2 < p.SpO2Low {
		reasons = append(reasons, fmt.Sprintf("Mild Hypoxia (SpO2 %s%%)", num(v.SpO2)))
	}
	if v.HRV < p.HRVLow {
		reasons = append(reasons, fmt.Sprintf("Fatigue Indicator (HRV %s)", num(v.HRV)))
	}
	if v.Sleep < p.SleepLow {
		reasons = append(reasons, fmt.Sprintf("Sleep Deprivation (%sh sleep)", num(v.Sleep)))
	}
	// inclusive: a score at the bound counts as high stress
	if p.StressEnabled && v.Stress >= p.StressHigh {
		reasons = append(reasons, fmt.Sprintf("High Stress (stress %s)", num(v.Stress)))
	}
	return reasons
}

// Classify evaluates v for patientID and builds the report, plus an
// escalation order when the escalation policy calls for one. Basis lists the
// Observation ids the snapshot was derived from.
func (c *Classifier) Classify(v VitalsSnapshot, patientID string, basis ...string) (*RiskReport, *EscalationOrder, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, nil, ErrPatientRequired
	}
	if err := v.Validate(); err != nil {
		return nil, nil, err
	}

	a := c.Evaluate(v)
	report := &RiskReport{
		ID:             c.newID(),
		PatientID:      patientID,
		Timestamp:      c.now().UTC(),
		Classification: a.Classification,
		RiskLevel:      a.RiskLevel,
		Probability:    a.Probability,
		Description:    a.Description,
		Reasons:        a.Reasons,
		Vitals:         v,
	}
	if len(basis) > 0 {
		report.Basis = append([]string(nil), basis...)
	}

	var order *EscalationOrder
	if c.ShouldEscalate(report) {
		order = c.NewEscalationOrder(report)
	}
	return report, order, nil
}

// ClassifyRaw parses an untyped vitals mapping and classifies it.
func (c *Classifier) ClassifyRaw(raw map[string]interface{}, patientID string, basis ...string) (*RiskReport, *EscalationOrder, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, nil, ErrPatientRequired
	}
	v, err := ParseVitals(raw)
	if err != nil {
		return nil, nil, err
	}
	return c.Classify(v, patientID, basis...)
}

// ShouldEscalate applies the configured escalation policy to a report.
func (c *Classifier) ShouldEscalate(r *RiskReport) bool {
	switch c.th.Escalation.Policy {
	case EscalateOnHeartRate:
		return r.Vitals.HR > c.th.Escalation.HeartRateCritical
	default:
		return r.Classification == ClassificationEmergency
	}
}

// NewEscalationOrder builds an order referencing r with a fresh id.
func (c *Classifier) NewEscalationOrder(r *RiskReport) *EscalationOrder {
	id := c.newID()
	if id == r.ID {
		id = uuid.NewString()
	}
	return &EscalationOrder{
		ID:         id,
		ReportID:   r.ID,
		PatientID:  r.PatientID,
		Code:       InterventionCode,
		Display:    InterventionDisplay,
		Priority:   PriorityImmediate,
		Status:     OrderStatusActive,
		Intent:     OrderIntentOrder,
		AuthoredOn: c.now().UTC(),
	}
}

// num renders a measurement without trailing zeros: 180, 4.5.
func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
