package risk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// EscalationPolicy decides when a report gets an escalation order.
type EscalationPolicy string

const (
	// EscalateOnClassification orders iff the classification is emergency.
	EscalateOnClassification EscalationPolicy = "classification"
	// EscalateOnHeartRate orders iff heart rate exceeds Escalation.HeartRateCritical.
	EscalateOnHeartRate EscalationPolicy = "heart-rate"
)

type EmergencyThresholds struct {
	HeartRateHigh      float64 `yaml:"heart_rate_high" json:"heart_rate_high"`
	HeartRateLow       float64 `yaml:"heart_rate_low" json:"heart_rate_low"`
	SpO2Low            float64 `yaml:"spo2_low" json:"spo2_low"`
	SystolicHigh       float64 `yaml:"systolic_high" json:"systolic_high"`
	SystolicLow        float64 `yaml:"systolic_low" json:"systolic_low"`
	HypotensionEnabled bool    `yaml:"hypotension_enabled" json:"hypotension_enabled"`
}

type PreventiveThresholds struct {
	HeartRateHigh float64 `yaml:"heart_rate_high" json:"heart_rate_high"`
	HeartRateLow  float64 `yaml:"heart_rate_low" json:"heart_rate_low"`
	SpO2Low       float64 `yaml:"spo2_low" json:"spo2_low"`
	HRVLow        float64 `yaml:"hrv_low" json:"hrv_low"`
	SleepLow      float64 `yaml:"sleep_low" json:"sleep_low"`
	StressHigh    float64 `yaml:"stress_high" json:"stress_high"`
	StressEnabled bool    `yaml:"stress_enabled" json:"stress_enabled"`
}

type EscalationThresholds struct {
	Policy            EscalationPolicy `yaml:"policy" json:"policy"`
	HeartRateCritical float64          `yaml:"heart_rate_critical" json:"heart_rate_critical"`
}

type Probabilities struct {
	Emergency  float64 `yaml:"emergency" json:"emergency"`
	Preventive float64 `yaml:"preventive" json:"preventive"`
	Normal     float64 `yaml:"normal" json:"normal"`
}

// Thresholds is the canonical table driving the classifier.
type Thresholds struct {
	Emergency     EmergencyThresholds  `yaml:"emergency" json:"emergency"`
	Preventive    PreventiveThresholds `yaml:"preventive" json:"preventive"`
	Escalation    EscalationThresholds `yaml:"escalation" json:"escalation"`
	Probabilities Probabilities        `yaml:"probabilities" json:"probabilities"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Emergency: EmergencyThresholds{
			HeartRateHigh:      160,
			HeartRateLow:       40,
			SpO2Low:            88,
			SystolicHigh:       180,
			SystolicLow:        90,
			HypotensionEnabled: true,
		},
		Preventive: PreventiveThresholds{
			HeartRateHigh: 110,
			HeartRateLow:  50,
			SpO2Low:       94,
			HRVLow:        35,
			SleepLow:      5,
			StressHigh:    80,
			StressEnabled: true,
		},
		Escalation: EscalationThresholds{
			Policy:            EscalateOnClassification,
			HeartRateCritical: 150,
		},
		Probabilities: Probabilities{
			Emergency:  0.95,
			Preventive: 0.6,
			Normal:     0.1,
		},
	}
}

// LoadThresholds reads a YAML override file on top of the defaults.
// An empty path returns the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()
	if path == "" {
		return th, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return th, fmt.Errorf("read thresholds file: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes YAML over the defaults and validates the result.
// Unknown keys are rejected so a typo cannot silently keep a default.
func ParseThresholds(data []byte) (Thresholds, error) {
	th := DefaultThresholds()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&th); err != nil && !errors.Is(err, io.EOF) {
		return th, fmt.Errorf("parse thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return th, err
	}
	return th, nil
}

// Validate checks that the table is internally consistent.
func (t Thresholds) Validate() error {
	values := map[string]float64{
		"emergency.heart_rate_high":      t.Emergency.HeartRateHigh,
		"emergency.heart_rate_low":       t.Emergency.HeartRateLow,
		"emergency.spo2_low":             t.Emergency.SpO2Low,
		"emergency.systolic_high":        t.Emergency.SystolicHigh,
		"emergency.systolic_low":         t.Emergency.SystolicLow,
		"preventive.heart_rate_high":     t.Preventive.HeartRateHigh,
		"preventive.heart_rate_low":      t.Preventive.HeartRateLow,
		"preventive.spo2_low":            t.Preventive.SpO2Low,
		"preventive.hrv_low":             t.Preventive.HRVLow,
		"preventive.sleep_low":           t.Preventive.SleepLow,
		"preventive.stress_high":         t.Preventive.StressHigh,
		"escalation.heart_rate_critical": t.Escalation.HeartRateCritical,
	}
	for name, v := range values {
		if !finite(v) {
			return fmt.Errorf("threshold %s must be a finite number", name)
		}
		if v < 0 {
			return fmt.Errorf("threshold %s must not be negative", name)
		}
	}

	switch {
	case t.Emergency.HeartRateLow >= t.Emergency.HeartRateHigh:
		return fmt.Errorf("emergency.heart_rate_low must be below emergency.heart_rate_high")
	case t.Emergency.SystolicLow >= t.Emergency.SystolicHigh:
		return fmt.Errorf("emergency.systolic_low must be below emergency.systolic_high")
	case t.Preventive.HeartRateLow >= t.Preventive.HeartRateHigh:
		return fmt.Errorf("preventive.heart_rate_low must be below preventive.heart_rate_high")
	case t.Emergency.HeartRateHigh < t.Preventive.HeartRateHigh:
		return fmt.Errorf("emergency.heart_rate_high must not be below preventive.heart_rate_high")
	case t.Emergency.HeartRateLow > t.Preventive.HeartRateLow:
		return fmt.Errorf("emergency.heart_rate_low must not exceed preventive.heart_rate_low")
	case t.Emergency.SpO2Low > t.Preventive.SpO2Low:
		return fmt.Errorf("emergency.spo2_low must not exceed preventive.spo2_low")
	case t.Emergency.SpO2Low > 100 || t.Preventive.SpO2Low > 100:
		return fmt.Errorf("spo2 thresholds must be percentages")
	}

	probs := map[string]float64{
		"probabilities.emergency":  t.Probabilities.Emergency,
		"probabilities.preventive": t.Probabilities.Preventive,
		"probabilities.normal":     t.Probabilities.Normal,
	}
	for name, p := range probs {
		if !finite(p) || p < 0 || p > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}

	switch t.Escalation.Policy {
	case EscalateOnClassification, EscalateOnHeartRate:
	default:
		return fmt.Errorf("unknown escalation.policy %q", t.Escalation.Policy)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
