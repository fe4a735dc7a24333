package risk

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier(t *testing.T, th Thresholds) *Classifier {
	t.Helper()
	var mu sync.Mutex
	n := 0
	c, err := NewClassifier(th,
		WithClock(func() time.Time { return fixedNow }),
		WithIDSource(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return c
}

func containsReason(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func TestClassify_AllDefaults(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	report, order, err := c.Classify(DefaultVitals(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Classification != ClassificationNormal {
		t.Errorf("expected normal, got %s", report.Classification)
	}
	if report.Probability != 0.1 {
		t.Errorf("expected 0.1, got %v", report.Probability)
	}
	if report.RiskLevel != RiskLevelLow {
		t.Errorf("expected low, got %s", report.RiskLevel)
	}
	if order != nil {
		t.Error("expected no escalation order")
	}
	if !strings.Contains(report.Description, "HR 75") || !strings.Contains(report.Description, "SpO2 98%") {
		t.Errorf("description should echo vitals: %q", report.Description)
	}
}

func TestClassify_SevereTachycardia(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.HR = 161

	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Classification != ClassificationEmergency {
		t.Errorf("expected emergency, got %s", report.Classification)
	}
	if report.RiskLevel != RiskLevelCritical {
		t.Errorf("expected critical, got %s", report.RiskLevel)
	}
	if report.Probability != 0.95 {
		t.Errorf("expected 0.95, got %v", report.Probability)
	}
	if !strings.Contains(report.Description, "Tachycardia") {
		t.Errorf("description should mention the rate abnormality: %q", report.Description)
	}
	if order == nil {
		t.Fatal("expected escalation order")
	}
}

func TestClassify_EmergencyAccumulatesReasons(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.HR = 170
	v.SpO2 = 85

	report, _, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !containsReason(report.Reasons, "Severe Tachycardia") {
		t.Errorf("missing tachycardia reason: %v", report.Reasons)
	}
	if !containsReason(report.Reasons, "Hypoxia") {
		t.Errorf("missing hypoxia reason: %v", report.Reasons)
	}
	if len(report.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", report.Reasons)
	}
}

func TestClassify_EmergencyTakesPrecedence(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.SysBP = 190
	v.HRV = 20
	v.Sleep = 3

	report, _, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Classification != ClassificationEmergency {
		t.Fatalf("expected emergency, got %s", report.Classification)
	}
	if containsReason(report.Reasons, "Fatigue Indicator") || containsReason(report.Reasons, "Sleep Deprivation") {
		t.Errorf("preventive reasons must not appear: %v", report.Reasons)
	}
	if report.Reasons[0] != "Hypertensive Crisis (SBP 190)" {
		t.Errorf("unexpected reason %q", report.Reasons[0])
	}
}

func TestClassify_PreventiveFatigueAndSleep(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.HRV = 30
	v.Sleep = 4.5

	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Classification != ClassificationPreventive {
		t.Fatalf("expected preventive, got %s", report.Classification)
	}
	if report.RiskLevel != RiskLevelHigh || report.Probability != 0.6 {
		t.Errorf("expected high/0.6, got %s/%v", report.RiskLevel, report.Probability)
	}
	want := []string{"Fatigue Indicator (HRV 30)", "Sleep Deprivation (4.5h sleep)"}
	if strings.Join(report.Reasons, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, report.Reasons)
	}
	if order != nil {
		t.Error("preventive must not escalate")
	}
}

func TestClassify_Boundaries(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	tests := []struct {
		name string
		mod  func(*VitalsSnapshot)
		want Classification
	}{
		{"hr at emergency bound", func(v *VitalsSnapshot) { v.HR = 160 }, ClassificationPreventive},
		{"hr at preventive bound", func(v *VitalsSnapshot) { v.HR = 110 }, ClassificationNormal},
		{"hr 40 is not severe", func(v *VitalsSnapshot) { v.HR = 40 }, ClassificationPreventive},
		{"hr 39", func(v *VitalsSnapshot) { v.HR = 39 }, ClassificationEmergency},
		{"spo2 88", func(v *VitalsSnapshot) { v.SpO2 = 88 }, ClassificationPreventive},
		{"spo2 94", func(v *VitalsSnapshot) { v.SpO2 = 94 }, ClassificationNormal},
		{"sbp 180", func(v *VitalsSnapshot) { v.SysBP = 180 }, ClassificationNormal},
		{"sbp 89", func(v *VitalsSnapshot) { v.SysBP = 89 }, ClassificationEmergency},
		{"hrv 35", func(v *VitalsSnapshot) { v.HRV = 35 }, ClassificationNormal},
		{"sleep 5", func(v *VitalsSnapshot) { v.Sleep = 5 }, ClassificationNormal},
		{"stress 79", func(v *VitalsSnapshot) { v.Stress = 79 }, ClassificationNormal},
		{"stress 80", func(v *VitalsSnapshot) { v.Stress = 80 }, ClassificationPreventive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := DefaultVitals()
			tt.mod(&v)
			report, _, err := c.Classify(v, "p1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Classification != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, report.Classification, report.Reasons)
			}
		})
	}
}

func TestClassify_Toggles(t *testing.T) {
	th := DefaultThresholds()
	th.Emergency.HypotensionEnabled = false
	th.Preventive.StressEnabled = false
	c := newTestClassifier(t, th)

	v := DefaultVitals()
	v.SysBP = 80
	v.Stress = 95
	report, _, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Classification != ClassificationNormal {
		t.Errorf("expected normal with both toggles off, got %s %v", report.Classification, report.Reasons)
	}
}

func TestClassify_ReportAndOrderIDs(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.HR = 200

	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ID == order.ID {
		t.Error("report and order ids must differ")
	}
	if order.ReportID != report.ID {
		t.Errorf("order must reference report %s, got %s", report.ID, order.ReportID)
	}
	if order.Priority != PriorityImmediate || order.Status != "active" || order.Intent != "order" {
		t.Errorf("unexpected order fields %+v", order)
	}
	if order.Code != "40617009" {
		t.Errorf("unexpected intervention code %s", order.Code)
	}
	if !report.Timestamp.Equal(fixedNow) {
		t.Errorf("expected injected clock, got %v", report.Timestamp)
	}

	other, _, _ := c.Classify(v, "p1")
	if other.ID == report.ID {
		t.Error("report ids must be unique per call")
	}
}

func TestClassify_DefaultIDsAreUUIDs(t *testing.T) {
	c, err := NewClassifier(DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	v := DefaultVitals()
	v.HR = 180
	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ID) != 36 || len(order.ID) != 36 || report.ID == order.ID {
		t.Errorf("expected distinct uuids, got %s and %s", report.ID, order.ID)
	}
}

func TestClassify_CollidingIDSource(t *testing.T) {
	c, err := NewClassifier(DefaultThresholds(), WithIDSource(func() string { return "same" }))
	if err != nil {
		t.Fatal(err)
	}
	v := DefaultVitals()
	v.HR = 180
	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if report.ID == order.ID {
		t.Error("order id must differ from report id")
	}
}

func TestClassify_HeartRatePolicy(t *testing.T) {
	th := DefaultThresholds()
	th.Escalation.Policy = EscalateOnHeartRate
	c := newTestClassifier(t, th)

	v := DefaultVitals()
	v.HR = 155
	report, order, err := c.Classify(v, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Classification != ClassificationPreventive {
		t.Errorf("expected preventive, got %s", report.Classification)
	}
	if order == nil {
		t.Error("heart-rate policy must escalate above 150")
	}

	v = DefaultVitals()
	v.SpO2 = 80
	_, order, _ = c.Classify(v, "p1")
	if order != nil {
		t.Error("heart-rate policy must not escalate on hypoxia alone")
	}
}

func TestClassify_PatientRequired(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	report, order, err := c.Classify(DefaultVitals(), "  ")
	if !errors.Is(err, ErrPatientRequired) {
		t.Fatalf("expected ErrPatientRequired, got %v", err)
	}
	if report != nil || order != nil {
		t.Error("no artifacts on error")
	}
}

func TestClassify_NaNSnapshot(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.SpO2 = nan()
	_, _, err := c.Classify(v, "p1")
	var de *DataError
	if !errors.As(err, &de) || de.Field != "spo2" {
		t.Fatalf("expected DataError on spo2, got %v", err)
	}
}

func TestClassifyRaw_NonNumericHR(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	report, order, err := c.ClassifyRaw(map[string]interface{}{"hr": "fast", "spo2": "not-a-number"}, "p1")
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("expected DataError, got %v", err)
	}
	if de.Field != "hr" {
		t.Errorf("expected field hr, got %s", de.Field)
	}
	if report != nil || order != nil {
		t.Error("no report on DataError")
	}
}

func TestClassifyRaw_Scenarios(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	tests := []struct {
		name        string
		raw         map[string]interface{}
		want        Classification
		probability float64
		reasons     []string
	}{
		{
			name:        "tachycardia",
			raw:         map[string]interface{}{"hr": 180, "spo2": 95, "sys_bp": 120, "stress": 50, "sleep": 7, "hrv": 50},
			want:        ClassificationEmergency,
			probability: 0.95,
			reasons:     []string{"Severe Tachycardia"},
		},
		{
			name:        "healthy",
			raw:         map[string]interface{}{"hr": 75, "spo2": 98, "hrv": 60, "sys_bp": 110, "sleep": 7, "stress": 20},
			want:        ClassificationNormal,
			probability: 0.1,
		},
		{
			name:        "fatigue and stress",
			raw:         map[string]interface{}{"hr": 90, "spo2": 97, "hrv": 25, "sys_bp": 110, "sleep": 7, "stress": 80},
			want:        ClassificationPreventive,
			probability: 0.6,
			reasons:     []string{"Fatigue Indicator", "High Stress"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, _, err := c.ClassifyRaw(tt.raw, "p1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Classification != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.Classification)
			}
			if report.Probability != tt.probability {
				t.Errorf("expected %v, got %v", tt.probability, report.Probability)
			}
			for _, r := range tt.reasons {
				if !containsReason(report.Reasons, r) {
					t.Errorf("missing reason %q in %v", r, report.Reasons)
				}
			}
		})
	}
}

func TestClassify_Basis(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	basis := []string{"obs-1", "obs-2"}
	report, _, err := c.Classify(DefaultVitals(), "p1", basis...)
	if err != nil {
		t.Fatal(err)
	}
	basis[0] = "changed"
	if report.Basis[0] != "obs-1" {
		t.Error("report must own a copy of basis")
	}
}

func TestClassifier_Concurrent(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(hr float64) {
			defer wg.Done()
			v := DefaultVitals()
			v.HR = hr
			if _, _, err := c.Classify(v, "p1"); err != nil {
				t.Errorf("classify: %v", err)
			}
		}(float64(40 + i*4))
	}
	wg.Wait()
}

func TestNewClassifier_InvalidThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.Emergency.HeartRateLow = 200
	if _, err := NewClassifier(th); err == nil {
		t.Fatal("expected error for inverted thresholds")
	}
}
