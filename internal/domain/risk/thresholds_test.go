package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultThresholds_Valid(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestParseThresholds_Override(t *testing.T) {
	th, err := ParseThresholds([]byte(`
emergency:
  spo2_low: 90
  hypotension_enabled: false
escalation:
  policy: heart-rate
  heart_rate_critical: 140
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th.Emergency.SpO2Low != 90 {
		t.Errorf("expected spo2_low 90, got %v", th.Emergency.SpO2Low)
	}
	if th.Emergency.HypotensionEnabled {
		t.Error("expected hypotension disabled")
	}
	if th.Emergency.HeartRateHigh != 160 {
		t.Errorf("unset keys keep defaults, got %v", th.Emergency.HeartRateHigh)
	}
	if !th.Preventive.StressEnabled {
		t.Error("stress toggle should keep default true")
	}
	if th.Escalation.Policy != EscalateOnHeartRate || th.Escalation.HeartRateCritical != 140 {
		t.Errorf("unexpected escalation %+v", th.Escalation)
	}
}

func TestParseThresholds_Empty(t *testing.T) {
	th, err := ParseThresholds(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th != DefaultThresholds() {
		t.Error("empty document should yield defaults")
	}
}

func TestParseThresholds_UnknownKey(t *testing.T) {
	_, err := ParseThresholds([]byte("emergency:\n  spo_low: 90\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseThresholds_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"negative", "preventive:\n  hrv_low: -1\n", "negative"},
		{"inverted heart rate", "emergency:\n  heart_rate_low: 170\n", "heart_rate_low"},
		{"emergency inside preventive", "emergency:\n  heart_rate_high: 100\n", "heart_rate_high"},
		{"spo2 order", "emergency:\n  spo2_low: 96\n", "spo2_low"},
		{"probability", "probabilities:\n  emergency: 1.5\n", "probabilities.emergency"},
		{"policy", "escalation:\n  policy: always\n", "policy"},
		{"nan threshold", "emergency:\n  heart_rate_high: .nan\n", "emergency.heart_rate_high must be a finite number"},
		{"infinite threshold", "preventive:\n  sleep_low: .inf\n", "preventive.sleep_low must be a finite number"},
		{"nan probability", "probabilities:\n  normal: .nan\n", "probabilities.normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseThresholds([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestLoadThresholds(t *testing.T) {
	th, err := LoadThresholds("")
	if err != nil || th != DefaultThresholds() {
		t.Fatalf("empty path should return defaults, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("preventive:\n  sleep_low: 6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	th, err = LoadThresholds(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th.Preventive.SleepLow != 6 {
		t.Errorf("expected sleep_low 6, got %v", th.Preventive.SleepLow)
	}

	if _, err := LoadThresholds(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
