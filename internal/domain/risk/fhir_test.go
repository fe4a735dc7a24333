package risk

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

func emergencyReport(t *testing.T) (*RiskReport, *EscalationOrder) {
	t.Helper()
	c := newTestClassifier(t, DefaultThresholds())
	v := DefaultVitals()
	v.HR = 180
	report, order, err := c.Classify(v, "patient-7", "obs-1")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	return report, order
}

func TestRiskReport_ToFHIR(t *testing.T) {
	report, _ := emergencyReport(t)
	ra := report.ToFHIR()

	if ra.ResourceType != "RiskAssessment" || ra.Status != "final" {
		t.Errorf("unexpected header %s/%s", ra.ResourceType, ra.Status)
	}
	if ra.Subject.Reference != "Patient/patient-7" {
		t.Errorf("unexpected subject %s", ra.Subject.Reference)
	}
	if ra.OccurrenceDateTime != "2025-03-01T12:00:00Z" {
		t.Errorf("unexpected occurrence %s", ra.OccurrenceDateTime)
	}
	p := ra.Prediction[0]
	if p.ProbabilityDecimal != 0.95 {
		t.Errorf("expected 0.95, got %v", p.ProbabilityDecimal)
	}
	if p.Outcome.Coding[0].System != ClassificationSystem || p.Outcome.Coding[0].Code != "emergency" {
		t.Errorf("unexpected outcome coding %+v", p.Outcome.Coding)
	}
	if p.QualitativeRisk.Coding[0].System != RiskProbabilitySystem || p.QualitativeRisk.Coding[0].Code != "critical" {
		t.Errorf("unexpected qualitative risk %+v", p.QualitativeRisk.Coding)
	}
	if len(ra.Basis) != 1 || ra.Basis[0].Reference != "Observation/obs-1" {
		t.Errorf("unexpected basis %+v", ra.Basis)
	}
	if len(ra.Note) != 1 || !strings.HasPrefix(ra.Note[0].Text, "Severe Tachycardia") {
		t.Errorf("unexpected notes %+v", ra.Note)
	}
}

func TestBuildTransaction_WithOrder(t *testing.T) {
	report, order := emergencyReport(t)
	b, err := BuildTransaction(report, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Type != fhir.BundleTypeTransaction {
		t.Errorf("expected transaction, got %s", b.Type)
	}
	if got := b.ResourceTypes(); len(got) != 2 || got[0] != "RiskAssessment" || got[1] != "ServiceRequest" {
		t.Fatalf("unexpected entries %v", got)
	}
	if b.Entry[0].FullURL != "urn:uuid:"+report.ID {
		t.Errorf("unexpected fullUrl %s", b.Entry[0].FullURL)
	}
	if b.Entry[1].Request.URL != "ServiceRequest" {
		t.Errorf("unexpected request url %s", b.Entry[1].Request.URL)
	}

	var sr ServiceRequestResource
	if err := json.Unmarshal(b.Entry[1].Resource, &sr); err != nil {
		t.Fatal(err)
	}
	if sr.ReasonReference[0].Reference != b.Entry[0].FullURL {
		t.Errorf("order must reference the report entry, got %s", sr.ReasonReference[0].Reference)
	}
	if sr.Priority != "stat" || sr.Status != "active" || sr.Intent != "order" {
		t.Errorf("unexpected order fields %+v", sr)
	}
	if sr.Code.Coding[0].System != SNOMEDSystem || sr.Code.Coding[0].Code != InterventionCode {
		t.Errorf("unexpected code %+v", sr.Code)
	}
}

func TestBuildTransaction_ReportOnly(t *testing.T) {
	c := newTestClassifier(t, DefaultThresholds())
	report, order, _ := c.Classify(DefaultVitals(), "p1")
	b, err := BuildTransaction(report, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Entry) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(b.Entry))
	}
}

func TestBuildTransaction_MismatchedOrder(t *testing.T) {
	report, order := emergencyReport(t)
	order.ReportID = "someone-else"
	if _, err := BuildTransaction(report, order); err == nil {
		t.Fatal("expected error for order referencing another report")
	}
	if _, err := BuildTransaction(nil, nil); err == nil {
		t.Fatal("expected error for nil report")
	}
}

func TestBuildOrderTransaction(t *testing.T) {
	_, order := emergencyReport(t)
	b, err := BuildOrderTransaction(order, "RiskAssessment/42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := b.DecodeEntry(0)
	if err != nil {
		t.Fatal(err)
	}
	reasons := res["reasonReference"].([]interface{})
	if reasons[0].(map[string]interface{})["reference"] != "RiskAssessment/42" {
		t.Errorf("unexpected reason %v", reasons[0])
	}

	if _, err := BuildOrderTransaction(order, ""); err == nil {
		t.Error("expected error for empty report reference")
	}
	if _, err := BuildOrderTransaction(order, "urn:uuid:nowhere"); err == nil {
		t.Error("expected dangling urn reference to be rejected")
	}
}
