package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/riskwatch/internal/domain/analysis"
	"github.com/ehr/riskwatch/internal/domain/observation"
	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/db"
	"github.com/ehr/riskwatch/internal/platform/fhir"
)

func emergencyReport(t *testing.T) (*risk.RiskReport, *risk.EscalationOrder) {
	t.Helper()
	c, err := risk.NewClassifier(risk.DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	report, order, err := c.ClassifyRaw(map[string]interface{}{"hr": 180}, "p-int")
	if err != nil {
		t.Fatal(err)
	}
	return report, order
}

func TestResourceStore_RiskTransaction(t *testing.T) {
	pool := newSchemaPool(t)
	ctx := context.Background()
	store := db.NewResourceStore(pool, zerolog.Nop())

	report, order := emergencyReport(t)
	bundle, err := risk.BuildTransaction(report, order)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	receipt, err := store.Submit(ctx, bundle)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	loc, ok := receipt.Location(report.ID)
	if !ok || loc != "RiskAssessment/"+report.ID+"/_history/1" {
		t.Errorf("unexpected report location %q", loc)
	}

	t.Run("ReferencesResolved", func(t *testing.T) {
		raw, err := store.Get(ctx, "ServiceRequest", order.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var sr map[string]interface{}
		json.Unmarshal(raw, &sr)
		ref := sr["reasonReference"].([]interface{})[0].(map[string]interface{})["reference"]
		if ref != "RiskAssessment/"+report.ID {
			t.Errorf("expected resolved reason reference, got %v", ref)
		}
		meta := sr["meta"].(map[string]interface{})
		if meta["versionId"] != "1" {
			t.Errorf("expected version 1, got %v", meta["versionId"])
		}
	})

	t.Run("ResubmitBumpsVersion", func(t *testing.T) {
		receipt, err := store.Submit(ctx, bundle)
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if loc, _ := receipt.Location(report.ID); loc != "RiskAssessment/"+report.ID+"/_history/2" {
			t.Errorf("expected version 2 location, got %q", loc)
		}
	})

	t.Run("SubjectIndexed", func(t *testing.T) {
		var n int
		err := pool.QueryRow(ctx, `SELECT count(*) FROM fhir_resource WHERE subject_ref = $1`, "Patient/p-int").Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("expected 2 resources for the patient, got %d", n)
		}
	})
}

func TestResourceStore_DanglingReferenceRejected(t *testing.T) {
	pool := newSchemaPool(t)
	store := db.NewResourceStore(pool, zerolog.Nop())

	b := fhir.NewTransaction()
	b.AddCreate("ServiceRequest", "s1", map[string]interface{}{
		"resourceType":    "ServiceRequest",
		"id":              "s1",
		"reasonReference": []map[string]string{{"reference": "urn:uuid:missing"}},
	})

	_, err := store.Submit(context.Background(), b)
	de, ok := fhir.AsDeliveryError(err)
	if !ok || de.StatusCode != http.StatusBadRequest || de.Outcome == nil {
		t.Fatalf("expected 400 DeliveryError with outcome, got %v", err)
	}
	if _, err := store.Get(context.Background(), "ServiceRequest", "s1"); !errors.Is(err, db.ErrResourceNotFound) {
		t.Errorf("expected nothing stored, got %v", err)
	}
}

func TestResourceStore_VitalsUploadAndAnalysis(t *testing.T) {
	pool := newSchemaPool(t)
	store := db.NewResourceStore(pool, zerolog.Nop())
	c, _ := risk.NewClassifier(risk.DefaultThresholds())
	svc := analysis.NewService(c, store, analysis.NewMemoryStore(0), zerolog.Nop())

	res, err := svc.UploadVitals(context.Background(), analysis.UploadRequest{
		Subject:  observation.Subject{Identifier: "W-1", Given: "Ada"},
		Vitals:   map[string]interface{}{"hr": 185, "spo2": 85},
		Location: &observation.Location{Latitude: 48.1, Longitude: 11.5},
		Analyze:  true,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Analysis == nil || res.Analysis.State != analysis.StateDelivered {
		t.Fatalf("expected delivered analysis, got %+v", res.Analysis)
	}

	rt, id := fhir.ParseEntryURL(res.Analysis.Report.Basis[0])
	if _, err := store.Get(context.Background(), rt, id); err != nil {
		t.Errorf("expected basis observation %s/%s to be stored: %v", rt, id, err)
	}

	esc, err := svc.Escalate(context.Background(), res.Analysis.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := store.Get(context.Background(), "ServiceRequest", esc.Order.ID); err != nil {
		t.Errorf("expected escalation order stored: %v", err)
	}
}
