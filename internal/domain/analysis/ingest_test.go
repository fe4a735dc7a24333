package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/fhir"
)

func TestHandleMessage(t *testing.T) {
	svc, records, _ := newTestService(t)
	err := svc.HandleMessage(context.Background(), "riskwatch/vitals/p9", []byte(`{"patient_id":"p1","vitals":{"hr":180,"spo2":"95"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subs := records.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	ra, _ := subs[0].DecodeEntry(0)
	subject := ra["subject"].(map[string]interface{})["reference"]
	if subject != "Patient/p1" {
		t.Errorf("expected payload patient to win, got %v", subject)
	}
}

func TestHandleMessage_PatientFromTopic(t *testing.T) {
	svc, records, _ := newTestService(t)
	if err := svc.HandleMessage(context.Background(), "riskwatch/vitals/p9", []byte(`{"vitals":{}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ra, _ := records.submitted()[0].DecodeEntry(0)
	if ra["subject"].(map[string]interface{})["reference"] != "Patient/p9" {
		t.Errorf("expected patient from topic, got %v", ra["subject"])
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	svc, records, store := newTestService(t)

	if err := svc.HandleMessage(context.Background(), "t/p1", []byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}

	err := svc.HandleMessage(context.Background(), "t/p1", []byte(`{"vitals":{"hr":"fast"}}`))
	var de *risk.DataError
	if !errors.As(err, &de) {
		t.Errorf("expected DataError, got %v", err)
	}

	records.fail = &fhir.DeliveryError{StatusCode: 502}
	if err := svc.HandleMessage(context.Background(), "t/p1", []byte(`{"vitals":{}}`)); err != nil {
		t.Errorf("delivery failure should be absorbed, got %v", err)
	}
	if n, _ := store.CountPending(context.Background()); n != 1 {
		t.Errorf("expected analysis pending, got %d", n)
	}
}
