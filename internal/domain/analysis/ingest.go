package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

// VitalsMessage is the payload published by wearables.
type VitalsMessage struct {
	PatientID string                 `json:"patient_id"`
	Vitals    map[string]interface{} `json:"vitals"`
	Basis     []string               `json:"basis,omitempty"`
}

// HandleMessage analyzes one MQTT vitals message. When the payload has no
// patient_id the last topic segment is used. Delivery failures are logged
// and leave the analysis pending; they are not returned.
func (s *Service) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	var msg VitalsMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("decode vitals message on %s: %w", topic, err)
	}
	if msg.PatientID == "" {
		if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
			msg.PatientID = topic[i+1:]
		}
	}

	a, err := s.Analyze(ctx, AnalyzeRequest{
		PatientID: msg.PatientID,
		Vitals:    msg.Vitals,
		Basis:     msg.Basis,
		Source:    SourceMQTT,
	})
	if a == nil {
		return err
	}
	if _, ok := fhir.AsDeliveryError(err); ok {
		return nil
	}
	return err
}
