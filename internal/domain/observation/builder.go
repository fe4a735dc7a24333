package observation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/fhir"
)

var validPriorities = map[string]bool{
	"routine": true,
	"urgent":  true,
	"asap":    true,
	"stat":    true,
}

type vitalCode struct {
	code, display, unit, ucum string
	value                     func(risk.VitalsSnapshot) float64
}

// Single-value observations, in bundle order. Heart rate comes first so the
// first observation id is the one a risk report is traced to.
var vitalCodes = []vitalCode{
	{"8867-4", "Heart rate", "beats/minute", "/min", func(v risk.VitalsSnapshot) float64 { return v.HR }},
	{"2708-6", "Oxygen saturation", "%", "%", func(v risk.VitalsSnapshot) float64 { return v.SpO2 }},
	{"9279-1", "Respiratory rate", "breaths/minute", "/min", func(v risk.VitalsSnapshot) float64 { return v.Resp }},
	{"80404-7", "Heart rate variability (SDNN)", "ms", "ms", func(v risk.VitalsSnapshot) float64 { return v.HRV }},
	{"9383-2", "Sleep duration", "h", "h", func(v risk.VitalsSnapshot) float64 { return v.Sleep }},
	{"70-5", "General stress score", "score", "{score}", func(v risk.VitalsSnapshot) float64 { return v.Stress }},
}

// Builder turns vitals uploads and clinician messages into transaction bundles.
type Builder struct {
	now   func() time.Time
	newID func() string
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now, newID: uuid.NewString}
}

// BuildVitalsBundle creates a Patient plus one Observation per vital sign and
// a blood pressure panel. Observations reference the patient entry by urn:uuid.
func (b *Builder) BuildVitalsBundle(subject Subject, v risk.VitalsSnapshot, loc *Location) (*VitalsUpload, error) {
	if strings.TrimSpace(subject.Identifier) == "" {
		return nil, fmt.Errorf("subject identifier is required")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	patientID := b.newID()
	patientRef := fhir.Reference{Reference: fhir.URNReference(patientID)}
	effective := fhir.FormatDateTime(b.now())

	system := subject.System
	if system == "" {
		system = DefaultIdentifierSys
	}
	gender := subject.Gender
	if gender == "" {
		gender = "unknown"
	}
	patient := PatientResource{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier:   []fhir.Identifier{{System: system, Value: subject.Identifier}},
		Gender:       gender,
	}
	if subject.Given != "" || subject.Family != "" {
		name := fhir.HumanName{Family: subject.Family}
		if subject.Given != "" {
			name.Given = []string{subject.Given}
		}
		patient.Name = []fhir.HumanName{name}
	}

	bundle := fhir.NewTransaction()
	if err := bundle.AddCreate("Patient", patientID, patient); err != nil {
		return nil, err
	}

	upload := &VitalsUpload{Bundle: bundle, PatientID: patientID}
	for _, vc := range vitalCodes {
		obs := b.newObservation(vc.code, vc.display, patientRef, effective)
		obs.ValueQuantity = &fhir.Quantity{Value: vc.value(v), Unit: vc.unit, System: UCUMSystem, Code: vc.ucum}
		if err := bundle.AddCreate("Observation", obs.ID, obs); err != nil {
			return nil, err
		}
		upload.ObservationIDs = append(upload.ObservationIDs, obs.ID)
	}

	bp := b.newObservation("85354-9", "Blood pressure panel", patientRef, effective)
	bp.Component = []ObservationComponent{
		bpComponent("8480-6", "Systolic blood pressure", v.SysBP),
		bpComponent("8462-4", "Diastolic blood pressure", v.DiaBP),
	}
	if loc != nil {
		bp.Extension = []fhir.Extension{{
			URL:          GeolocationExtension,
			ValueAddress: &fhir.Address{Text: formatLocation(*loc)},
		}}
	}
	if err := bundle.AddCreate("Observation", bp.ID, bp); err != nil {
		return nil, err
	}
	upload.ObservationIDs = append(upload.ObservationIDs, bp.ID)
	upload.FirstObservationID = upload.ObservationIDs[0]

	if err := fhir.ValidateReferences(bundle); err != nil {
		return nil, err
	}
	return upload, nil
}

func (b *Builder) newObservation(code, display string, subject fhir.Reference, effective string) ObservationResource {
	return ObservationResource{
		ResourceType: "Observation",
		ID:           b.newID(),
		Status:       "final",
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: ObservationCategorySys, Code: "vital-signs", Display: "Vital Signs"}},
		}},
		Code:              fhir.CodeableConcept{Coding: []fhir.Coding{{System: LOINCSystem, Code: code, Display: display}}},
		Subject:           subject,
		EffectiveDateTime: effective,
	}
}

func bpComponent(code, display string, value float64) ObservationComponent {
	return ObservationComponent{
		Code:          fhir.CodeableConcept{Coding: []fhir.Coding{{System: LOINCSystem, Code: code, Display: display}}},
		ValueQuantity: fhir.Quantity{Value: value, Unit: "mmHg", System: UCUMSystem, Code: "mm[Hg]"},
	}
}

func formatLocation(l Location) string {
	return strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
}

// BuildInstruction creates a CommunicationRequest carrying a clinician message
// to the patient. An empty priority means routine.
func (b *Builder) BuildInstruction(patientRef, message, priority string) (*Instruction, error) {
	patientRef = strings.TrimSpace(patientRef)
	if patientRef == "" {
		return nil, fmt.Errorf("patient reference is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if priority == "" {
		priority = "routine"
	}
	if !validPriorities[priority] {
		return nil, fmt.Errorf("invalid priority %q: must be routine, urgent, asap or stat", priority)
	}
	if !strings.Contains(patientRef, "/") {
		patientRef = fhir.FormatReference("Patient", patientRef)
	}

	id := b.newID()
	req := CommunicationRequestResource{
		ResourceType: "CommunicationRequest",
		ID:           id,
		Status:       "active",
		Priority:     priority,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: CommunicationCategory, Code: "instruction"}},
		}},
		Subject:    fhir.Reference{Reference: patientRef},
		Payload:    []CommunicationPayload{{ContentString: message}},
		AuthoredOn: fhir.FormatDateTime(b.now()),
	}

	bundle := fhir.NewTransaction()
	if err := bundle.AddCreate("CommunicationRequest", id, req); err != nil {
		return nil, err
	}
	return &Instruction{Bundle: bundle, ID: id}, nil
}
