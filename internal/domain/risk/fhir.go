package risk

import (
	"fmt"
	"strings"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

const (
	ClassificationSystem  = "http://riskwatch.dev/fhir/CodeSystem/vitals-classification"
	MethodSystem          = "http://riskwatch.dev/fhir/CodeSystem/assessment-method"
	MethodCode            = "vitals-threshold"
	RiskProbabilitySystem = "http://terminology.hl7.org/CodeSystem/risk-probability"

	// FHIR request-priority code for an immediate order.
	FHIRPriorityStat = "stat"
)

type RiskAssessmentResource struct {
	ResourceType       string                `json:"resourceType"`
	ID                 string                `json:"id"`
	Status             string                `json:"status"`
	Method             *fhir.CodeableConcept `json:"method,omitempty"`
	Subject            fhir.Reference        `json:"subject"`
	OccurrenceDateTime string                `json:"occurrenceDateTime"`
	Basis              []fhir.Reference      `json:"basis,omitempty"`
	Prediction         []RiskPrediction      `json:"prediction"`
	Note               []fhir.Annotation     `json:"note,omitempty"`
}

type RiskPrediction struct {
	Outcome            fhir.CodeableConcept `json:"outcome"`
	ProbabilityDecimal float64              `json:"probabilityDecimal"`
	QualitativeRisk    fhir.CodeableConcept `json:"qualitativeRisk"`
}

type ServiceRequestResource struct {
	ResourceType    string               `json:"resourceType"`
	ID              string               `json:"id"`
	Status          string               `json:"status"`
	Intent          string               `json:"intent"`
	Priority        string               `json:"priority"`
	Code            fhir.CodeableConcept `json:"code"`
	Subject         fhir.Reference       `json:"subject"`
	AuthoredOn      string               `json:"authoredOn"`
	ReasonReference []fhir.Reference     `json:"reasonReference,omitempty"`
}

// ToFHIR converts the report to a FHIR RiskAssessment.
func (r *RiskReport) ToFHIR() RiskAssessmentResource {
	res := RiskAssessmentResource{
		ResourceType: "RiskAssessment",
		ID:           r.ID,
		Status:       "final",
		Method: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: MethodSystem, Code: MethodCode, Display: "Vital sign threshold ladder"}},
		},
		Subject:            fhir.Reference{Reference: fhir.FormatReference("Patient", r.PatientID)},
		OccurrenceDateTime: fhir.FormatDateTime(r.Timestamp),
		Prediction: []RiskPrediction{{
			Outcome: fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: ClassificationSystem, Code: string(r.Classification)}},
				Text:   r.Description,
			},
			ProbabilityDecimal: r.Probability,
			QualitativeRisk: fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: RiskProbabilitySystem, Code: string(r.RiskLevel)}},
			},
		}},
	}
	for _, b := range r.Basis {
		res.Basis = append(res.Basis, fhir.Reference{Reference: basisReference(b)})
	}
	for _, reason := range r.Reasons {
		res.Note = append(res.Note, fhir.Annotation{Text: reason})
	}
	return res
}

// basisReference accepts a bare Observation id or an already formed reference.
func basisReference(b string) string {
	if strings.Contains(b, "/") || strings.Contains(b, ":") {
		return b
	}
	return fhir.FormatReference("Observation", b)
}

// ToFHIR converts the order to a FHIR ServiceRequest whose reason is reportRef.
func (o *EscalationOrder) ToFHIR(reportRef string) ServiceRequestResource {
	return ServiceRequestResource{
		ResourceType: "ServiceRequest",
		ID:           o.ID,
		Status:       o.Status,
		Intent:       o.Intent,
		Priority:     fhirPriority(o.Priority),
		Code: fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: SNOMEDSystem, Code: o.Code, Display: o.Display}},
			Text:   o.Display,
		},
		Subject:         fhir.Reference{Reference: fhir.FormatReference("Patient", o.PatientID)},
		AuthoredOn:      fhir.FormatDateTime(o.AuthoredOn),
		ReasonReference: []fhir.Reference{{Reference: reportRef}},
	}
}

func fhirPriority(p string) string {
	if p == PriorityImmediate {
		return FHIRPriorityStat
	}
	return p
}

// BuildTransaction serializes a report and optional order into one transaction
// bundle. The order's reasonReference points at the report entry's fullUrl.
func BuildTransaction(report *RiskReport, order *EscalationOrder) (*fhir.Bundle, error) {
	if report == nil {
		return nil, fmt.Errorf("report is required")
	}
	if order != nil && order.ReportID != report.ID {
		return nil, fmt.Errorf("order %s references report %s, not %s", order.ID, order.ReportID, report.ID)
	}

	b := fhir.NewTransaction()
	if err := b.AddCreate("RiskAssessment", report.ID, report.ToFHIR()); err != nil {
		return nil, err
	}
	if order != nil {
		if err := b.AddCreate("ServiceRequest", order.ID, order.ToFHIR(fhir.URNReference(report.ID))); err != nil {
			return nil, err
		}
	}
	if err := fhir.ValidateReferences(b); err != nil {
		return nil, err
	}
	return b, nil
}

// BuildOrderTransaction serializes a stand-alone order against a report that
// is already stored, e.g. "RiskAssessment/123".
func BuildOrderTransaction(order *EscalationOrder, reportRef string) (*fhir.Bundle, error) {
	if order == nil {
		return nil, fmt.Errorf("order is required")
	}
	if reportRef == "" {
		return nil, fmt.Errorf("report reference is required")
	}
	b := fhir.NewTransaction()
	if err := b.AddCreate("ServiceRequest", order.ID, order.ToFHIR(reportRef)); err != nil {
		return nil, err
	}
	if err := fhir.ValidateReferences(b); err != nil {
		return nil, err
	}
	return b, nil
}
