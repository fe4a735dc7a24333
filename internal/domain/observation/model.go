package observation

import (
	"github.com/ehr/riskwatch/internal/platform/fhir"
)

const (
	LOINCSystem            = "http://loinc.org"
	UCUMSystem             = "http://unitsofmeasure.org"
	ObservationCategorySys = "http://terminology.hl7.org/CodeSystem/observation-category"
	CommunicationCategory  = "http://terminology.hl7.org/CodeSystem/communication-category"
	GeolocationExtension   = "http://hl7.org/fhir/StructureDefinition/geolocation"
	DefaultIdentifierSys   = "http://hospital.org/id"
)

// Subject identifies the wearer uploading vitals.
type Subject struct {
	Identifier string `json:"identifier"`
	System     string `json:"system,omitempty"`
	Given      string `json:"given,omitempty"`
	Family     string `json:"family,omitempty"`
	Gender     string `json:"gender,omitempty"`
}

// Location is the device position at measurement time.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VitalsUpload is a serialized vitals upload ready for delivery.
type VitalsUpload struct {
	Bundle             *fhir.Bundle `json:"bundle"`
	PatientID          string       `json:"patient_id"`
	FirstObservationID string       `json:"first_observation_id"`
	ObservationIDs     []string     `json:"observation_ids"`
}

// Instruction is a serialized clinician message.
type Instruction struct {
	Bundle *fhir.Bundle `json:"bundle"`
	ID     string       `json:"id"`
}

type PatientResource struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Identifier   []fhir.Identifier `json:"identifier"`
	Name         []fhir.HumanName  `json:"name,omitempty"`
	Gender       string            `json:"gender"`
}

type ObservationComponent struct {
	Code          fhir.CodeableConcept `json:"code"`
	ValueQuantity fhir.Quantity        `json:"valueQuantity"`
}

type ObservationResource struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id"`
	Status            string                 `json:"status"`
	Category          []fhir.CodeableConcept `json:"category"`
	Code              fhir.CodeableConcept   `json:"code"`
	Subject           fhir.Reference         `json:"subject"`
	EffectiveDateTime string                 `json:"effectiveDateTime"`
	ValueQuantity     *fhir.Quantity         `json:"valueQuantity,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
	Extension         []fhir.Extension       `json:"extension,omitempty"`
}

type CommunicationRequestResource struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	Priority     string                 `json:"priority"`
	Category     []fhir.CodeableConcept `json:"category"`
	Subject      fhir.Reference         `json:"subject"`
	Payload      []CommunicationPayload `json:"payload"`
	AuthoredOn   string                 `json:"authoredOn"`
}

type CommunicationPayload struct {
	ContentString string `json:"contentString"`
}
