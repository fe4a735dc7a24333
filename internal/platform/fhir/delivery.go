package fhir

import (
	"errors"
	"fmt"
)

// DeliveryError reports that a Clinical Record Store did not accept a
// transaction: transport failure, non-2xx status, an unreadable answer or a
// storage failure. StatusCode is zero when no HTTP response was received.
type DeliveryError struct {
	StatusCode int
	Outcome    *OperationOutcome
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := "delivery failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if s := e.Outcome.Summary(); s != "" {
		msg += ": " + s
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// AsDeliveryError unwraps err into a *DeliveryError when it is one.
func AsDeliveryError(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Receipt is a Clinical Record Store's acknowledgement of a transaction.
// Locations maps each request entry fullUrl to the location the store assigned.
type Receipt struct {
	Store      string            `json:"store"`
	StatusCode int               `json:"status_code"`
	Locations  map[string]string `json:"locations"`
}

// Location returns the store location for a bundle-local id, if known.
func (r *Receipt) Location(id string) (string, bool) {
	if r == nil {
		return "", false
	}
	loc, ok := r.Locations[URNReference(id)]
	return loc, ok && loc != ""
}
