package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotNumeric is wrapped by DataError when a value cannot be read as a number.
var ErrNotNumeric = errors.New("value is not numeric")

// DataError reports a vital-sign value that cannot be interpreted as a number.
// Field is always the canonical key (hr, spo2, ...), even when an alias was sent.
type DataError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("vital sign %s: %v (got %v)", e.Field, e.Err, e.Value)
}

func (e *DataError) Unwrap() error { return e.Err }

type vitalField struct {
	key     string
	aliases []string
	set     func(*VitalsSnapshot, float64)
	get     func(VitalsSnapshot) float64
}

// vitalFields is ordered; ParseVitals reports the first bad field in this order.
var vitalFields = []vitalField{
	{"hr", []string{"heart_rate"}, func(v *VitalsSnapshot, f float64) { v.HR = f }, func(v VitalsSnapshot) float64 { return v.HR }},
	{"spo2", []string{"oxygen_saturation"}, func(v *VitalsSnapshot, f float64) { v.SpO2 = f }, func(v VitalsSnapshot) float64 { return v.SpO2 }},
	{"hrv", []string{"heart_rate_variability"}, func(v *VitalsSnapshot, f float64) { v.HRV = f }, func(v VitalsSnapshot) float64 { return v.HRV }},
	{"sys_bp", []string{"systolic_bp"}, func(v *VitalsSnapshot, f float64) { v.SysBP = f }, func(v VitalsSnapshot) float64 { return v.SysBP }},
	{"dia_bp", []string{"diastolic_bp"}, func(v *VitalsSnapshot, f float64) { v.DiaBP = f }, func(v VitalsSnapshot) float64 { return v.DiaBP }},
	{"resp", []string{"respiratory_rate"}, func(v *VitalsSnapshot, f float64) { v.Resp = f }, func(v VitalsSnapshot) float64 { return v.Resp }},
	{"stress", []string{"stress_score"}, func(v *VitalsSnapshot, f float64) { v.Stress = f }, func(v VitalsSnapshot) float64 { return v.Stress }},
	{"sleep", []string{"sleep_hours"}, func(v *VitalsSnapshot, f float64) { v.Sleep = f }, func(v VitalsSnapshot) float64 { return v.Sleep }},
}

// ParseVitals reads a raw key/value mapping into a snapshot. Missing or null
// keys keep their default; unknown keys are ignored. The canonical key wins
// over an alias when both are present.
func ParseVitals(raw map[string]interface{}) (VitalsSnapshot, error) {
	v := DefaultVitals()
	for _, f := range vitalFields {
		val, ok := lookup(raw, f)
		if !ok || val == nil {
			continue
		}
		n, err := toFloat(val)
		if err != nil {
			return VitalsSnapshot{}, &DataError{Field: f.key, Value: val, Err: err}
		}
		f.set(&v, n)
	}
	return v, nil
}

func lookup(raw map[string]interface{}, f vitalField) (interface{}, bool) {
	if val, ok := raw[f.key]; ok && val != nil {
		return val, true
	}
	for _, alias := range f.aliases {
		if val, ok := raw[alias]; ok && val != nil {
			return val, true
		}
	}
	return nil, false
}

// Validate rejects NaN and infinite fields of a snapshot built in code.
func (v VitalsSnapshot) Validate() error {
	for _, f := range vitalFields {
		n := f.get(v)
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return &DataError{Field: f.key, Value: n, Err: ErrNotNumeric}
		}
	}
	return nil
}

func toFloat(val interface{}) (float64, error) {
	var n float64
	switch x := val.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int8:
		n = float64(x)
	case int16:
		n = float64(x)
	case int32:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint:
		n = float64(x)
	case uint8:
		n = float64(x)
	case uint16:
		n = float64(x)
	case uint32:
		n = float64(x)
	case uint64:
		n = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, ErrNotNumeric
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		n = f
	default:
		return 0, ErrNotNumeric
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, ErrNotNumeric
	}
	return n, nil
}
