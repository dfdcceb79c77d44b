package models

import (
	"errors"
	"math"
	"time"
)

// SensorReading is one timestamped measurement from the sensor feed
type SensorReading struct {
	// Sensor identifier
	SensorID string `json:"sensor_id"`

	// Parameter key, e.g. water_level
	Parameter string `json:"parameter"`

	// Measured value
	Value float64 `json:"value"`

	// Unit as reported by the sensor
	Unit string `json:"unit,omitempty"`

	// Observation time
	ObservedAt time.Time `json:"observed_at"`

	// Source location label
	Location string `json:"location,omitempty"`
}

// Reading validation errors
var (
	ErrEmptySensorID    = errors.New("sensor ID cannot be empty")
	ErrEmptyParameter   = errors.New("parameter cannot be empty")
	ErrNonFiniteValue   = errors.New("value must be a finite number")
	ErrZeroTimestamp    = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp  = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
)

// MaxClockSkew is how far ahead of the local clock an observation may be stamped.
const MaxClockSkew = time.Minute

// Validate checks if the reading can be evaluated
func (r *SensorReading) Validate() error {
	if r.SensorID == "" {
		return &ValidationError{Field: "sensor_id", Reason: ErrEmptySensorID.Error()}
	}

	if r.Parameter == "" {
		return &ValidationError{Field: "parameter", Reason: ErrEmptyParameter.Error()}
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return &ValidationError{Field: "value", Reason: ErrNonFiniteValue.Error()}
	}

	if r.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Reason: ErrZeroTimestamp.Error()}
	}

	if r.ObservedAt.After(time.Now().Add(MaxClockSkew)) {
		return &ValidationError{Field: "observed_at", Reason: ErrFutureTimestamp.Error()}
	}

	return nil
}
