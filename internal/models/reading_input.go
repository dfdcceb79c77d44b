package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReadingInput is the wire form of a reading accepted by every feed
type ReadingInput struct {
	SensorID  string   `json:"sensor_id"`
	Parameter string   `json:"parameter"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit,omitempty"`
	Timestamp string   `json:"timestamp"` // String for flexible parsing
	Location  string   `json:"location,omitempty"`
}

// ReadingBatch is the {"readings": [...]} request shape
type ReadingBatch struct {
	Readings []ReadingInput `json:"readings"`
}

// ErrNoReadings is returned when a payload carries no readings
var ErrNoReadings = errors.New("no readings provided")

// DecodeReadings accepts a single reading object, an array of readings or a
// {"readings": [...]} batch.
func DecodeReadings(data []byte) ([]ReadingInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoReadings
	}

	if data[0] == '[' {
		var inputs []ReadingInput
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("invalid JSON format: %w", err)
		}
		if len(inputs) == 0 {
			return nil, ErrNoReadings
		}
		return inputs, nil
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
	}

	if _, ok := shape["readings"]; ok {
		var batch ReadingBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("invalid JSON format: %w", err)
		}
		if len(batch.Readings) == 0 {
			return nil, ErrNoReadings
		}
		return batch.Readings, nil
	}

	var single ReadingInput
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	return []ReadingInput{single}, nil
}

// Reading converts the input into a normalized, validated SensorReading
func (in ReadingInput) Reading() (*SensorReading, error) {
	if in.Value == nil {
		return nil, &ValidationError{Field: "value", Reason: "value is required"}
	}
	if strings.TrimSpace(in.Timestamp) == "" {
		return nil, &ValidationError{Field: "timestamp", Reason: ErrZeroTimestamp.Error()}
	}
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	r := &SensorReading{
		SensorID:   in.SensorID,
		Parameter:  in.Parameter,
		Value:      *in.Value,
		Unit:       in.Unit,
		ObservedAt: ts,
		Location:   in.Location,
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// ErrorField returns the offending field of a ValidationError, or "unknown"
func ErrorField(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		return ve.Field
	}
	return "unknown"
}
