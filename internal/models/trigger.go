package models

import (
	"math"
	"strings"
	"time"
)

// TriggerCategory is the sensor domain a condition watches
type TriggerCategory string

const (
	CategoryWeather TriggerCategory = "weather"
	CategorySeismic TriggerCategory = "seismic"
	CategoryWater   TriggerCategory = "water"
	CategoryAir     TriggerCategory = "air"
	CategoryManual  TriggerCategory = "manual"
)

// IsValid checks if the trigger category is known
func (c TriggerCategory) IsValid() bool {
	switch c {
	case CategoryWeather, CategorySeismic, CategoryWater, CategoryAir, CategoryManual:
		return true
	default:
		return false
	}
}

// Comparator is the relation applied as (reading value) OP (threshold)
type Comparator string

const (
	Greater        Comparator = ">"
	Less           Comparator = "<"
	Equal          Comparator = "="
	GreaterOrEqual Comparator = ">="
	LessOrEqual    Comparator = "<="
)

// IsValid checks if the comparator is one of the supported operators
func (c Comparator) IsValid() bool {
	switch c {
	case Greater, Less, Equal, GreaterOrEqual, LessOrEqual:
		return true
	default:
		return false
	}
}

// Holds applies the comparator to value and threshold. No unit conversion happens here.
func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case Greater:
		return value > threshold
	case Less:
		return value < threshold
	case Equal:
		return value == threshold
	case GreaterOrEqual:
		return value >= threshold
	case LessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

// Severity is shared by conditions and the alerts they produce
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// DefaultPriority maps a severity onto the 1-5 priority scale.
func (s Severity) DefaultPriority() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	default:
		return 2
	}
}

// TriggerCondition is a named rule comparing a sensor parameter to a threshold
type TriggerCondition struct {
	// Stable identifier
	ID string `json:"id"`

	// Operator-facing name
	Name string `json:"name"`

	// Domain category of the watched sensor
	Category TriggerCategory `json:"category"`

	// Parameter key matched against SensorReading.Parameter
	Parameter string `json:"parameter"`

	Comparator Comparator `json:"operator"`
	Threshold  float64    `json:"threshold"`

	// Display only, never evaluated
	Unit string `json:"unit,omitempty"`

	Active bool `json:"active"`

	// Category and severity of the alert raised when the condition fires
	AlertCategory AlertCategory `json:"alert_category"`
	Severity      Severity      `json:"severity"`

	// Fire history, mutated only by RecordFire
	TriggerCount    int64      `json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Normalize trims free text and lower-cases enumerations
func (c *TriggerCondition) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Parameter = strings.ToLower(strings.TrimSpace(c.Parameter))
	c.Category = TriggerCategory(strings.ToLower(strings.TrimSpace(string(c.Category))))
	c.Comparator = Comparator(strings.TrimSpace(string(c.Comparator)))
	c.AlertCategory = AlertCategory(strings.ToLower(strings.TrimSpace(string(c.AlertCategory))))
	c.Severity = Severity(strings.ToLower(strings.TrimSpace(string(c.Severity))))
	c.Unit = strings.TrimSpace(c.Unit)
}

// Validate checks required fields and the parameter catalog
func (c *TriggerCondition) Validate() error {
	if c.Name == "" {
		return Invalid("name", "cannot be empty")
	}
	if !c.Category.IsValid() {
		return Invalid("category", "unknown category %q", c.Category)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		return Invalid("threshold", "must be a finite number")
	}
	if !c.Comparator.IsValid() {
		return Invalid("operator", "unknown comparator %q", c.Comparator)
	}
	spec, ok := LookupParameter(c.Parameter)
	if !ok {
		return Invalid("parameter", "unrecognized parameter %q", c.Parameter)
	}
	if !spec.Supports(c.Comparator) {
		return Invalid("operator", "comparator %q not allowed for %q", c.Comparator, c.Parameter)
	}
	if !c.AlertCategory.IsValid() {
		return Invalid("alert_category", "unknown alert category %q", c.AlertCategory)
	}
	if !c.Severity.IsValid() {
		return Invalid("severity", "unknown severity %q", c.Severity)
	}
	return nil
}

// Matches reports whether the reading satisfies this condition, ignoring Active.
func (c *TriggerCondition) Matches(r *SensorReading) bool {
	return c.Parameter == r.Parameter && c.Comparator.Holds(r.Value, c.Threshold)
}

// Clone returns a deep copy safe to hand out of a store
func (c *TriggerCondition) Clone() *TriggerCondition {
	out := *c
	if c.LastTriggeredAt != nil {
		t := *c.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	return &out
}
