package models

import "time"

// FireEvent is emitted when an active condition's comparator holds for a reading
type FireEvent struct {
	ConditionID   string        `json:"condition_id"`
	ConditionName string        `json:"condition_name"`
	Category      AlertCategory `json:"category"`
	Severity      Severity      `json:"severity"`
	Parameter     string        `json:"parameter"`
	Comparator    Comparator    `json:"operator"`
	Value         float64       `json:"value"`
	Threshold     float64       `json:"threshold"`
	Unit          string        `json:"unit,omitempty"`
	SensorID      string        `json:"sensor_id"`
	Location      string        `json:"location,omitempty"`
	FiredAt       time.Time     `json:"fired_at"`
}
