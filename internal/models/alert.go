package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// AlertCategory classifies an emergency alert for channel routing
type AlertCategory string

const (
	AlertFlood      AlertCategory = "flood"
	AlertEarthquake AlertCategory = "earthquake"
	AlertStorm      AlertCategory = "storm"
	AlertHeat       AlertCategory = "heat"
	AlertAirQuality AlertCategory = "air_quality"
	AlertFire       AlertCategory = "fire"
	AlertEvacuation AlertCategory = "evacuation"
	AlertGeneral    AlertCategory = "general"
)

// IsValid checks if the alert category is known
func (c AlertCategory) IsValid() bool {
	switch c {
	case AlertFlood, AlertEarthquake, AlertStorm, AlertHeat,
		AlertAirQuality, AlertFire, AlertEvacuation, AlertGeneral:
		return true
	default:
		return false
	}
}

// AlertStatus is a lifecycle state: draft -> active -> expired | cancelled
type AlertStatus string

const (
	StatusDraft     AlertStatus = "draft"
	StatusActive    AlertStatus = "active"
	StatusExpired   AlertStatus = "expired"
	StatusCancelled AlertStatus = "cancelled"
)

// IsValid checks if the status is a lifecycle state
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted.
func (s AlertStatus) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Outcome of one channel send
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
)

// DeliveryRecord is the immutable outcome of sending an alert through one channel.
// A retry produces a new record.
type DeliveryRecord struct {
	Channel    string    `json:"channel"`
	Outcome    Outcome   `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`

	// Audience reached; set only when Outcome is sent
	Reach *int `json:"reach,omitempty"`

	// Dispatch batch this record belongs to, starting at 1
	Attempt int `json:"attempt"`

	// Short failure reason for failed records
	Error string `json:"error,omitempty"`
}

// EmergencyAlert is an alert message and its delivery history
type EmergencyAlert struct {
	ID       string        `json:"id"`
	Category AlertCategory `json:"category"`
	Severity Severity      `json:"severity"`
	Title    string        `json:"title"`
	Body     string        `json:"body"`

	// Affected-area label
	Area string `json:"area,omitempty"`

	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Status    AlertStatus `json:"status"`

	// Selected channel ids in send order
	Channels []string `json:"channels"`

	// Append-only delivery history ("sentTo")
	Deliveries []DeliveryRecord `json:"deliveries"`

	// 1-5, 5 highest
	Priority int `json:"priority"`

	// Condition that auto-fired this alert, empty for manual alerts
	TriggerID string `json:"trigger_id,omitempty"`
}

// Alert input limits
const (
	MinPriority    = 1
	MaxPriority    = 5
	MaxTitleLength = 256
	MaxBodyLength  = 4096
)

// TruncateRunes cuts s to at most n characters without splitting a rune
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Normalize trims free text, lower-cases enumerations, drops blank and
// duplicate channel ids and fills the priority from severity when unset
func (a *EmergencyAlert) Normalize() {
	a.Title = strings.TrimSpace(a.Title)
	a.Body = strings.TrimSpace(a.Body)
	a.Area = strings.TrimSpace(a.Area)
	a.Category = AlertCategory(strings.ToLower(strings.TrimSpace(string(a.Category))))
	a.Severity = Severity(strings.ToLower(strings.TrimSpace(string(a.Severity))))

	seen := make(map[string]struct{}, len(a.Channels))
	channels := make([]string, 0, len(a.Channels))
	for _, ch := range a.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	a.Channels = channels

	if a.Priority == 0 {
		a.Priority = a.Severity.DefaultPriority()
	}
}

// Validate checks the fields required to create an alert
func (a *EmergencyAlert) Validate() error {
	if a.Title == "" {
		return Invalid("title", "cannot be empty")
	}
	if utf8.RuneCountInString(a.Title) > MaxTitleLength {
		return Invalid("title", "exceeds %d characters", MaxTitleLength)
	}
	if a.Body == "" {
		return Invalid("body", "cannot be empty")
	}
	if utf8.RuneCountInString(a.Body) > MaxBodyLength {
		return Invalid("body", "exceeds %d characters", MaxBodyLength)
	}
	if !a.Category.IsValid() {
		return Invalid("category", "unknown alert category %q", a.Category)
	}
	if !a.Severity.IsValid() {
		return Invalid("severity", "unknown severity %q", a.Severity)
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return Invalid("priority", "must be between %d and %d", MinPriority, MaxPriority)
	}
	if len(a.Channels) == 0 {
		return Invalid("channels", "at least one channel is required")
	}
	return nil
}

// Reach is the audience reached across all sent deliveries. It is derived, never stored.
func (a *EmergencyAlert) Reach() int {
	total := 0
	for _, d := range a.Deliveries {
		if d.Outcome == OutcomeSent && d.Reach != nil {
			total += *d.Reach
		}
	}
	return total
}

// Attempts returns the number of dispatch batches recorded so far.
func (a *EmergencyAlert) Attempts() int {
	attempts := 0
	for _, d := range a.Deliveries {
		if d.Attempt > attempts {
			attempts = d.Attempt
		}
	}
	return attempts
}

// Expired reports whether the alert's expiry has passed at now.
func (a *EmergencyAlert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Clone returns a deep copy safe to hand out of a store
func (a *EmergencyAlert) Clone() *EmergencyAlert {
	out := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Channels = append([]string(nil), a.Channels...)
	out.Deliveries = make([]DeliveryRecord, len(a.Deliveries))
	for i, d := range a.Deliveries {
		if d.Reach != nil {
			r := *d.Reach
			d.Reach = &r
		}
		out.Deliveries[i] = d
	}
	return &out
}
