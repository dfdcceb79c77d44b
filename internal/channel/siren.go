package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of an MQTT client the siren channel needs
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// SirenOptions configures the outdoor siren network
type SirenOptions struct {
	TopicPrefix string
	Zones       []string

	// Population covered by all zones, reported as reach
	Coverage int
}

// Siren publishes an activation command to <prefix>/<zone> for every zone at
// QoS 1. The send is sent only when every zone acknowledged.
type Siren struct {
	pub      Publisher
	prefix   string
	zones    []string
	coverage int
	now      func() time.Time
}

type sirenCommand struct {
	Command  string    `json:"command"`
	AlertID  string    `json:"alert_id"`
	Severity string    `json:"severity"`
	Priority int       `json:"priority"`
	Title    string    `json:"title"`
	Area     string    `json:"area,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

func NewSiren(pub Publisher, opts SirenOptions) *Siren {
	return &Siren{
		pub:      pub,
		prefix:   opts.TopicPrefix,
		zones:    append([]string(nil), opts.Zones...),
		coverage: opts.Coverage,
		now:      time.Now,
	}
}

func (s *Siren) Send(ctx context.Context, msg Message) Result {
	if len(s.zones) == 0 {
		return Failed(fmt.Errorf("sirens: no zones configured"))
	}

	payload, err := json.Marshal(sirenCommand{
		Command:  "activate",
		AlertID:  msg.AlertID,
		Severity: string(msg.Severity),
		Priority: msg.Priority,
		Title:    msg.Title,
		Area:     msg.Area,
		IssuedAt: s.now().UTC(),
	})
	if err != nil {
		return Failed(fmt.Errorf("sirens: encode command: %w", err))
	}

	tokens := make([]mqtt.Token, len(s.zones))
	for i, zone := range s.zones {
		tokens[i] = s.pub.Publish(s.prefix+"/"+zone, 1, false, payload)
	}

	for i, token := range tokens {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return Failed(fmt.Errorf("sirens: zone %s: %w", s.zones[i], err))
			}
		case <-ctx.Done():
			return Failed(fmt.Errorf("sirens: zone %s: %w", s.zones[i], ctx.Err()))
		}
	}
	return Sent(s.coverage)
}
