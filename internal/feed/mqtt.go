package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// MQTTOptions holds broker connection settings
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ConnectMQTT connects a client that reconnects on its own. The same client
// carries the sensor subscription and siren commands.
func ConnectMQTT(opts MQTTOptions) (mqtt.Client, error) {
	log := logger.WithComponent("mqtt")

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		o.SetPassword(opts.Password)
	}
	o.SetAutoReconnect(true)
	o.SetCleanSession(true)
	o.SetConnectTimeout(10 * time.Second)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(o)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info().Str("broker", opts.Broker).Msg("mqtt connected")
	return client, nil
}

// subscriber is the part of an MQTT client the feed uses
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTFeed queues JSON readings published on a topic filter. When a reading
// has no sensor id it is taken from the first single-level wildcard of the
// filter, so sensors/+/readings names the sensor by topic.
type MQTTFeed struct {
	client       subscriber
	topic        string
	out          chan<- *models.Envelope
	node         string
	queueTimeout time.Duration
	log          zerolog.Logger

	// Held for reading by in-flight handlers; stopped is set under the write lock
	mu      sync.RWMutex
	stopped bool
}

func NewMQTTFeed(client subscriber, topic, nodeID string, out chan<- *models.Envelope) *MQTTFeed {
	return &MQTTFeed{
		client:       client,
		topic:        topic,
		out:          out,
		node:         nodeID,
		queueTimeout: 5 * time.Second,
		log:          logger.WithComponent("mqtt_feed"),
	}
}

// Start subscribes and blocks until ctx is cancelled. Once it returns no
// handler sends on the output channel again.
func (f *MQTTFeed) Start(ctx context.Context) error {
	token := f.client.Subscribe(f.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		f.handle(ctx, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", f.topic, token.Error())
	}
	f.log.Info().Str("topic", f.topic).Msg("mqtt feed subscribed")

	<-ctx.Done()

	if token := f.client.Unsubscribe(f.topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
		f.log.Warn().Err(token.Error()).Msg("failed to unsubscribe")
	}

	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("mqtt feed stopped")
	return nil
}

// handle queues the readings in one message and returns how many were accepted
func (f *MQTTFeed) handle(ctx context.Context, topic string, payload []byte) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return 0
	}

	inputs, err := models.DecodeReadings(payload)
	if err != nil {
		metrics.ReadingsReceived.WithLabelValues("mqtt", "rejected").Inc()
		f.log.Warn().Err(err).Str("topic", topic).Msg("skipping undecodable message")
		return 0
	}

	sensor := wildcardLevel(f.topic, topic)
	accepted := 0
	for _, input := range inputs {
		if input.SensorID == "" {
			input.SensorID = sensor
		}
		reading, err := input.Reading()
		if err != nil {
			metrics.ReadingsReceived.WithLabelValues("mqtt", "rejected").Inc()
			metrics.ReadingValidationErrors.WithLabelValues(models.ErrorField(err)).Inc()
			f.log.Debug().Err(err).Str("topic", topic).Msg("rejected reading")
			continue
		}
		if ctx.Err() != nil {
			return accepted
		}

		select {
		case f.out <- models.NewEnvelope(reading, f.node, "mqtt"):
			accepted++
			metrics.ReadingsReceived.WithLabelValues("mqtt", "accepted").Inc()
		case <-time.After(f.queueTimeout):
			metrics.ReadingsReceived.WithLabelValues("mqtt", "rejected").Inc()
			f.log.Warn().Str("sensor_id", reading.SensorID).Msg("reading dropped, queue full")
		case <-ctx.Done():
			return accepted
		}
	}
	return accepted
}

// wildcardLevel returns the topic level matched by the first + in filter
func wildcardLevel(filter, topic string) string {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if i >= len(tl) {
			break
		}
		if level == "+" {
			return tl[i]
		}
	}
	return ""
}
