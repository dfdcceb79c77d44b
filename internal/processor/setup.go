package processor

import (
	"context"
	"fmt"

	"beacon/internal/channel"
	"beacon/internal/config"
	"beacon/internal/dispatch"
	"beacon/internal/engine"
	"beacon/internal/feed"
	"beacon/internal/kafka"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/state"
	"beacon/internal/storage"
	"beacon/internal/worker"
)

// Setup builds every component from the config without starting anything
// that runs in the background.
func (p *Processor) Setup(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", p.initStorage},
		{"cooldowns", p.initCooldowns},
		{"kafka producer", p.initProducer},
		{"mqtt", p.initMQTT},
		{"channels", p.initChannels},
		{"pipeline", p.initPipeline},
		{"feeds", p.initFeeds},
		{"triggers", p.seedTriggers},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}
	p.initHTTPServer()
	return nil
}

func (p *Processor) initStorage(ctx context.Context) error {
	log := logger.WithComponent("processor")

	switch p.cfg.Storage.Backend {
	case "postgres":
		db, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
			DSN:      p.cfg.Storage.PostgresDSN,
			MaxConns: p.cfg.Storage.MaxConns,
			MaxIdle:  p.cfg.Storage.MaxIdle,
		})
		if err != nil {
			return err
		}
		if err := storage.Migrate(ctx, db); err != nil {
			db.Close()
			return err
		}
		p.triggers = storage.NewPostgresTriggers(db)
		p.alerts = storage.NewPostgresAlerts(db, p.clock)
	default:
		p.triggers = storage.NewMemoryTriggers()
		p.alerts = storage.NewMemoryAlerts(p.clock)
	}

	log.Info().Str("backend", p.cfg.Storage.Backend).Msg("stores initialized")
	return nil
}

func (p *Processor) initCooldowns(ctx context.Context) error {
	log := logger.WithComponent("processor")

	switch p.cfg.State.Backend {
	case "redis":
		c, err := state.NewRedisCooldowns(ctx, state.RedisConfig{
			Addr:      p.cfg.State.RedisAddr,
			Password:  p.cfg.State.RedisPassword,
			DB:        p.cfg.State.RedisDB,
			KeyPrefix: p.cfg.State.KeyPrefix,
		})
		if err != nil {
			return err
		}
		p.cooldowns = c
	default:
		p.cooldowns = state.NewMemoryCooldowns(p.clock)
	}

	log.Info().Str("backend", p.cfg.State.Backend).Msg("cooldown leases initialized")
	return nil
}

func (p *Processor) initProducer(ctx context.Context) error {
	if !p.cfg.Kafka.Enabled {
		return nil
	}

	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.AuditTopic, p.cfg.Kafka.Producer)
	if err != nil {
		return err
	}
	p.producer = producer

	log := logger.WithComponent("processor")
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.AuditTopic).
		Msg("kafka producer initialized")
	return nil
}

func (p *Processor) initMQTT(ctx context.Context) error {
	if !p.cfg.MQTT.Enabled {
		return nil
	}

	client, err := feed.ConnectMQTT(feed.MQTTOptions{
		Broker:   p.cfg.MQTT.Broker,
		ClientID: p.cfg.MQTT.ClientID,
		Username: p.cfg.MQTT.Username,
		Password: p.cfg.MQTT.Password,
	})
	if err != nil {
		return err
	}
	p.mqttClient = client
	return nil
}

// initChannels registers every enabled channel adapter
func (p *Processor) initChannels(ctx context.Context) error {
	log := logger.WithComponent("processor")
	ch := p.cfg.Channels
	p.registry = channel.NewRegistry(p.cfg.Dispatch.DefaultTimeout.D())

	gateways := []struct {
		id  string
		cfg config.GatewayConfig
	}{
		{"sms", ch.SMS},
		{"social", ch.Social},
		{"radio", ch.Radio},
	}
	for _, g := range gateways {
		if !g.cfg.Enabled {
			continue
		}
		if g.cfg.URL == "" {
			return fmt.Errorf("channel %s: url is required", g.id)
		}
		gw := channel.NewHTTPGateway(g.id, channel.GatewayOptions{
			URL:     g.cfg.URL,
			Token:   g.cfg.Token,
			Timeout: g.cfg.Timeout.D(),
		})
		if err := p.registry.Register(g.id, gw, g.cfg.Timeout.D()); err != nil {
			return err
		}
	}

	if ch.Email.Enabled {
		email := channel.NewEmail(channel.EmailOptions{
			Host:       ch.Email.Host,
			Port:       ch.Email.Port,
			Username:   ch.Email.Username,
			Password:   ch.Email.Password,
			From:       ch.Email.From,
			Recipients: ch.Email.Recipients,
		})
		if err := p.registry.Register("email", email, ch.Email.Timeout.D()); err != nil {
			return err
		}
	}

	if ch.Sirens.Enabled {
		if p.mqttClient == nil {
			return fmt.Errorf("channel sirens: mqtt is not connected")
		}
		siren := channel.NewSiren(p.mqttClient, channel.SirenOptions{
			TopicPrefix: ch.Sirens.TopicPrefix,
			Zones:       ch.Sirens.Zones,
			Coverage:    ch.Sirens.Coverage,
		})
		if err := p.registry.Register("sirens", siren, ch.Sirens.Timeout.D()); err != nil {
			return err
		}
	}

	registered := make(map[string]bool)
	for _, id := range p.registry.IDs() {
		registered[id] = true
	}
	for category, ids := range p.cfg.DefaultChannels() {
		for _, id := range ids {
			if !registered[id] {
				log.Warn().
					Str("category", string(category)).
					Str("channel", id).
					Msg("default channel not configured, its deliveries will fail")
			}
		}
	}

	log.Info().Strs("channels", p.registry.IDs()).Msg("channel registry initialized")
	return nil
}

// initPipeline wires the engine, dispatcher, sweeper and worker pool
func (p *Processor) initPipeline(ctx context.Context) error {
	var audit dispatch.AuditPublisher
	if p.producer != nil {
		p.auditQueue = dispatch.NewAuditQueue(p.producer, dispatch.AuditQueueOptions{
			Size:    p.cfg.Kafka.Producer.QueueSize,
			Timeout: p.cfg.Kafka.Producer.PublishTimeout.D(),
		})
		audit = p.auditQueue
	}

	p.engine = engine.New(p.triggers, p.alerts, p.cooldowns, engine.Options{
		Cooldown: p.cfg.Engine.Cooldown.D(),
		Clock:    p.clock,
	})

	p.dispatcher = dispatch.New(p.alerts, p.registry, audit, dispatch.Options{
		DefaultChannels: p.cfg.DefaultChannels(),
		AutoAlertTTL:    p.cfg.Dispatch.AutoAlertTTL.D(),
		Clock:           p.clock,
		NodeID:          p.node,
	})

	p.sweeper = dispatch.NewSweeper(p.alerts, audit, dispatch.SweeperOptions{
		Interval: p.cfg.Dispatch.SweepInterval.D(),
		Clock:    p.clock,
		NodeID:   p.node,
	})

	p.workerPool = worker.NewPool(worker.Config{
		Evaluator:      p.engine,
		Dispatcher:     p.dispatcher,
		EnvelopeChan:   p.envelopeChan,
		Workers:        p.cfg.Worker.Workers,
		ProcessTimeout: p.cfg.Worker.ProcessTimeout.D(),
	})
	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	log := logger.WithComponent("processor")
	log.Info().
		Int("workers", p.cfg.Worker.Workers).
		Dur("cooldown", p.cfg.Engine.Cooldown.D()).
		Msg("pipeline initialized")
	return nil
}

func (p *Processor) initFeeds(ctx context.Context) error {
	if p.cfg.Kafka.Enabled && p.cfg.Kafka.ReadingTopic != "" {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: p.cfg.Kafka.Brokers,
			Topic:   p.cfg.Kafka.ReadingTopic,
			GroupID: p.cfg.Kafka.GroupID,
			NodeID:  p.node,
		}, p.envelopeChan)
		if err != nil {
			return err
		}
		p.consumer = consumer
	}

	if p.mqttClient != nil && p.cfg.MQTT.SensorTopic != "" {
		p.mqttFeed = feed.NewMQTTFeed(p.mqttClient, p.cfg.MQTT.SensorTopic, p.node, p.envelopeChan)
	}
	return nil
}

// seedTriggers loads the configured conditions into an empty store
func (p *Processor) seedTriggers(ctx context.Context) error {
	if len(p.cfg.Triggers) == 0 {
		return nil
	}

	existing, err := p.triggers.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for i, seed := range p.cfg.Triggers {
		c, err := p.triggers.Upsert(ctx, seed.Condition())
		if err != nil {
			return fmt.Errorf("trigger %d (%s): %w", i, seed.Name, err)
		}
		log := logger.ForCondition("processor", c.ID)
		log.Info().
			Str("name", c.Name).
			Str("parameter", c.Parameter).
			Msg("trigger condition seeded")
	}
	return nil
}
