package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/opentutor/opentutor/internal/config"
)

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the bridge or engine.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Model returns the configured generation model name.
	Model() string
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes
// sensor state updates to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	activity   *DailyActivity
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, activity *DailyActivity, stats StatsSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		activity:   activity,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "opentutor-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	// Run the periodic state publish loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "opentutor/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              p.device.Name + " Uptime",
				UniqueID:          p.instanceID + "_uptime",
				StateTopic:        p.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              p.device.Name + " Version",
				UniqueID:          p.instanceID + "_version",
				StateTopic:        p.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "model",
			config: SensorConfig{
				Name:              p.device.Name + " Model",
				UniqueID:          p.instanceID + "_model",
				StateTopic:        p.stateTopic("model"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:brain",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "turns_today",
			config: SensorConfig{
				Name:              p.device.Name + " Turns Today",
				UniqueID:          p.instanceID + "_turns_today",
				StateTopic:        p.stateTopic("turns_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:counter",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "turns",
			},
		},
		{
			entitySuffix: "failures_today",
			config: SensorConfig{
				Name:              p.device.Name + " Failures Today",
				UniqueID:          p.instanceID + "_failures_today",
				StateTopic:        p.stateTopic("failures_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:alert-circle-outline",
				StateClass:        "total_increasing",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "learners_today",
			config: SensorConfig{
				Name:              p.device.Name + " Learners Today",
				UniqueID:          p.instanceID + "_learners_today",
				StateTopic:        p.stateTopic("learners_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:account-group",
				StateClass:        "measurement",
			},
		},
		{
			entitySuffix: "last_turn",
			config: SensorConfig{
				Name:              p.device.Name + " Last Turn",
				UniqueID:          p.instanceID + "_last_turn",
				StateTopic:        p.stateTopic("last_turn"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-check",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":  p.stats.Uptime().Truncate(time.Second).String(),
		"version": p.stats.Version(),
		"model":   p.stats.Model(),
	}

	turns, failures, learners, lastTurn := p.activity.Snapshot()
	states["turns_today"] = strconv.FormatInt(turns, 10)
	states["failures_today"] = strconv.FormatInt(failures, 10)
	states["learners_today"] = strconv.FormatInt(learners, 10)

	if !lastTurn.IsZero() {
		states["last_turn"] = lastTurn.Format(time.RFC3339)
	} else {
		states["last_turn"] = "never"
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
