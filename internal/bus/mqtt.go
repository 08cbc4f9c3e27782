package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/core"
)

// MQTTObserver publishes status events to {topic}/{status}.
type MQTTObserver struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTTObserver(cfg config.MQTTConfig, logger *slog.Logger) *MQTTObserver {
	if cfg.Topic == "" {
		cfg.Topic = "knowledgepitt/jobs"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "knowledgepitt"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTObserver{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt"),
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

func (o *MQTTObserver) Connect(ctx context.Context) error {
	broker := o.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(o.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		o.setConnected(true)
		o.logger.Info("mqtt connection established", "broker", broker, "client_id", o.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		o.setConnected(false)
		o.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "err", err)
	}

	o.client = mqtt.NewClient(opts)

	token := o.client.Connect()
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		// stop the background connect retries
		o.client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	o.setConnected(true)
	return nil
}

func (o *MQTTObserver) ID() string { return "mqtt" }

func (o *MQTTObserver) Deliver(event core.StatusEvent) error {
	if !o.isConnected() {
		o.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := Topic(o.cfg.Topic, event.Status)
	payload, err := json.Marshal(NewMessage(event, o.now()))
	if err != nil {
		o.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := o.client.Publish(topic, o.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		o.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		o.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	o.mu.Lock()
	o.published[topic]++
	o.mu.Unlock()

	o.logger.Debug("event published", "topic", topic, "qos", o.cfg.QoS, "size", len(payload))
	return nil
}

func (o *MQTTObserver) Disconnect() {
	if o.client != nil && o.client.IsConnected() {
		o.client.Disconnect(250)
		o.logger.Info("mqtt disconnected")
	}
	o.setConnected(false)
}

type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (o *MQTTObserver) Stats() MQTTStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	published := make(map[string]uint64, len(o.published))
	for k, v := range o.published {
		published[k] = v
	}
	return MQTTStats{Connected: o.connected, Published: published, Errors: o.errors}
}

// Topic builds the per-status topic under base.
func Topic(base string, status core.JobStatus) string {
	return strings.TrimSuffix(base, "/") + "/" + string(status)
}

func (o *MQTTObserver) setConnected(v bool) {
	o.mu.Lock()
	o.connected = v
	o.mu.Unlock()
}

func (o *MQTTObserver) isConnected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.connected
}

func (o *MQTTObserver) countError() {
	o.mu.Lock()
	o.errors++
	o.mu.Unlock()
}
