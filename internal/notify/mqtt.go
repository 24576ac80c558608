// Package notify forwards engine events to site systems: an MQTT broker and
// an object store for detection snapshots.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"hazardwatch/internal/pipeline"
)

// Publisher sends one MQTT message
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
}

// MQTTClient wraps a connected paho client
type MQTTClient struct {
	client mqtt.Client
}

// NewMQTTClient connects to the broker. The client reconnects on its own
// after the first successful connect.
func NewMQTTClient(cfg MQTTConfig) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}
	return &MQTTClient{client: cli}, nil
}

// Publish implements Publisher.
func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects, waiting briefly for in-flight messages.
func (c *MQTTClient) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// MQTTPublisher mirrors engine events onto topics under a base prefix:
//
//	<base>/events/<type>          every event, not retained
//	<base>/cameras/<id>/status    latest camera record, retained
//	<base>/safety                 latest safety score, retained
type MQTTPublisher struct {
	pub  Publisher
	base string
	log  zerolog.Logger
}

// NewMQTTPublisher creates a publisher writing under baseTopic.
func NewMQTTPublisher(pub Publisher, baseTopic string, log zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{pub: pub, base: strings.TrimRight(baseTopic, "/"), log: log}
}

// Run publishes events until ctx is done or events closes.
func (p *MQTTPublisher) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Handle(ev); err != nil {
				p.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("mqtt publish failed")
			}
		}
	}
}

// Handle publishes one event.
func (p *MQTTPublisher) Handle(ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.pub.Publish(p.base+"/events/"+string(ev.Type), 0, false, payload); err != nil {
		return err
	}

	switch ev.Type {
	case pipeline.EventCameraUpdated:
		if ev.Camera == nil {
			return nil
		}
		status, err := json.Marshal(ev.Camera)
		if err != nil {
			return fmt.Errorf("marshal camera: %w", err)
		}
		return p.pub.Publish(p.cameraTopic(ev.CameraID), 1, true, status)
	case pipeline.EventCameraRemoved:
		// An empty retained payload clears the topic on the broker
		return p.pub.Publish(p.cameraTopic(ev.CameraID), 1, true, nil)
	case pipeline.EventScoreChanged:
		if ev.Score == nil {
			return nil
		}
		score, err := json.Marshal(ev.Score)
		if err != nil {
			return fmt.Errorf("marshal score: %w", err)
		}
		return p.pub.Publish(p.base+"/safety", 1, true, score)
	}
	return nil
}

func (p *MQTTPublisher) cameraTopic(id string) string {
	return p.base + "/cameras/" + id + "/status"
}
