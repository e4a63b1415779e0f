// Package mqtt publishes connection events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/burugo/dbconn"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	defaultQuiesce        = 250 // milliseconds
	defaultTopicPrefix    = "dbconn"
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Options configures the broker connection.
type Options struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Publisher is the part of pahomqtt.Client used by the bus.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Message is the JSON document sent for every event.
type Message struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Event     dbconn.Event `json:"event"`
}

// Bus implements dbconn.EventBus. Messages are sent with QoS 0 and never
// retained; Publish returns without waiting for the broker.
type Bus struct {
	client Publisher
	prefix string
	closer func()
}

var _ dbconn.EventBus = (*Bus)(nil)

// NewBus publishes through an existing client.
func NewBus(client Publisher, prefix string) *Bus {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Bus{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Connect dials the broker described by opts.
func Connect(opts Options) (*Bus, error) {
	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	if opts.ClientID == "" {
		opts.ClientID = "dbconn-" + uuid.NewString()[:8]
	}
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(defaultConnectTimeout)
	co.SetKeepAlive(defaultKeepAlive)
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Printf("WARN: MQTT: connection lost: %v", err)
	})

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	log.Printf("MQTT event bus connected to %s as %s", opts.Broker, opts.ClientID)

	b := NewBus(client, opts.TopicPrefix)
	b.closer = func() { client.Disconnect(defaultQuiesce) }
	return b, nil
}

// Topic returns <prefix>/<connection>/<event type>.
func (b *Bus) Topic(event dbconn.Event) string {
	conn := event.Connection
	if conn == "" {
		conn = "_"
	}
	return b.prefix + "/" + conn + "/" + string(event.Type)
}

// Payload renders the message for event.
func Payload(event dbconn.Event) ([]byte, error) {
	return json.Marshal(Message{ID: uuid.NewString(), Timestamp: time.Now().UTC(), Event: event})
}

// Publish sends event. Failures are logged.
func (b *Bus) Publish(_ context.Context, event dbconn.Event) {
	payload, err := Payload(event)
	if err != nil {
		log.Printf("WARN: MQTT: cannot encode %s event: %v", event.Type, err)
		return
	}
	topic := b.Topic(event)
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			log.Printf("WARN: MQTT: publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("WARN: MQTT: publish to %s failed: %v", topic, err)
		}
	}()
}

// Close disconnects a client created by Connect.
func (b *Bus) Close() error {
	if b.closer != nil {
		b.closer()
	}
	return nil
}
