// Package mqtt mirrors state changes to an MQTT broker and receives sensor
// readings from it.
package mqtt

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPrefix roots every topic.
const DefaultPrefix = "smarthome/"

type Broker struct {
	url    string
	prefix string
	client MQTT.Client
	logger *zap.Logger
	sub    *Subscriber
}

func clientID(prefix string) string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s/%s-%d-%d", prefix, hostname, os.Getpid(), rand.Int())
}

// NewBroker connects to url. Topics are published and subscribed under prefix.
func NewBroker(url, clientPrefix, prefix string, logger *zap.Logger) (*Broker, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	b := &Broker{url: url, prefix: prefix, logger: logger}
	b.sub = newSubscriber(b)

	opts := MQTT.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(clientID(clientPrefix))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetDefaultPublishHandler(b.sub.publishHandler)
	opts.SetOnConnectHandler(b.sub.connectHandler)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	b.client = MQTT.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connecting to mqtt %s", url)
	}
	logger.Info("mqtt connected", zap.String("broker", url))
	return b, nil
}

// newBrokerWithClient wraps an existing client.
func newBrokerWithClient(client MQTT.Client, prefix string, logger *zap.Logger) *Broker {
	b := &Broker{url: "test", prefix: prefix, client: client, logger: logger}
	b.sub = newSubscriber(b)
	return b
}

func (b *Broker) ID() string {
	return "mqtt: " + b.url
}

func (b *Broker) Subscriber() *Subscriber {
	return b.sub
}

func (b *Broker) Publisher() *Publisher {
	return &Publisher{broker: b}
}

func (b *Broker) Close() {
	b.client.Disconnect(250)
}
