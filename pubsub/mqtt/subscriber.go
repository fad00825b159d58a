package mqtt

import (
	"strings"
	"sync"

	"github.com/barnybug/smarthome/pubsub"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type messageChannel struct {
	C      chan *pubsub.Message
	topics []pubsub.Topic
}

// Subscriber dispatches inbound messages to channels by topic.
type Subscriber struct {
	broker         *Broker
	channels       []messageChannel
	channelsLock   sync.Mutex
	topicCount     map[string]int
	topicCountLock sync.RWMutex
}

func newSubscriber(broker *Broker) *Subscriber {
	return &Subscriber{broker: broker, topicCount: map[string]int{}}
}

func (sub *Subscriber) ID() string {
	return sub.broker.ID()
}

func (sub *Subscriber) publishHandler(client MQTT.Client, m MQTT.Message) {
	if !strings.HasPrefix(m.Topic(), sub.broker.prefix) {
		return
	}
	topic := strings.TrimPrefix(m.Topic(), sub.broker.prefix)
	msg := pubsub.Parse(topic, m.Payload())
	if msg == nil {
		sub.broker.logger.Debug("ignoring unparseable mqtt payload", zap.String("topic", m.Topic()))
		return
	}
	sub.channelsLock.Lock()
	defer sub.channelsLock.Unlock()
	for _, ch := range sub.channels {
		for _, t := range ch.topics {
			if t.Match(topic) {
				ch.C <- msg
				break
			}
		}
	}
}

// connectHandler (re)subscribes every topic on (re)connect.
func (sub *Subscriber) connectHandler(client MQTT.Client) {
	subs := map[string]byte{}
	sub.topicCountLock.RLock()
	for topic := range sub.topicCount {
		subs[topic] = 1
	}
	sub.topicCountLock.RUnlock()

	if len(subs) > 0 {
		sub.broker.logger.Info("mqtt connected, subscribing", zap.Int("topics", len(subs)))
		sub.subscribe(subs)
	}
}

func (sub *Subscriber) subscribe(subs map[string]byte) {
	// nil = all messages go to the default handler
	if token := sub.broker.client.SubscribeMultiple(subs, nil); token.Wait() && token.Error() != nil {
		sub.broker.logger.Error("mqtt subscribe failed", zap.Error(token.Error()))
	}
}

func (sub *Subscriber) Subscribe(topics ...pubsub.Topic) <-chan *pubsub.Message {
	subs := map[string]byte{}
	sub.topicCountLock.Lock()
	for _, topic := range topics {
		filter := topic.Filter(sub.broker.prefix)
		if _, exists := sub.topicCount[filter]; !exists {
			subs[filter] = 1
		}
		sub.topicCount[filter]++
	}
	sub.topicCountLock.Unlock()

	ch := messageChannel{
		C:      make(chan *pubsub.Message, 16),
		topics: topics,
	}
	sub.channelsLock.Lock()
	sub.channels = append(sub.channels, ch)
	sub.channelsLock.Unlock()

	if len(subs) > 0 {
		sub.subscribe(subs)
	}
	return ch.C
}

func (sub *Subscriber) Close(channel <-chan *pubsub.Message) {
	sub.channelsLock.Lock()
	defer sub.channelsLock.Unlock()
	var channels []messageChannel
	for _, ch := range sub.channels {
		if channel != (<-chan *pubsub.Message)(ch.C) {
			channels = append(channels, ch)
			continue
		}
		for _, topic := range ch.topics {
			filter := topic.Filter(sub.broker.prefix)
			sub.topicCountLock.Lock()
			sub.topicCount[filter]--
			current := sub.topicCount[filter]
			if current == 0 {
				delete(sub.topicCount, filter)
			}
			sub.topicCountLock.Unlock()
			if current == 0 {
				if token := sub.broker.client.Unsubscribe(filter); token.Wait() && token.Error() != nil {
					sub.broker.logger.Error("mqtt unsubscribe failed", zap.Error(token.Error()))
				}
			}
		}
		close(ch.C)
	}
	sub.channels = channels
}
