package mqtt

import (
	"time"

	"github.com/barnybug/smarthome/pubsub"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher mirrors broadcasts to <prefix><type>/<house_id>.
type Publisher struct {
	broker *Broker
}

// ID of Publisher
func (pub *Publisher) ID() string {
	return pub.broker.ID()
}

// Emit publishes at QoS 1 without waiting for the acknowledgement.
func (pub *Publisher) Emit(msg *pubsub.Message) {
	topic := pub.broker.prefix + msg.Topic()
	token := pub.broker.client.Publish(topic, 1, false, msg.Bytes())
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			pub.broker.logger.Warn("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			pub.broker.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}
