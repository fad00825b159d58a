package dummy

import "github.com/barnybug/smarthome/pubsub"

// Subscriber replays Messages for testing.
type Subscriber struct {
	subscriptions []pubsub.Topic
	Messages      []*pubsub.Message
}

// ID of Subscriber
func (sub *Subscriber) ID() string {
	return "dummy"
}

func (sub *Subscriber) replay() <-chan *pubsub.Message {
	ch := make(chan *pubsub.Message)
	go func() {
		for _, msg := range sub.Messages {
			for _, s := range sub.subscriptions {
				if s.Match(msg.Topic()) {
					ch <- msg
					break
				}
			}
		}
		close(ch)
	}()
	return ch
}

func (sub *Subscriber) Subscribe(topics ...pubsub.Topic) <-chan *pubsub.Message {
	sub.subscriptions = append(sub.subscriptions, topics...)
	return sub.replay()
}

// Close the channel
func (sub *Subscriber) Close(<-chan *pubsub.Message) {
}
