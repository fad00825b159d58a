package dummy

import (
	"sync"

	"github.com/barnybug/smarthome/pubsub"
)

// Publisher records messages for testing.
type Publisher struct {
	mu       sync.Mutex
	messages []*pubsub.Message
}

func (p *Publisher) ID() string {
	return "dummy"
}

func (p *Publisher) Emit(msg *pubsub.Message) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
}

// Messages emitted so far.
func (p *Publisher) Messages() []*pubsub.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pubsub.Message(nil), p.messages...)
}

// Types of the messages emitted so far, in order.
func (p *Publisher) Types() []string {
	var types []string
	for _, msg := range p.Messages() {
		types = append(types, msg.Type)
	}
	return types
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
}
