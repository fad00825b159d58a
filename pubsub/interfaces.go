package pubsub

// Publisher receives every state change once its transaction has committed.
// Emit must not block on slow consumers.
type Publisher interface {
	ID() string
	Emit(msg *Message)
}

// Subscriber delivers inbound messages matching the given topics.
type Subscriber interface {
	ID() string
	Subscribe(topics ...Topic) <-chan *Message
	Close(<-chan *Message)
}

// Multi fans one message out to several publishers in order.
type Multi []Publisher

func (m Multi) ID() string {
	ids := "multi:"
	for _, p := range m {
		ids += " " + p.ID()
	}
	return ids
}

func (m Multi) Emit(msg *Message) {
	for _, p := range m {
		p.Emit(msg)
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) ID() string { return "discard" }

func (Discard) Emit(*Message) {}
