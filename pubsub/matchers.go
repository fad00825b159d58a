package pubsub

import "strings"

// Topic selects messages by their "<type>/<id>" topic and knows its MQTT filter.
type Topic interface {
	Match(topic string) bool
	Filter(prefix string) string
}

type PrefixTopic struct {
	Prefix string
}

// Prefix matches a topic and everything below it, e.g. Prefix("sensor").
func Prefix(prefix string) *PrefixTopic {
	return &PrefixTopic{prefix}
}

func (t *PrefixTopic) Match(topic string) bool {
	return t.Prefix == topic || strings.HasPrefix(topic, t.Prefix+"/")
}

func (t *PrefixTopic) Filter(prefix string) string {
	return prefix + t.Prefix + "/#"
}
