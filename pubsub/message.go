// Package pubsub carries state-change messages from the core to its viewers:
// websocket clients through the hub, and the MQTT mirror.
package pubsub

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/barnybug/smarthome/model"
)

// Message types.
const (
	SensorUpdate        = "sensor_update"
	EquipmentUpdate     = "equipment_update"
	GridUpdate          = "grid_update"
	AutomationRuleCrud  = "automation_rule_crud"
	PositionChanged     = "user_position_changed"
	PositionDeactivated = "user_position_deactivated"
)

// Crud actions.
const (
	Created = "create"
	Deleted = "delete"
)

type Fields map[string]interface{}

// Message is one typed broadcast. Serialized as
// {"type": ..., "house_id": ...|null, "data": {...}} plus "action" for crud types.
type Message struct {
	Type    string
	HouseID *int64
	Action  string
	Data    Fields

	topic string
}

func NewMessage(typ string, houseID *int64, data Fields) *Message {
	if data == nil {
		data = Fields{}
	}
	return &Message{Type: typ, HouseID: houseID, Data: data}
}

func NewSensorUpdate(s *model.Sensor) *Message {
	return NewMessage(SensorUpdate, model.Int64(s.HouseID), Fields{
		"id":          s.ID,
		"name":        s.Name,
		"type":        s.Type,
		"value":       s.Value,
		"unit":        s.Unit,
		"is_active":   s.IsActive,
		"last_update": s.LastUpdate.UTC().Format(time.RFC3339),
	})
}

func NewEquipmentUpdate(e *model.Equipment) *Message {
	return NewMessage(EquipmentUpdate, model.Int64(e.HouseID), Fields{
		"id":          e.ID,
		"name":        e.Name,
		"type":        e.Type,
		"state":       e.State,
		"is_active":   e.IsActive,
		"last_update": e.LastUpdate.UTC().Format(time.RFC3339),
	})
}

func NewGridUpdate(houseID int64, grid *model.Grid) *Message {
	return NewMessage(GridUpdate, &houseID, Fields{"grid": grid})
}

// NewCrud builds one of the *_crud messages.
func NewCrud(typ, action string, houseID int64, data Fields) *Message {
	msg := NewMessage(typ, &houseID, data)
	msg.Action = action
	return msg
}

func NewPositionChanged(p *model.UserPosition) *Message {
	return NewMessage(PositionChanged, model.Int64(p.HouseID), Fields{
		"user_id": p.UserID,
		"x":       p.X,
		"y":       p.Y,
	})
}

func NewPositionDeactivated(houseID, userID int64) *Message {
	return NewMessage(PositionDeactivated, &houseID, Fields{"user_id": userID})
}

// Topic is "<type>/<house_id>", or the topic a message arrived on.
func (msg *Message) Topic() string {
	if msg.topic != "" {
		return msg.topic
	}
	if msg.HouseID == nil {
		return msg.Type
	}
	return msg.Type + "/" + strconv.FormatInt(*msg.HouseID, 10)
}

func (msg *Message) Map() map[string]interface{} {
	data := map[string]interface{}{
		"type":     msg.Type,
		"house_id": msg.HouseID,
		"data":     msg.Data,
	}
	if msg.Action != "" {
		data["action"] = msg.Action
	}
	return data
}

func (msg *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(msg.Map())
}

func (msg *Message) Bytes() []byte {
	v, _ := json.Marshal(msg.Map())
	return v
}

func (msg *Message) String() string {
	return string(msg.Bytes())
}

func (msg *Message) SetField(name string, value interface{}) {
	msg.Data[name] = value
}

func (msg *Message) StringField(name string) string {
	ret, _ := msg.Data[name].(string)
	return ret
}

// FloatField returns a numeric field, accepting numbers and numeric strings.
func (msg *Message) FloatField(name string) (float64, bool) {
	switch v := msg.Data[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// TopicID parses the trailing numeric segment of the topic, e.g. 12 for
// "sensor/12".
func (msg *Message) TopicID() (int64, bool) {
	topic := msg.Topic()
	i := strings.LastIndex(topic, "/")
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(topic[i+1:], 10, 64)
	return id, err == nil
}

// Parse an inbound payload received on topic. The message type is the first
// topic segment. Returns nil when the body is not a JSON object.
func Parse(topic string, body []byte) *Message {
	var fields Fields
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil
	}
	typ := topic
	if i := strings.Index(topic, "/"); i >= 0 {
		typ = topic[:i]
	}
	return &Message{Type: typ, Data: fields, topic: topic}
}
