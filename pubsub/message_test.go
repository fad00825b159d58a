package pubsub

import (
	"fmt"
	"testing"
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/stretchr/testify/assert"
)

func ExampleMessage_String() {
	e := &model.Equipment{ID: 7, HouseID: 1, Name: "Volet salon", Type: "shutter", State: "closed", IsActive: true,
		LastUpdate: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	fmt.Println(NewEquipmentUpdate(e))
	fmt.Println(NewCrud(AutomationRuleCrud, Deleted, 1, Fields{"id": 3}))
	fmt.Println(NewMessage("notice", nil, nil))
	// Output:
	// {"data":{"id":7,"is_active":true,"last_update":"2024-06-01T12:00:00Z","name":"Volet salon","state":"closed","type":"shutter"},"house_id":1,"type":"equipment_update"}
	// {"action":"delete","data":{"id":3},"house_id":1,"type":"automation_rule_crud"}
	// {"data":{},"house_id":null,"type":"notice"}
}

func ExampleParse() {
	msg := Parse("sensor/12", []byte(`{"value": 21.5}`))
	id, _ := msg.TopicID()
	value, _ := msg.FloatField("value")
	fmt.Println(msg.Type, id, value)
	fmt.Println(Parse("sensor/12", []byte(`{`)))
	// Output:
	// sensor 12 21.5
	// <nil>
}

func TestSensorUpdateNullValue(t *testing.T) {
	msg := NewSensorUpdate(&model.Sensor{ID: 3, HouseID: 2, Type: model.SensorPresence})
	assert.Contains(t, msg.String(), `"value":null`)
	assert.Equal(t, "sensor_update/2", msg.Topic())
}

func TestFloatField(t *testing.T) {
	msg := NewMessage("sensor", nil, Fields{"a": "1.5", "b": "x", "c": 2})
	v, ok := msg.FloatField("a")
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
	_, ok = msg.FloatField("b")
	assert.False(t, ok)
	v, _ = msg.FloatField("c")
	assert.Equal(t, 2.0, v)
	_, ok = msg.FloatField("missing")
	assert.False(t, ok)
}

func TestTopicID(t *testing.T) {
	_, ok := NewMessage("grid_update", nil, nil).TopicID()
	assert.False(t, ok)
	id, ok := NewMessage("grid_update", model.Int64(4), nil).TopicID()
	assert.True(t, ok)
	assert.Equal(t, int64(4), id)
}

type recorder struct {
	name string
	got  *[]string
}

func (r recorder) ID() string { return r.name }

func (r recorder) Emit(msg *Message) {
	*r.got = append(*r.got, r.name+":"+msg.Type)
}

func TestMulti(t *testing.T) {
	var got []string
	m := Multi{recorder{"a", &got}, recorder{"b", &got}, Discard{}}
	m.Emit(NewMessage(SensorUpdate, nil, nil))
	assert.Equal(t, []string{"a:sensor_update", "b:sensor_update"}, got)
	assert.Equal(t, "multi: a b discard", m.ID())
}

func TestMatchers(t *testing.T) {
	assert.True(t, Prefix("sensor").Match("sensor/1"))
	assert.True(t, Prefix("sensor").Match("sensor"))
	assert.False(t, Prefix("sensor").Match("sensors/1"))
	assert.Equal(t, "smarthome/sensor/#", Prefix("sensor").Filter("smarthome/"))
}
