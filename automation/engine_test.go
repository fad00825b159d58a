package automation

import (
	"context"
	"fmt"
	"testing"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub/dummy"
	"github.com/barnybug/smarthome/store"
	"github.com/barnybug/smarthome/store/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

type fixture struct {
	store   *memory.Store
	pub     *dummy.Publisher
	engine  *Engine
	sensor  int64
	shutter int64
	rule    int64
}

func setup(t *testing.T, value *float64, state string) *fixture {
	s := memory.New()
	house := s.AddHouse(model.House{UserID: 1, Name: "Maison"})
	sensor := s.AddSensor(model.Sensor{HouseID: house, Name: "Salon", Type: model.SensorTemperature,
		Value: value, Unit: "°C", IsActive: true})
	shutter := s.AddEquipment(model.Equipment{HouseID: house, Name: "Volet salon", Type: model.EquipmentShutter,
		State: state, IsActive: true})
	rule := s.AddRule(model.AutomationRule{HouseID: house, Name: "Chaleur", IsActive: true, SensorID: sensor,
		ConditionOperator: ">", ConditionValue: 28, EquipmentID: shutter, ActionState: "closed"})
	pub := &dummy.Publisher{}
	return &fixture{
		store:   s,
		pub:     pub,
		engine:  New(s, pub, nil, zap.NewNop(), nil),
		sensor:  sensor,
		shutter: shutter,
		rule:    rule,
	}
}

func TestApplyRulesScenario(t *testing.T) {
	f := setup(t, model.Float64(30), "open")

	actions, err := f.engine.ApplyRules(ctx, nil)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "set_closed", actions[0].Action)
	assert.Equal(t, f.shutter, actions[0].EquipmentID)
	assert.Equal(t, "Rule: Chaleur (Salon 30.0 > 28.0)", actions[0].Reason)

	shutter, _ := f.store.GetEquipment(f.shutter)
	assert.Equal(t, "closed", shutter.State)
	rule, _ := f.store.GetRule(f.rule)
	assert.NotNil(t, rule.LastTriggered)

	events := f.store.AllEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAutomationTriggered, events[0].EventType)
	assert.Equal(t, model.EntityAutomationRule, events[0].EntityType)
	assert.Nil(t, events[0].UserID)
	assert.Equal(t, "Rule 'Chaleur' triggered: Volet salon open → closed", events[0].Description)
	assert.Equal(t, "> 28.0", events[0].Metadata["condition"])
	assert.Equal(t, "open", events[0].Metadata["old_state"])

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "equipment_update", msgs[0].Type)
	assert.Equal(t, "closed", msgs[0].StringField("state"))

	// idempotent
	actions, err = f.engine.ApplyRules(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Len(t, f.pub.Messages(), 1)
	assert.Len(t, f.store.AllEvents(), 1)
}

func TestApplyRulesConditionFalse(t *testing.T) {
	f := setup(t, model.Float64(28), "open")
	actions, err := f.engine.ApplyRules(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, f.pub.Messages())
}

func TestApplyRulesCommitFailure(t *testing.T) {
	f := setup(t, model.Float64(30), "open")
	f.store.CommitError = errors.New("connection reset")

	actions, err := f.engine.ApplyRules(ctx, nil)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, actions)
	assert.Empty(t, f.pub.Messages())
	shutter, _ := f.store.GetEquipment(f.shutter)
	assert.Equal(t, "open", shutter.State)
	assert.Empty(t, f.store.AllEvents())
}

func TestApplyRulesSkips(t *testing.T) {
	s := memory.New()
	house := s.AddHouse(model.House{UserID: 1})
	hot := s.AddSensor(model.Sensor{HouseID: house, Value: model.Float64(35), IsActive: true})
	inactive := s.AddSensor(model.Sensor{HouseID: house, Value: model.Float64(35), IsActive: false})
	empty := s.AddSensor(model.Sensor{HouseID: house, IsActive: true})
	light := s.AddEquipment(model.Equipment{HouseID: house, State: "off", IsActive: true})
	disabled := s.AddEquipment(model.Equipment{HouseID: house, State: "off", IsActive: false})

	rule := func(sensor, equipment int64, op string) {
		s.AddRule(model.AutomationRule{HouseID: house, IsActive: true, SensorID: sensor,
			ConditionOperator: op, ConditionValue: 30, EquipmentID: equipment, ActionState: "on"})
	}
	rule(999, light, ">")      // missing sensor
	rule(inactive, light, ">") // inactive sensor
	rule(empty, light, ">")    // no value
	rule(hot, 999, ">")        // missing equipment
	rule(hot, disabled, ">")   // inactive equipment
	rule(hot, light, "=>")     // invalid operator
	s.AddRule(model.AutomationRule{HouseID: house, IsActive: false, SensorID: hot,
		ConditionOperator: ">", ConditionValue: 30, EquipmentID: light, ActionState: "on"})

	pub := &dummy.Publisher{}
	actions, err := New(s, pub, nil, zap.NewNop(), nil).ApplyRules(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, pub.Messages())
	assert.Empty(t, s.AllEvents())

	// a valid rule after the invalid ones still fires
	rule(hot, light, ">=")
	actions, err = New(s, pub, nil, zap.NewNop(), nil).ApplyRules(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestApplyRulesOrderAndScope(t *testing.T) {
	s := memory.New()
	h1 := s.AddHouse(model.House{UserID: 1})
	h2 := s.AddHouse(model.House{UserID: 1})
	s1 := s.AddSensor(model.Sensor{HouseID: h1, Value: model.Float64(1), IsActive: true})
	s2 := s.AddSensor(model.Sensor{HouseID: h2, Value: model.Float64(1), IsActive: true})
	e1 := s.AddEquipment(model.Equipment{HouseID: h1, State: "off", IsActive: true})
	e2 := s.AddEquipment(model.Equipment{HouseID: h1, State: "off", IsActive: true})
	e3 := s.AddEquipment(model.Equipment{HouseID: h2, State: "off", IsActive: true})
	s.AddRule(model.AutomationRule{ID: 200, HouseID: h1, IsActive: true, SensorID: s1, ConditionOperator: "==",
		ConditionValue: 1, EquipmentID: e1, ActionState: "on"})
	s.AddRule(model.AutomationRule{ID: 100, HouseID: h1, IsActive: true, SensorID: s1, ConditionOperator: "==",
		ConditionValue: 1, EquipmentID: e2, ActionState: "on"})
	s.AddRule(model.AutomationRule{ID: 300, HouseID: h2, IsActive: true, SensorID: s2, ConditionOperator: "==",
		ConditionValue: 1, EquipmentID: e3, ActionState: "on"})

	pub := &dummy.Publisher{}
	engine := New(s, pub, nil, zap.NewNop(), nil)
	actions, err := engine.ApplyRules(ctx, &h1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, int64(100), actions[0].RuleID)
	assert.Equal(t, int64(200), actions[1].RuleID)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, e2, msgs[0].Data["id"])
	assert.Equal(t, e1, msgs[1].Data["id"])

	untouched, _ := s.GetEquipment(e3)
	assert.Equal(t, "off", untouched.State)
}

type fakeLog struct {
	recorded int
	houses   []int64
}

func (l *fakeLog) Record(ctx context.Context, tx store.Tx, ev *model.Event) error {
	l.recorded++
	return tx.InsertEvent(ctx, ev)
}

func (l *fakeLog) AfterInsert(ctx context.Context, houseID int64) {
	l.houses = append(l.houses, houseID)
}

func TestApplyTxPublishesAfterCommit(t *testing.T) {
	f := setup(t, model.Float64(30), "open")
	log := &fakeLog{}
	f.engine = New(f.store, f.pub, log, zap.NewNop(), nil)

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	batch, err := f.engine.ApplyTx(ctx, tx, store.RuleFilter{SensorIDs: []int64{f.sensor}})
	require.NoError(t, err)
	assert.Len(t, batch.Actions, 1)
	assert.Empty(t, f.pub.Messages())
	require.NoError(t, tx.Commit())

	batch.Publish(ctx)
	assert.Len(t, f.pub.Messages(), 1)
	assert.Equal(t, 1, log.recorded)
	assert.Len(t, log.houses, 1)
}

func ExampleEngine_ApplyRules() {
	s := memory.New()
	house := s.AddHouse(model.House{UserID: 1})
	sensor := s.AddSensor(model.Sensor{HouseID: house, Name: "Pluie", Type: model.SensorRain,
		Value: model.Float64(80), IsActive: true})
	door := s.AddEquipment(model.Equipment{HouseID: house, Name: "Fenêtre", Type: model.EquipmentDoor,
		State: "open", IsActive: true})
	s.AddRule(model.AutomationRule{HouseID: house, Name: "Averse", IsActive: true, SensorID: sensor,
		ConditionOperator: ">=", ConditionValue: 50, EquipmentID: door, ActionState: "closed"})

	engine := New(s, &dummy.Publisher{}, nil, zap.NewNop(), nil)
	actions, _ := engine.ApplyRules(context.Background(), nil)
	for _, a := range actions {
		fmt.Println(a.Action, a.EquipmentName, "-", a.Reason)
	}
	// Output:
	// set_closed Fenêtre - Rule: Averse (Pluie 80.0 >= 50.0)
}
