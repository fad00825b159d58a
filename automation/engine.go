// Package automation evaluates automation rules against live sensor values and
// drives equipment to each triggered rule's target state.
//
// A batch loads the active rules in id order and, for each rule whose sensor
// has a value satisfying the condition, sets the equipment state unless it is
// already there. All changes and their history events commit together; the
// equipment broadcasts go out after the commit, in rule order.
package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/barnybug/smarthome/condition"
	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrPersistence marks a batch aborted by the store. Nothing was applied and
// nothing was broadcast.
var ErrPersistence = errors.New("persistence failure")

// EventLog records history events inside a transaction and is told after
// commit which houses received new events.
type EventLog interface {
	Record(ctx context.Context, tx store.Tx, ev *model.Event) error
	AfterInsert(ctx context.Context, houseID int64)
}

// Action is one equipment change made by a rule.
type Action struct {
	Action        string `json:"action"`
	EquipmentID   int64  `json:"equipment_id"`
	EquipmentName string `json:"equipment_name"`
	Reason        string `json:"reason"`
	RuleID        int64  `json:"rule_id"`
	RuleName      string `json:"rule_name"`
}

type Engine struct {
	store   store.Store
	pub     pubsub.Publisher
	events  EventLog
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New engine. events may be nil, in which case history events are inserted
// directly without retention.
func New(s store.Store, pub pubsub.Publisher, events EventLog, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   s,
		pub:     pub,
		events:  events,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// ApplyRules runs one batch over the active rules, optionally restricted to a
// house, in its own transaction.
func (e *Engine) ApplyRules(ctx context.Context, houseScope *int64) ([]Action, error) {
	start := e.now()
	scope := "all"
	if houseScope != nil {
		scope = "house"
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.metrics.RecordBatch(scope, time.Since(start), err)
		return nil, errors.Wrapf(ErrPersistence, "begin: %v", err)
	}
	batch, err := e.ApplyTx(ctx, tx, store.RuleFilter{HouseID: houseScope})
	if err != nil {
		tx.Rollback()
		e.metrics.RecordBatch(scope, time.Since(start), err)
		return nil, errors.Wrapf(ErrPersistence, "%v", err)
	}
	if err := tx.Commit(); err != nil {
		e.metrics.RecordBatch(scope, time.Since(start), err)
		e.logger.Error("rule batch commit failed", zap.Error(err), zap.Int("actions", len(batch.Actions)))
		return nil, errors.Wrapf(ErrPersistence, "commit: %v", err)
	}
	e.metrics.RecordBatch(scope, time.Since(start), nil)
	batch.Publish(ctx)
	if len(batch.Actions) > 0 {
		e.logger.Info("rules applied", zap.String("scope", scope), zap.Int("actions", len(batch.Actions)))
	}
	return batch.Actions, nil
}

// Batch is the outcome of rule evaluation inside a caller-owned transaction.
// Call Publish only after that transaction commits.
type Batch struct {
	Actions  []Action
	messages []*pubsub.Message
	houses   []int64
	engine   *Engine
}

func (b *Batch) addHouse(id int64) {
	for _, h := range b.houses {
		if h == id {
			return
		}
	}
	b.houses = append(b.houses, id)
}

// Publish emits the equipment updates in rule order, then notifies the event
// log of the houses that received events.
func (b *Batch) Publish(ctx context.Context) {
	if b == nil || b.engine == nil {
		return
	}
	for _, msg := range b.messages {
		b.engine.pub.Emit(msg)
	}
	if b.engine.events != nil {
		for _, h := range b.houses {
			b.engine.events.AfterInsert(ctx, h)
		}
	}
}

func (e *Engine) skip(rule *model.AutomationRule, reason string, fields ...zap.Field) {
	e.metrics.RecordSkip(reason)
	e.logger.Debug("rule skipped", append(fields, zap.Int64("rule_id", rule.ID), zap.String("reason", reason))...)
}

// ApplyTx evaluates the rules selected by filter inside tx. Per-rule faults
// are logged and skipped; a store error aborts the batch and is returned.
func (e *Engine) ApplyTx(ctx context.Context, tx store.Tx, filter store.RuleFilter) (*Batch, error) {
	batch := &Batch{engine: e}
	rules, err := tx.ActiveRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if err := e.applyRule(ctx, tx, &rules[i], batch); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (e *Engine) applyRule(ctx context.Context, tx store.Tx, rule *model.AutomationRule, batch *Batch) error {
	sensor, err := tx.Sensor(ctx, rule.SensorID)
	if store.IsNotFound(err) {
		e.skip(rule, "sensor_missing", zap.Int64("sensor_id", rule.SensorID))
		return nil
	}
	if err != nil {
		return err
	}
	if !sensor.IsActive {
		e.skip(rule, "sensor_inactive")
		return nil
	}
	if sensor.Value == nil {
		e.skip(rule, "sensor_no_value")
		return nil
	}

	met, err := condition.Evaluate(*sensor.Value, rule.ConditionOperator, rule.ConditionValue)
	if err != nil {
		e.metrics.RecordSkip("invalid_operator")
		e.logger.Warn("rule has invalid condition", zap.Int64("rule_id", rule.ID),
			zap.String("operator", rule.ConditionOperator), zap.Error(err))
		return nil
	}
	if !met {
		return nil
	}

	equipment, err := tx.Equipment(ctx, rule.EquipmentID)
	if store.IsNotFound(err) {
		e.skip(rule, "equipment_missing", zap.Int64("equipment_id", rule.EquipmentID))
		return nil
	}
	if err != nil {
		return err
	}
	if !equipment.IsActive {
		e.skip(rule, "equipment_inactive")
		return nil
	}
	if equipment.State == rule.ActionState {
		return nil
	}
	if sensor.HouseID != rule.HouseID || equipment.HouseID != rule.HouseID {
		e.logger.Warn("rule crosses houses", zap.Int64("rule_id", rule.ID), zap.Int64("house_id", rule.HouseID),
			zap.Int64("sensor_house_id", sensor.HouseID), zap.Int64("equipment_house_id", equipment.HouseID))
	}

	now := e.now()
	oldState := equipment.State
	equipment.State = rule.ActionState
	equipment.LastUpdate = now
	if err := tx.UpdateEquipment(ctx, equipment); err != nil {
		return err
	}
	if err := tx.TouchRule(ctx, rule.ID, now); err != nil {
		return err
	}

	cond := condition.Describe(rule.ConditionOperator, rule.ConditionValue)
	ev := &model.Event{
		HouseID:     equipment.HouseID,
		EventType:   model.EventAutomationTriggered,
		EntityType:  model.EntityAutomationRule,
		EntityID:    model.Int64(rule.ID),
		Description: fmt.Sprintf("Rule '%s' triggered: %s %s → %s", rule.Name, equipment.Name, oldState, rule.ActionState),
		Metadata: model.Metadata{
			"rule_name":      rule.Name,
			"sensor_id":      sensor.ID,
			"sensor_name":    sensor.Name,
			"sensor_value":   *sensor.Value,
			"condition":      cond,
			"equipment_id":   equipment.ID,
			"equipment_name": equipment.Name,
			"old_state":      oldState,
			"new_state":      rule.ActionState,
		},
		CreatedAt: now,
	}
	if e.events != nil {
		err = e.events.Record(ctx, tx, ev)
	} else {
		err = tx.InsertEvent(ctx, ev)
	}
	if err != nil {
		return err
	}

	batch.Actions = append(batch.Actions, Action{
		Action:        "set_" + rule.ActionState,
		EquipmentID:   equipment.ID,
		EquipmentName: equipment.Name,
		Reason: fmt.Sprintf("Rule: %s (%s %s %s)", rule.Name, sensor.Name,
			condition.FormatValue(*sensor.Value), cond),
		RuleID:   rule.ID,
		RuleName: rule.Name,
	})
	msg := pubsub.NewEquipmentUpdate(equipment)
	msg.SetField("triggered_by", "automation")
	msg.SetField("rule_id", rule.ID)
	batch.messages = append(batch.messages, msg)
	batch.addHouse(equipment.HouseID)
	e.metrics.RecordAction()
	e.logger.Info("rule triggered", zap.Int64("rule_id", rule.ID), zap.String("rule", rule.Name),
		zap.Int64("equipment_id", equipment.ID), zap.String("old_state", oldState), zap.String("new_state", rule.ActionState))
	return nil
}
