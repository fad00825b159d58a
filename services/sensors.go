package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SensorChange is a partial sensor update. Nil fields are left alone.
type SensorChange struct {
	Name     *string  `json:"name"`
	Value    *float64 `json:"value"`
	IsActive *bool    `json:"is_active"`
	Unit     *string  `json:"unit"`
}

type change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

func optFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// apply the change to s, returning the fields that changed.
func (c SensorChange) apply(s *model.Sensor) map[string]change {
	changes := map[string]change{}
	if c.Name != nil && *c.Name != s.Name {
		changes["name"] = change{s.Name, *c.Name}
		s.Name = *c.Name
	}
	if c.Value != nil && (s.Value == nil || *s.Value != *c.Value) {
		changes["value"] = change{optFloat(s.Value), *c.Value}
		s.Value = model.Float64(*c.Value)
	}
	if c.IsActive != nil && *c.IsActive != s.IsActive {
		changes["is_active"] = change{s.IsActive, *c.IsActive}
		s.IsActive = *c.IsActive
	}
	if c.Unit != nil && *c.Unit != s.Unit {
		changes["unit"] = change{s.Unit, *c.Unit}
		s.Unit = *c.Unit
	}
	return changes
}

func describeSensorChange(s *model.Sensor, changes map[string]change) string {
	var parts []string
	if c, ok := changes["value"]; ok {
		old := "null"
		if c.Old != nil {
			old = fmt.Sprint(c.Old)
		}
		parts = append(parts, fmt.Sprintf("value %s → %v", old, c.New))
	}
	if c, ok := changes["is_active"]; ok {
		parts = append(parts, fmt.Sprintf("active %v → %v", c.Old, c.New))
	}
	if _, ok := changes["name"]; ok {
		parts = append(parts, "configuration changed")
	} else if _, ok := changes["unit"]; ok {
		parts = append(parts, "configuration changed")
	}
	return fmt.Sprintf("Sensor %s updated: %s", s.Name, strings.Join(parts, ", "))
}

// SensorWrite is the outcome of WriteSensor.
type SensorWrite struct {
	Sensor  *model.Sensor       `json:"sensor"`
	Changed bool                `json:"changed"`
	Actions []automation.Action `json:"actions"`
}

// WriteSensor applies change to a sensor and, when anything changed, records a
// sensor_reading event and runs the rules of the sensor's house, all in one
// transaction. The sensor and equipment updates are broadcast after commit.
// userID is nil for device-originated readings.
func (d *Deps) WriteSensor(ctx context.Context, sensorID int64, c SensorChange, userID *int64) (*SensorWrite, error) {
	var (
		result = &SensorWrite{}
		batch  *automation.Batch
	)
	err := store.Run(ctx, d.Store, func(tx store.Tx) error {
		sensor, err := tx.Sensor(ctx, sensorID)
		if err != nil {
			return err
		}
		result.Sensor = sensor
		changes := c.apply(sensor)
		if len(changes) == 0 {
			return nil
		}
		result.Changed = true
		sensor.LastUpdate = time.Now()
		if err := tx.UpdateSensor(ctx, sensor); err != nil {
			return err
		}
		ev := &model.Event{
			HouseID:     sensor.HouseID,
			UserID:      userID,
			EventType:   model.EventSensorReading,
			EntityType:  model.EntitySensor,
			EntityID:    model.Int64(sensor.ID),
			Description: describeSensorChange(sensor, changes),
			Metadata: model.Metadata{
				"action":      "update",
				"changes":     changes,
				"sensor_type": sensor.Type,
			},
			CreatedAt: sensor.LastUpdate,
		}
		if d.Retention != nil {
			err = d.Retention.Record(ctx, tx, ev)
		} else {
			err = tx.InsertEvent(ctx, ev)
		}
		if err != nil {
			return err
		}
		if d.Engine == nil {
			return nil
		}
		batch, err = d.Engine.ApplyTx(ctx, tx, store.RuleFilter{HouseID: model.Int64(sensor.HouseID)})
		return err
	})
	if err != nil {
		if store.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrapf(automation.ErrPersistence, "sensor %d: %v", sensorID, err)
	}
	if !result.Changed {
		return result, nil
	}

	d.Publisher.Emit(pubsub.NewSensorUpdate(result.Sensor))
	batch.Publish(ctx)
	if batch != nil {
		result.Actions = batch.Actions
	}
	if d.Retention != nil {
		d.Retention.AfterInsert(ctx, result.Sensor.HouseID)
	}
	d.Logger.Debug("sensor written", zap.Int64("sensor_id", sensorID), zap.Int("actions", len(result.Actions)))
	return result, nil
}
