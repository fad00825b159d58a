// Package presence derives presence sensor values from the simulated positions
// of users on a house grid.
//
// A presence sensor reads 1 when at least one active position lies on a cell
// the sensor is placed on, 0 otherwise. Changed sensors cascade into the rules
// bound to them within the same transaction.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrOutOfBounds = errors.New("position out of bounds")

const (
	present = 1.0
	absent  = 0.0
)

// Result of a recompute: the presence sensors whose value changed and the
// equipment actions their rules caused.
type Result struct {
	Sensors []model.Sensor      `json:"sensors"`
	Actions []automation.Action `json:"actions"`
}

type Deriver struct {
	store   store.Store
	pub     pubsub.Publisher
	engine  *automation.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(s store.Store, pub pubsub.Publisher, engine *automation.Engine, logger *zap.Logger, m *metrics.Metrics) *Deriver {
	return &Deriver{
		store:   s,
		pub:     pub,
		engine:  engine,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// pending holds what a transaction produced until it commits.
type pending struct {
	messages []*pubsub.Message
	sensors  []model.Sensor
	batch    *automation.Batch
}

func (p *pending) result() Result {
	r := Result{Sensors: p.sensors}
	if p.batch != nil {
		r.Actions = p.batch.Actions
	}
	return r
}

func (d *Deriver) publish(ctx context.Context, p *pending) {
	for _, msg := range p.messages {
		d.pub.Emit(msg)
	}
	for i := range p.sensors {
		d.pub.Emit(pubsub.NewSensorUpdate(&p.sensors[i]))
	}
	p.batch.Publish(ctx)
}

// run executes fn in a transaction and publishes its messages after commit.
func (d *Deriver) run(ctx context.Context, fn func(tx store.Tx, p *pending) error) (Result, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return Result{}, errors.Wrapf(automation.ErrPersistence, "begin: %v", err)
	}
	p := &pending{}
	if err := fn(tx, p); err != nil {
		tx.Rollback()
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		d.logger.Error("presence commit failed", zap.Error(err))
		return Result{}, errors.Wrapf(automation.ErrPersistence, "commit: %v", err)
	}
	d.publish(ctx, p)
	return p.result(), nil
}

// Recompute re-derives every presence sensor of the house.
func (d *Deriver) Recompute(ctx context.Context, houseID int64) (Result, error) {
	return d.run(ctx, func(tx store.Tx, p *pending) error {
		house, err := tx.House(ctx, houseID)
		if err != nil {
			return err
		}
		return d.recompute(ctx, tx, house, p)
	})
}

// MovePosition places a user on cell (x, y) of the house, x being the column
// and y the row, then recomputes presence.
func (d *Deriver) MovePosition(ctx context.Context, houseID, userID int64, x, y int) (Result, error) {
	return d.run(ctx, func(tx store.Tx, p *pending) error {
		house, err := tx.House(ctx, houseID)
		if err != nil {
			return err
		}
		width, height := house.Dimensions()
		if x < 0 || x >= width || y < 0 || y >= height {
			return errors.Wrapf(ErrOutOfBounds, "(%d, %d) outside 0-%d, 0-%d", x, y, width-1, height-1)
		}
		pos := &model.UserPosition{
			HouseID:    houseID,
			UserID:     userID,
			X:          x,
			Y:          y,
			IsActive:   true,
			LastUpdate: d.now(),
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		p.messages = append(p.messages, pubsub.NewPositionChanged(pos))
		return d.recompute(ctx, tx, house, p)
	})
}

// LeavePosition deactivates the user's position. The row is kept.
func (d *Deriver) LeavePosition(ctx context.Context, houseID, userID int64) (Result, error) {
	return d.run(ctx, func(tx store.Tx, p *pending) error {
		house, err := tx.House(ctx, houseID)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, houseID, userID)
		switch {
		case store.IsNotFound(err):
		case err != nil:
			return err
		default:
			pos.IsActive = false
			pos.LastUpdate = d.now()
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return err
			}
			p.messages = append(p.messages, pubsub.NewPositionDeactivated(houseID, userID))
		}
		return d.recompute(ctx, tx, house, p)
	})
}

func (d *Deriver) recompute(ctx context.Context, tx store.Tx, house *model.House, p *pending) error {
	if house.Grid == nil || house.Grid.Rows() == 0 {
		return nil
	}
	positions, err := tx.ActivePositions(ctx, house.ID)
	if err != nil {
		return err
	}
	occupants := map[model.Point]int{}
	for _, pos := range positions {
		occupants[model.Point{X: pos.X, Y: pos.Y}]++
	}

	sensors, err := tx.SensorsByType(ctx, house.ID, model.SensorPresence)
	if err != nil {
		return err
	}
	var changed []int64
	for i := range sensors {
		sensor := &sensors[i]
		coverage := house.Grid.SensorCoverage(sensor.ID)
		count := 0
		for _, pt := range coverage {
			count += occupants[pt]
		}
		value := absent
		if count > 0 {
			value = present
		}
		if sensor.Value != nil && *sensor.Value == value {
			continue
		}

		old := "null"
		if sensor.Value != nil {
			old = fmt.Sprint(*sensor.Value)
		}
		sensor.Value = model.Float64(value)
		sensor.LastUpdate = d.now()
		if err := tx.UpdateSensor(ctx, sensor); err != nil {
			return err
		}
		changed = append(changed, sensor.ID)
		p.sensors = append(p.sensors, *sensor)
		d.metrics.RecordPresenceChange()
		d.logger.Info("presence changed", zap.Int64("sensor_id", sensor.ID), zap.String("sensor", sensor.Name),
			zap.Int("cells", len(coverage)), zap.String("old", old), zap.Float64("new", value), zap.Int("occupants", count))
	}
	if len(changed) == 0 || d.engine == nil {
		return nil
	}
	batch, err := d.engine.ApplyTx(ctx, tx, store.RuleFilter{SensorIDs: changed})
	if err != nil {
		return err
	}
	p.batch = batch
	return nil
}
