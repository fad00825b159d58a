// Package store defines the transactional State Store the automation core runs
// against. Implementations live in store/memory and store/postgres.
package store

import (
	"context"
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RuleFilter narrows the active rules loaded for a batch. Zero value loads all.
type RuleFilter struct {
	HouseID   *int64
	SensorIDs []int64
}

// EventFilter selects history events. Zero values mean unfiltered.
type EventFilter struct {
	HouseID   int64
	EventType string
	UserID    *int64
	Since     time.Time
	Limit     int
	Offset    int
}

// Store begins units of work.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one unit of work: every mutation becomes visible to other transactions
// on Commit, or not at all.
type Tx interface {
	House(ctx context.Context, id int64) (*model.House, error)
	UpdateHouseGrid(ctx context.Context, houseID int64, grid *model.Grid) error

	Sensor(ctx context.Context, id int64) (*model.Sensor, error)
	Sensors(ctx context.Context, houseID int64) ([]model.Sensor, error)
	SensorsByType(ctx context.Context, houseID int64, sensorType string) ([]model.Sensor, error)
	UpdateSensor(ctx context.Context, s *model.Sensor) error

	Equipment(ctx context.Context, id int64) (*model.Equipment, error)
	Equipments(ctx context.Context, houseID int64) ([]model.Equipment, error)
	UpdateEquipment(ctx context.Context, e *model.Equipment) error

	Rule(ctx context.Context, id int64) (*model.AutomationRule, error)
	// ActiveRules returns active rules ordered by id.
	ActiveRules(ctx context.Context, filter RuleFilter) ([]model.AutomationRule, error)
	InsertRule(ctx context.Context, r *model.AutomationRule) error
	DeleteRule(ctx context.Context, id int64) error
	TouchRule(ctx context.Context, id int64, triggered time.Time) error

	ActivePositions(ctx context.Context, houseID int64) ([]model.UserPosition, error)
	Position(ctx context.Context, houseID, userID int64) (*model.UserPosition, error)
	UpsertPosition(ctx context.Context, p *model.UserPosition) error

	InsertEvent(ctx context.Context, ev *model.Event) error
	Events(ctx context.Context, filter EventFilter) ([]model.Event, int, error)
	CountEvents(ctx context.Context, houseID int64) (int, error)
	// DeleteEventsBefore removes events of the given types created before cutoff.
	DeleteEventsBefore(ctx context.Context, houseID int64, types []string, cutoff time.Time) (int, error)
	// DeleteOldestEvents removes up to limit events of the given types, oldest first.
	DeleteOldestEvents(ctx context.Context, houseID int64, types []string, limit int) (int, error)

	// MemberRole returns the accepted membership role of a user in a house, or
	// "" when the user is not a member.
	MemberRole(ctx context.Context, houseID, userID int64) (string, error)

	Commit() error
	Rollback() error
}

// Run executes fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func Run(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
