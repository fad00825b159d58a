// Package retention bounds the per-house event history. Low-priority events
// (sensor readings, equipment control) are pruned first and sooner than
// important ones (member actions, house changes, automation).
package retention

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Cleanup reasons.
const (
	BelowThreshold = "below_threshold"
	Automatic      = "automatic_cleanup"
)

type Policy struct {
	MaxEvents     int
	KeepRecent    time.Duration
	KeepImportant time.Duration
	TargetRatio   float64
	LowPriority   []string
	Important     []string
	// Probability that an insert triggers a cleanup.
	Probability float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxEvents:     1000,
		KeepRecent:    7 * 24 * time.Hour,
		KeepImportant: 90 * 24 * time.Hour,
		TargetRatio:   0.8,
		LowPriority:   []string{model.EventSensorReading, model.EventEquipmentControl},
		Important:     []string{model.EventMemberAction, model.EventHouseModified, model.EventAutomationTriggered},
		Probability:   0.01,
	}
}

// Target is the event count cleanup trims down to once the cap is exceeded.
func (p Policy) Target() int {
	return int(float64(p.MaxEvents) * p.TargetRatio)
}

type Result struct {
	Deleted     int    `json:"deleted"`
	TotalBefore int    `json:"total_before"`
	TotalAfter  int    `json:"total_after"`
	Target      int    `json:"target"`
	Reason      string `json:"reason"`
}

type Manager struct {
	store   store.Store
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	randMu sync.Mutex
	rand   func() float64
}

func New(s store.Store, policy Policy, logger *zap.Logger, m *metrics.Metrics) *Manager {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Manager{
		store:   s,
		policy:  policy,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		rand:    r.Float64,
	}
}

// SetRandom replaces the source deciding whether an insert triggers cleanup.
func (m *Manager) SetRandom(f func() float64) {
	m.randMu.Lock()
	m.rand = f
	m.randMu.Unlock()
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Record inserts ev inside the caller's transaction.
func (m *Manager) Record(ctx context.Context, tx store.Tx, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	return tx.InsertEvent(ctx, ev)
}

// AfterInsert runs a cleanup of the house with the policy probability. Call
// once the inserting transaction has committed.
func (m *Manager) AfterInsert(ctx context.Context, houseID int64) {
	m.randMu.Lock()
	roll := m.rand()
	m.randMu.Unlock()
	if roll >= m.policy.Probability {
		return
	}
	result, err := m.Cleanup(ctx, houseID)
	if err != nil {
		m.logger.Error("event cleanup failed", zap.Int64("house_id", houseID), zap.Error(err))
		return
	}
	if result.Deleted > 0 {
		m.logger.Info("event cleanup", zap.Int64("house_id", houseID), zap.Int("deleted", result.Deleted),
			zap.Int("total_after", result.TotalAfter))
	}
}

// Cleanup prunes the history of a house in its own transaction:
//
//  1. below MaxEvents: nothing to do
//  2. delete low-priority events older than KeepRecent
//  3. delete important events older than KeepImportant
//  4. still above MaxEvents: delete the oldest low-priority, then the oldest
//     important events, down to Target
func (m *Manager) Cleanup(ctx context.Context, houseID int64) (Result, error) {
	var result Result
	err := store.Run(ctx, m.store, func(tx store.Tx) error {
		var err error
		result, err = m.cleanup(ctx, tx, houseID)
		return err
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "cleanup of house %d", houseID)
	}
	m.metrics.RecordCleanup(result.Reason, result.Deleted)
	return result, nil
}

func (m *Manager) cleanup(ctx context.Context, tx store.Tx, houseID int64) (Result, error) {
	p := m.policy
	total, err := tx.CountEvents(ctx, houseID)
	if err != nil {
		return Result{}, err
	}
	result := Result{TotalBefore: total, TotalAfter: total, Target: p.Target()}
	if total < p.MaxEvents {
		result.Reason = BelowThreshold
		return result, nil
	}
	result.Reason = Automatic

	now := m.now()
	n, err := tx.DeleteEventsBefore(ctx, houseID, p.LowPriority, now.Add(-p.KeepRecent))
	if err != nil {
		return Result{}, err
	}
	result.Deleted += n
	n, err = tx.DeleteEventsBefore(ctx, houseID, p.Important, now.Add(-p.KeepImportant))
	if err != nil {
		return Result{}, err
	}
	result.Deleted += n

	current := total - result.Deleted
	if current > p.MaxEvents {
		excess := current - result.Target
		n, err = tx.DeleteOldestEvents(ctx, houseID, p.LowPriority, excess)
		if err != nil {
			return Result{}, err
		}
		result.Deleted += n
		excess -= n
		if excess > 0 {
			n, err = tx.DeleteOldestEvents(ctx, houseID, p.Important, excess)
			if err != nil {
				return Result{}, err
			}
			result.Deleted += n
		}
	}

	result.TotalAfter, err = tx.CountEvents(ctx, houseID)
	return result, err
}
