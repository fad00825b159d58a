// Package memory is an in-process implementation of store.Store. Transactions
// run serialized against a private copy of the data that replaces the shared
// copy on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
)

type positionKey struct {
	house, user int64
}

type data struct {
	houses     map[int64]model.House
	sensors    map[int64]model.Sensor
	equipments map[int64]model.Equipment
	rules      map[int64]model.AutomationRule
	positions  map[positionKey]model.UserPosition
	members    map[positionKey]string
	events     []model.Event
	nextID     int64
}

func newData() *data {
	return &data{
		houses:     map[int64]model.House{},
		sensors:    map[int64]model.Sensor{},
		equipments: map[int64]model.Equipment{},
		rules:      map[int64]model.AutomationRule{},
		positions:  map[positionKey]model.UserPosition{},
		members:    map[positionKey]string{},
		nextID:     1,
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.houses {
		v.Grid = v.Grid.Clone()
		c.houses[k] = v
	}
	for k, v := range d.sensors {
		c.sensors[k] = v
	}
	for k, v := range d.equipments {
		v.AllowedRoles = append(v.AllowedRoles[:0:0], v.AllowedRoles...)
		c.equipments[k] = v
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	c.events = append([]model.Event(nil), d.events...)
	c.nextID = d.nextID
	return c
}

func (d *data) id() int64 {
	id := d.nextID
	d.nextID++
	return id
}

// seen keeps generated ids above explicitly seeded ones.
func (d *data) seen(id int64) {
	if id >= d.nextID {
		d.nextID = id + 1
	}
}

// Store keeps all state in memory.
type Store struct {
	mu   sync.Mutex
	data *data

	// CommitError, when set, makes the next Commit fail without applying.
	CommitError error
}

func New() *Store {
	return &Store{data: newData()}
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &Tx{store: s, data: s.data.clone()}, nil
}

func (s *Store) Close() error {
	return nil
}

// Seeding helpers, used by tests and the demo fixtures. Zero ids are assigned.

func (s *Store) AddHouse(h model.House) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == 0 {
		h.ID = s.data.id()
	}
	s.data.seen(h.ID)
	s.data.houses[h.ID] = h
	s.data.members[positionKey{h.ID, h.UserID}] = "owner"
	return h.ID
}

func (s *Store) AddMember(houseID, userID int64, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.members[positionKey{houseID, userID}] = role
}

func (s *Store) AddSensor(sensor model.Sensor) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sensor.ID == 0 {
		sensor.ID = s.data.id()
	}
	s.data.seen(sensor.ID)
	s.data.sensors[sensor.ID] = sensor
	return sensor.ID
}

func (s *Store) AddEquipment(e model.Equipment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		e.ID = s.data.id()
	}
	s.data.seen(e.ID)
	s.data.equipments[e.ID] = e
	return e.ID
}

func (s *Store) AddRule(r model.AutomationRule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.data.id()
	}
	s.data.seen(r.ID)
	s.data.rules[r.ID] = r
	return r.ID
}

func (s *Store) AddPosition(p model.UserPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.positions[positionKey{p.HouseID, p.UserID}] = p
}

func (s *Store) AddEvent(ev model.Event) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == 0 {
		ev.ID = s.data.id()
	}
	s.data.seen(ev.ID)
	s.data.events = append(s.data.events, ev)
	return ev.ID
}

// Snapshot accessors reading committed state.

func (s *Store) GetSensor(id int64) (model.Sensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.sensors[id]
	return v, ok
}

func (s *Store) GetEquipment(id int64) (model.Equipment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.equipments[id]
	return v, ok
}

func (s *Store) GetRule(id int64) (model.AutomationRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.rules[id]
	return v, ok
}

func (s *Store) GetHouse(id int64) (model.House, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.houses[id]
	if ok {
		v.Grid = v.Grid.Clone()
	}
	return v, ok
}

// AllEvents returns every committed event in insertion order.
func (s *Store) AllEvents() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.data.events...)
}

// Tx holds the store lock until Commit or Rollback.
type Tx struct {
	store *Store
	data  *data
	done  bool
}

var errTxDone = errors.New("transaction already finished")

func (tx *Tx) finish() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}

func (tx *Tx) Commit() error {
	if tx.done {
		return errTxDone
	}
	if err := tx.store.CommitError; err != nil {
		tx.store.CommitError = nil
		tx.finish()
		return err
	}
	tx.store.data = tx.data
	return tx.finish()
}

func (tx *Tx) Rollback() error {
	return tx.finish()
}

func notFound(kind string, id int64) error {
	return errors.Wrapf(store.ErrNotFound, "%s %d", kind, id)
}

func (tx *Tx) House(ctx context.Context, id int64) (*model.House, error) {
	h, ok := tx.data.houses[id]
	if !ok {
		return nil, notFound("house", id)
	}
	h.Grid = h.Grid.Clone()
	return &h, nil
}

func (tx *Tx) UpdateHouseGrid(ctx context.Context, houseID int64, grid *model.Grid) error {
	h, ok := tx.data.houses[houseID]
	if !ok {
		return notFound("house", houseID)
	}
	h.Grid = grid.Clone()
	tx.data.houses[houseID] = h
	return nil
}

func (tx *Tx) Sensor(ctx context.Context, id int64) (*model.Sensor, error) {
	s, ok := tx.data.sensors[id]
	if !ok {
		return nil, notFound("sensor", id)
	}
	return &s, nil
}

func (tx *Tx) Sensors(ctx context.Context, houseID int64) ([]model.Sensor, error) {
	var ret []model.Sensor
	for _, s := range tx.data.sensors {
		if s.HouseID == houseID {
			ret = append(ret, s)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (tx *Tx) SensorsByType(ctx context.Context, houseID int64, sensorType string) ([]model.Sensor, error) {
	all, _ := tx.Sensors(ctx, houseID)
	var ret []model.Sensor
	for _, s := range all {
		if s.Type == sensorType {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func (tx *Tx) UpdateSensor(ctx context.Context, s *model.Sensor) error {
	if _, ok := tx.data.sensors[s.ID]; !ok {
		return notFound("sensor", s.ID)
	}
	tx.data.sensors[s.ID] = *s
	return nil
}

func (tx *Tx) Equipment(ctx context.Context, id int64) (*model.Equipment, error) {
	e, ok := tx.data.equipments[id]
	if !ok {
		return nil, notFound("equipment", id)
	}
	return &e, nil
}

func (tx *Tx) Equipments(ctx context.Context, houseID int64) ([]model.Equipment, error) {
	var ret []model.Equipment
	for _, e := range tx.data.equipments {
		if e.HouseID == houseID {
			ret = append(ret, e)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (tx *Tx) UpdateEquipment(ctx context.Context, e *model.Equipment) error {
	if _, ok := tx.data.equipments[e.ID]; !ok {
		return notFound("equipment", e.ID)
	}
	tx.data.equipments[e.ID] = *e
	return nil
}

func (tx *Tx) Rule(ctx context.Context, id int64) (*model.AutomationRule, error) {
	r, ok := tx.data.rules[id]
	if !ok {
		return nil, notFound("rule", id)
	}
	return &r, nil
}

func containsID(li []int64, id int64) bool {
	for _, v := range li {
		if v == id {
			return true
		}
	}
	return false
}

func (tx *Tx) ActiveRules(ctx context.Context, filter store.RuleFilter) ([]model.AutomationRule, error) {
	var ret []model.AutomationRule
	for _, r := range tx.data.rules {
		if !r.IsActive {
			continue
		}
		if filter.HouseID != nil && r.HouseID != *filter.HouseID {
			continue
		}
		if filter.SensorIDs != nil && !containsID(filter.SensorIDs, r.SensorID) {
			continue
		}
		ret = append(ret, r)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (tx *Tx) InsertRule(ctx context.Context, r *model.AutomationRule) error {
	r.ID = tx.data.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	tx.data.rules[r.ID] = *r
	return nil
}

func (tx *Tx) DeleteRule(ctx context.Context, id int64) error {
	if _, ok := tx.data.rules[id]; !ok {
		return notFound("rule", id)
	}
	delete(tx.data.rules, id)
	return nil
}

func (tx *Tx) TouchRule(ctx context.Context, id int64, triggered time.Time) error {
	r, ok := tx.data.rules[id]
	if !ok {
		return notFound("rule", id)
	}
	r.LastTriggered = &triggered
	tx.data.rules[id] = r
	return nil
}

func (tx *Tx) ActivePositions(ctx context.Context, houseID int64) ([]model.UserPosition, error) {
	var ret []model.UserPosition
	for _, p := range tx.data.positions {
		if p.HouseID == houseID && p.IsActive {
			ret = append(ret, p)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].UserID < ret[j].UserID })
	return ret, nil
}

func (tx *Tx) Position(ctx context.Context, houseID, userID int64) (*model.UserPosition, error) {
	p, ok := tx.data.positions[positionKey{houseID, userID}]
	if !ok {
		return nil, notFound("position of user", userID)
	}
	return &p, nil
}

func (tx *Tx) UpsertPosition(ctx context.Context, p *model.UserPosition) error {
	tx.data.positions[positionKey{p.HouseID, p.UserID}] = *p
	return nil
}

func (tx *Tx) InsertEvent(ctx context.Context, ev *model.Event) error {
	ev.ID = tx.data.id()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	tx.data.events = append(tx.data.events, *ev)
	return nil
}

func (tx *Tx) Events(ctx context.Context, filter store.EventFilter) ([]model.Event, int, error) {
	var matched []model.Event
	for _, ev := range tx.data.events {
		if ev.HouseID != filter.HouseID {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.UserID != nil && (ev.UserID == nil || *ev.UserID != *filter.UserID) {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, ev)
	}
	// newest first
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (tx *Tx) CountEvents(ctx context.Context, houseID int64) (int, error) {
	n := 0
	for _, ev := range tx.data.events {
		if ev.HouseID == houseID {
			n++
		}
	}
	return n, nil
}

func contains(li []string, s string) bool {
	for _, v := range li {
		if v == s {
			return true
		}
	}
	return false
}

func (tx *Tx) DeleteEventsBefore(ctx context.Context, houseID int64, types []string, cutoff time.Time) (int, error) {
	kept := tx.data.events[:0:0]
	deleted := 0
	for _, ev := range tx.data.events {
		if ev.HouseID == houseID && contains(types, ev.EventType) && ev.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	tx.data.events = kept
	return deleted, nil
}

func (tx *Tx) DeleteOldestEvents(ctx context.Context, houseID int64, types []string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var candidates []model.Event
	for _, ev := range tx.data.events {
		if ev.HouseID == houseID && contains(types, ev.EventType) {
			candidates = append(candidates, ev)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	doomed := map[int64]bool{}
	for _, ev := range candidates {
		doomed[ev.ID] = true
	}
	kept := tx.data.events[:0:0]
	for _, ev := range tx.data.events {
		if !doomed[ev.ID] {
			kept = append(kept, ev)
		}
	}
	tx.data.events = kept
	return len(candidates), nil
}

func (tx *Tx) MemberRole(ctx context.Context, houseID, userID int64) (string, error) {
	return tx.data.members[positionKey{houseID, userID}], nil
}
