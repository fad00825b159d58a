// Package postgres implements store.Store on PostgreSQL using sqlx.
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type Store struct {
	db *sqlx.DB
}

// Open connects to the database and applies the pool limits.
func Open(dsn string, maxConns, maxIdle int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return errors.Wrap(err, "applying schema")
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Commit() error {
	return errors.Wrap(t.tx.Commit(), "commit")
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func get(ctx context.Context, tx *sqlx.Tx, dest interface{}, kind string, id int64, query string, args ...interface{}) error {
	err := tx.GetContext(ctx, dest, query, args...)
	if err == sql.ErrNoRows {
		return errors.Wrapf(store.ErrNotFound, "%s %d", kind, id)
	}
	return errors.Wrapf(err, "loading %s %d", kind, id)
}

func exec(ctx context.Context, tx *sqlx.Tx, kind string, id int64, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "updating %s %d", kind, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(store.ErrNotFound, "%s %d", kind, id)
	}
	return nil
}

const houseColumns = `id, user_id, name, width, length, grid`

func (t *Tx) House(ctx context.Context, id int64) (*model.House, error) {
	var h model.House
	err := get(ctx, t.tx, &h, "house", id, `SELECT `+houseColumns+` FROM houses WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *Tx) UpdateHouseGrid(ctx context.Context, houseID int64, grid *model.Grid) error {
	var value interface{}
	if grid != nil {
		value = *grid
	}
	return exec(ctx, t.tx, "house", houseID, `UPDATE houses SET grid = $1 WHERE id = $2`, value, houseID)
}

const sensorColumns = `id, house_id, room_id, name, type, value, unit, is_active, last_update`

func (t *Tx) Sensor(ctx context.Context, id int64) (*model.Sensor, error) {
	var s model.Sensor
	err := get(ctx, t.tx, &s, "sensor", id, `SELECT `+sensorColumns+` FROM sensors WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *Tx) Sensors(ctx context.Context, houseID int64) ([]model.Sensor, error) {
	var ret []model.Sensor
	err := t.tx.SelectContext(ctx, &ret, `SELECT `+sensorColumns+` FROM sensors WHERE house_id = $1 ORDER BY id`, houseID)
	return ret, errors.Wrap(err, "listing sensors")
}

func (t *Tx) SensorsByType(ctx context.Context, houseID int64, sensorType string) ([]model.Sensor, error) {
	var ret []model.Sensor
	err := t.tx.SelectContext(ctx, &ret, `SELECT `+sensorColumns+` FROM sensors
		WHERE house_id = $1 AND type = $2 ORDER BY id`, houseID, sensorType)
	return ret, errors.Wrap(err, "listing sensors by type")
}

func (t *Tx) UpdateSensor(ctx context.Context, s *model.Sensor) error {
	return exec(ctx, t.tx, "sensor", s.ID, `UPDATE sensors
		SET name = $1, value = $2, unit = $3, is_active = $4, last_update = $5 WHERE id = $6`,
		s.Name, s.Value, s.Unit, s.IsActive, s.LastUpdate, s.ID)
}

const equipmentColumns = `id, house_id, room_id, name, type, state, is_active, allowed_roles, last_update`

func (t *Tx) Equipment(ctx context.Context, id int64) (*model.Equipment, error) {
	var e model.Equipment
	err := get(ctx, t.tx, &e, "equipment", id, `SELECT `+equipmentColumns+` FROM equipments WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *Tx) Equipments(ctx context.Context, houseID int64) ([]model.Equipment, error) {
	var ret []model.Equipment
	err := t.tx.SelectContext(ctx, &ret, `SELECT `+equipmentColumns+` FROM equipments WHERE house_id = $1 ORDER BY id`, houseID)
	return ret, errors.Wrap(err, "listing equipments")
}

func (t *Tx) UpdateEquipment(ctx context.Context, e *model.Equipment) error {
	return exec(ctx, t.tx, "equipment", e.ID, `UPDATE equipments
		SET name = $1, state = $2, is_active = $3, last_update = $4 WHERE id = $5`,
		e.Name, e.State, e.IsActive, e.LastUpdate, e.ID)
}

const ruleColumns = `id, house_id, name, description, is_active, sensor_id, condition_operator,
	condition_value, equipment_id, action_state, created_at, last_triggered`

func (t *Tx) Rule(ctx context.Context, id int64) (*model.AutomationRule, error) {
	var r model.AutomationRule
	err := get(ctx, t.tx, &r, "rule", id, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) ActiveRules(ctx context.Context, filter store.RuleFilter) ([]model.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE is_active`
	var args []interface{}
	if filter.HouseID != nil {
		args = append(args, *filter.HouseID)
		query += ` AND house_id = $1`
	}
	if filter.SensorIDs != nil {
		args = append(args, pq.Array(filter.SensorIDs))
		if len(args) == 1 {
			query += ` AND sensor_id = ANY($1)`
		} else {
			query += ` AND sensor_id = ANY($2)`
		}
	}
	query += ` ORDER BY id`
	var ret []model.AutomationRule
	err := t.tx.SelectContext(ctx, &ret, query, args...)
	return ret, errors.Wrap(err, "loading active rules")
}

func (t *Tx) InsertRule(ctx context.Context, r *model.AutomationRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	err := t.tx.QueryRowxContext(ctx, `INSERT INTO automation_rules
		(house_id, name, description, is_active, sensor_id, condition_operator, condition_value,
		 equipment_id, action_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		r.HouseID, r.Name, r.Description, r.IsActive, r.SensorID, r.ConditionOperator,
		r.ConditionValue, r.EquipmentID, r.ActionState, r.CreatedAt).Scan(&r.ID)
	return errors.Wrap(err, "inserting rule")
}

func (t *Tx) DeleteRule(ctx context.Context, id int64) error {
	return exec(ctx, t.tx, "rule", id, `DELETE FROM automation_rules WHERE id = $1`, id)
}

func (t *Tx) TouchRule(ctx context.Context, id int64, triggered time.Time) error {
	return exec(ctx, t.tx, "rule", id, `UPDATE automation_rules SET last_triggered = $1 WHERE id = $2`, triggered, id)
}

const positionColumns = `house_id, user_id, x, y, is_active, last_update`

func (t *Tx) ActivePositions(ctx context.Context, houseID int64) ([]model.UserPosition, error) {
	var ret []model.UserPosition
	err := t.tx.SelectContext(ctx, &ret, `SELECT `+positionColumns+` FROM user_positions
		WHERE house_id = $1 AND is_active ORDER BY user_id`, houseID)
	return ret, errors.Wrap(err, "loading positions")
}

func (t *Tx) Position(ctx context.Context, houseID, userID int64) (*model.UserPosition, error) {
	var p model.UserPosition
	err := get(ctx, t.tx, &p, "position of user", userID, `SELECT `+positionColumns+` FROM user_positions
		WHERE house_id = $1 AND user_id = $2`, houseID, userID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) UpsertPosition(ctx context.Context, p *model.UserPosition) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO user_positions (house_id, user_id, x, y, is_active, last_update)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (house_id, user_id) DO UPDATE
		SET x = EXCLUDED.x, y = EXCLUDED.y, is_active = EXCLUDED.is_active, last_update = EXCLUDED.last_update`,
		p.HouseID, p.UserID, p.X, p.Y, p.IsActive, p.LastUpdate)
	return errors.Wrap(err, "saving position")
}

func (t *Tx) InsertEvent(ctx context.Context, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	err := t.tx.QueryRowxContext(ctx, `INSERT INTO event_history
		(house_id, user_id, event_type, entity_type, entity_id, description, metadata, created_at, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		ev.HouseID, ev.UserID, ev.EventType, ev.EntityType, ev.EntityID, ev.Description,
		ev.Metadata, ev.CreatedAt, ev.IPAddress).Scan(&ev.ID)
	return errors.Wrap(err, "inserting event")
}

const eventColumns = `id, house_id, user_id, event_type, entity_type, entity_id, description,
	metadata, created_at, ip_address`

func (t *Tx) Events(ctx context.Context, filter store.EventFilter) ([]model.Event, int, error) {
	where := ` WHERE house_id = $1`
	args := []interface{}{filter.HouseID}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where += " AND " + clause + " $" + strconv.Itoa(len(args))
	}
	if filter.EventType != "" {
		add("event_type =", filter.EventType)
	}
	if filter.UserID != nil {
		add("user_id =", *filter.UserID)
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}

	var total int
	if err := t.tx.GetContext(ctx, &total, `SELECT COUNT(*) FROM event_history`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "counting events")
	}

	query := `SELECT ` + eventColumns + ` FROM event_history` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}
	var ret []model.Event
	err := t.tx.SelectContext(ctx, &ret, query, args...)
	return ret, total, errors.Wrap(err, "listing events")
}

func (t *Tx) CountEvents(ctx context.Context, houseID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM event_history WHERE house_id = $1`, houseID)
	return n, errors.Wrap(err, "counting events")
}

func rowsAffected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *Tx) DeleteEventsBefore(ctx context.Context, houseID int64, types []string, cutoff time.Time) (int, error) {
	n, err := rowsAffected(t.tx.ExecContext(ctx, `DELETE FROM event_history
		WHERE house_id = $1 AND event_type = ANY($2) AND created_at < $3`,
		houseID, pq.Array(types), cutoff))
	return n, errors.Wrap(err, "deleting old events")
}

func (t *Tx) DeleteOldestEvents(ctx context.Context, houseID int64, types []string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	n, err := rowsAffected(t.tx.ExecContext(ctx, `DELETE FROM event_history WHERE id IN (
		SELECT id FROM event_history WHERE house_id = $1 AND event_type = ANY($2)
		ORDER BY created_at ASC, id ASC LIMIT $3)`,
		houseID, pq.Array(types), limit))
	return n, errors.Wrap(err, "deleting oldest events")
}

func (t *Tx) MemberRole(ctx context.Context, houseID, userID int64) (string, error) {
	var owner int64
	err := t.tx.GetContext(ctx, &owner, `SELECT user_id FROM houses WHERE id = $1`, houseID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "loading house owner")
	}
	if owner == userID {
		return "owner", nil
	}
	var role string
	err = t.tx.GetContext(ctx, &role, `SELECT role FROM house_members
		WHERE house_id = $1 AND user_id = $2 AND status = 'accepted'`, houseID, userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, errors.Wrap(err, "loading membership")
}
