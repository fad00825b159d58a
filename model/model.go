// Package model holds the entities shared by the automation engine, the presence
// deriver, the broadcast hub and the stores.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var ErrInvalidType = errors.New("invalid type")

const (
	SensorTemperature = "temperature"
	SensorLuminosity  = "luminosity"
	SensorRain        = "rain"
	SensorPresence    = "presence"
)

var SensorTypes = []string{SensorTemperature, SensorLuminosity, SensorRain, SensorPresence}

const (
	EquipmentShutter     = "shutter"
	EquipmentDoor        = "door"
	EquipmentLight       = "light"
	EquipmentSoundSystem = "sound_system"
)

var EquipmentTypes = []string{EquipmentShutter, EquipmentDoor, EquipmentLight, EquipmentSoundSystem}

func contains(li []string, s string) bool {
	for _, v := range li {
		if v == s {
			return true
		}
	}
	return false
}

// ValidateSensorType returns ErrInvalidType for unknown sensor types.
func ValidateSensorType(t string) error {
	if !contains(SensorTypes, t) {
		return errors.Wrapf(ErrInvalidType, "sensor type %q, must be one of %v", t, SensorTypes)
	}
	return nil
}

// ValidateEquipmentType returns ErrInvalidType for unknown equipment types.
func ValidateEquipmentType(t string) error {
	if !contains(EquipmentTypes, t) {
		return errors.Wrapf(ErrInvalidType, "equipment type %q, must be one of %v", t, EquipmentTypes)
	}
	return nil
}

// DefaultUnit for a sensor type.
func DefaultUnit(sensorType string) string {
	switch sensorType {
	case SensorTemperature:
		return "°C"
	case SensorLuminosity:
		return "lux"
	case SensorRain:
		return "%"
	case SensorPresence:
		return "bool"
	}
	return ""
}

type House struct {
	ID     int64  `db:"id" json:"id"`
	UserID int64  `db:"user_id" json:"user_id"`
	Name   string `db:"name" json:"name"`
	Width  int    `db:"width" json:"width"`
	Length int    `db:"length" json:"length"`
	Grid   *Grid  `db:"grid" json:"grid"`
}

// Dimensions of the house floor: taken from the grid when present, otherwise
// from the declared width and length.
func (h *House) Dimensions() (width, height int) {
	if h.Grid != nil && h.Grid.Rows() > 0 {
		return h.Grid.Cols(), h.Grid.Rows()
	}
	return h.Width, h.Length
}

type Sensor struct {
	ID         int64     `db:"id" json:"id"`
	HouseID    int64     `db:"house_id" json:"house_id"`
	RoomID     *int64    `db:"room_id" json:"room_id"`
	Name       string    `db:"name" json:"name"`
	Type       string    `db:"type" json:"type"`
	Value      *float64  `db:"value" json:"value"`
	Unit       string    `db:"unit" json:"unit"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	LastUpdate time.Time `db:"last_update" json:"last_update"`
}

type Equipment struct {
	ID           int64          `db:"id" json:"id"`
	HouseID      int64          `db:"house_id" json:"house_id"`
	RoomID       *int64         `db:"room_id" json:"room_id"`
	Name         string         `db:"name" json:"name"`
	Type         string         `db:"type" json:"type"`
	State        string         `db:"state" json:"state"`
	IsActive     bool           `db:"is_active" json:"is_active"`
	AllowedRoles pq.StringArray `db:"allowed_roles" json:"allowed_roles"`
	LastUpdate   time.Time      `db:"last_update" json:"last_update"`
}

// AutomationRule binds (sensor, operator, threshold) to (equipment, target state).
type AutomationRule struct {
	ID                int64      `db:"id" json:"id"`
	HouseID           int64      `db:"house_id" json:"house_id"`
	Name              string     `db:"name" json:"name"`
	Description       string     `db:"description" json:"description"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	SensorID          int64      `db:"sensor_id" json:"sensor_id"`
	ConditionOperator string     `db:"condition_operator" json:"condition_operator"`
	ConditionValue    float64    `db:"condition_value" json:"condition_value"`
	EquipmentID       int64      `db:"equipment_id" json:"equipment_id"`
	ActionState       string     `db:"action_state" json:"action_state"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	LastTriggered     *time.Time `db:"last_triggered" json:"last_triggered"`
}

type UserPosition struct {
	HouseID    int64     `db:"house_id" json:"house_id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	X          int       `db:"x" json:"x"`
	Y          int       `db:"y" json:"y"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	LastUpdate time.Time `db:"last_update" json:"last_update"`
}

// Event types recorded in the history log.
const (
	EventSensorReading       = "sensor_reading"
	EventEquipmentControl    = "equipment_control"
	EventMemberAction        = "member_action"
	EventAutomationTriggered = "automation_triggered"
	EventHouseModified       = "house_modified"
)

// Entity types referenced by history events.
const (
	EntityEquipment      = "equipment"
	EntitySensor         = "sensor"
	EntityMember         = "member"
	EntityAutomationRule = "automation_rule"
	EntityHouse          = "house"
	EntityRoom           = "room"
)

var EventTypeLabels = map[string]string{
	EventEquipmentControl:    "Equipment control",
	EventSensorReading:       "Sensor reading",
	EventMemberAction:        "Member action",
	EventAutomationTriggered: "Automation triggered",
	EventHouseModified:       "House modified",
}

var EntityTypeLabels = map[string]string{
	EntityEquipment:      "Equipment",
	EntitySensor:         "Sensor",
	EntityMember:         "Member",
	EntityAutomationRule: "Automation rule",
	EntityHouse:          "House",
	EntityRoom:           "Room",
}

// Metadata is the free-form structured payload of an event, stored as JSON.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("metadata: unsupported type %T", src)
	}
	return json.Unmarshal(data, m)
}

// Event is an append-only audit record.
type Event struct {
	ID          int64     `db:"id" json:"id"`
	HouseID     int64     `db:"house_id" json:"house_id"`
	UserID      *int64    `db:"user_id" json:"user_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    *int64    `db:"entity_id" json:"entity_id"`
	Description string    `db:"description" json:"description"`
	Metadata    Metadata  `db:"metadata" json:"metadata"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	IPAddress   *string   `db:"ip_address" json:"ip_address"`
}

// Int64 returns a pointer to n, for the nullable id fields.
func Int64(n int64) *int64 {
	return &n
}

// Float64 returns a pointer to f, for nullable sensor values.
func Float64(f float64) *float64 {
	return &f
}
