package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/store"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

func (service *Service) viewHouse(r *http.Request, houseID int64) error {
	userID, err := user(r)
	if err != nil {
		return err
	}
	return check(service.perms.CanView(r.Context(), userID, houseID))
}

func countBy(keys []string) map[string]int {
	counts := map[string]int{}
	for _, k := range keys {
		counts[k]++
	}
	return counts
}

func apiStatusResponse(sensors []model.Sensor, equipments []model.Equipment) map[string]interface{} {
	var sensorTypes, equipmentTypes, states []string
	sensorDetails := []map[string]interface{}{}
	for _, s := range sensors {
		if !s.IsActive {
			continue
		}
		sensorTypes = append(sensorTypes, s.Type)
		sensorDetails = append(sensorDetails, map[string]interface{}{
			"id":    s.ID,
			"type":  s.Type,
			"value": s.Value,
			"unit":  s.Unit,
		})
	}
	equipmentDetails := []map[string]interface{}{}
	for _, e := range equipments {
		if !e.IsActive {
			continue
		}
		equipmentTypes = append(equipmentTypes, e.Type)
		states = append(states, e.State)
		equipmentDetails = append(equipmentDetails, map[string]interface{}{
			"id":    e.ID,
			"type":  e.Type,
			"state": e.State,
		})
	}
	return map[string]interface{}{
		"sensors": map[string]interface{}{
			"count":   len(sensorDetails),
			"by_type": countBy(sensorTypes),
			"details": sensorDetails,
		},
		"equipments": map[string]interface{}{
			"count":    len(equipmentDetails),
			"by_type":  countBy(equipmentTypes),
			"by_state": countBy(states),
			"details":  equipmentDetails,
		},
	}
}

func (service *Service) apiStatus(w http.ResponseWriter, r *http.Request) error {
	houseID, err := queryHouse(r)
	if err != nil {
		return err
	}
	if err := service.viewHouse(r, houseID); err != nil {
		return err
	}
	var (
		sensors    []model.Sensor
		equipments []model.Equipment
	)
	err = service.read(r.Context(), func(tx store.Tx) error {
		if sensors, err = tx.Sensors(r.Context(), houseID); err != nil {
			return err
		}
		equipments, err = tx.Equipments(r.Context(), houseID)
		return err
	})
	if err != nil {
		return err
	}
	jsonResponse(w, http.StatusOK, apiStatusResponse(sensors, equipments))
	return nil
}

func (service *Service) apiPresence(w http.ResponseWriter, r *http.Request) error {
	houseID, err := queryHouse(r)
	if err != nil {
		return err
	}
	if err := service.viewHouse(r, houseID); err != nil {
		return err
	}
	var sensors []model.Sensor
	err = service.read(r.Context(), func(tx store.Tx) error {
		sensors, err = tx.SensorsByType(r.Context(), houseID, model.SensorPresence)
		return err
	})
	if err != nil {
		return err
	}
	states := []map[string]interface{}{}
	for _, s := range sensors {
		var lastUpdate *string
		if !s.LastUpdate.IsZero() {
			t := s.LastUpdate.UTC().Format(time.RFC3339)
			lastUpdate = &t
		}
		states = append(states, map[string]interface{}{
			"id":          s.ID,
			"room_id":     s.RoomID,
			"name":        s.Name,
			"detected":    s.Value != nil && *s.Value != 0,
			"last_update": lastUpdate,
		})
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"presence_sensors": states})
	return nil
}

func (service *Service) apiSensorUpdate(w http.ResponseWriter, r *http.Request) error {
	userID, err := user(r)
	if err != nil {
		return err
	}
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var change services.SensorChange
	if err := decode(r, &change); err != nil {
		return err
	}

	err = service.read(r.Context(), func(tx store.Tx) error {
		sensor, err := tx.Sensor(r.Context(), id)
		if err != nil {
			return err
		}
		return check(service.perms.CanControlTx(r.Context(), tx, userID, sensor.HouseID, nil))
	})
	if err != nil {
		return err
	}

	result, err := service.deps.WriteSensor(r.Context(), id, change, &userID)
	if err != nil {
		return err
	}
	if result.Actions == nil {
		result.Actions = []automation.Action{}
	}
	jsonResponse(w, http.StatusOK, result)
	return nil
}

type equipmentChange struct {
	Name         *string   `json:"name"`
	State        *string   `json:"state"`
	IsActive     *bool     `json:"is_active"`
	AllowedRoles *[]string `json:"allowed_roles"`
}

func equalRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c equipmentChange) apply(e *model.Equipment) map[string]interface{} {
	changes := map[string]interface{}{}
	set := func(field string, old, new interface{}) {
		changes[field] = map[string]interface{}{"old": old, "new": new}
	}
	if c.Name != nil && *c.Name != e.Name {
		set("name", e.Name, *c.Name)
		e.Name = *c.Name
	}
	if c.State != nil && *c.State != e.State {
		set("state", e.State, *c.State)
		e.State = *c.State
	}
	if c.IsActive != nil && *c.IsActive != e.IsActive {
		set("is_active", e.IsActive, *c.IsActive)
		e.IsActive = *c.IsActive
	}
	if c.AllowedRoles != nil && !equalRoles(*c.AllowedRoles, e.AllowedRoles) {
		set("allowed_roles", []string(e.AllowedRoles), *c.AllowedRoles)
		e.AllowedRoles = pq.StringArray(*c.AllowedRoles)
	}
	return changes
}

func describeEquipmentChange(e *model.Equipment, changes map[string]interface{}) string {
	var parts []string
	for _, field := range []string{"state", "is_active"} {
		if c, ok := changes[field].(map[string]interface{}); ok {
			label := field
			if field == "is_active" {
				label = "active"
			}
			parts = append(parts, fmt.Sprintf("%s %v → %v", label, c["old"], c["new"]))
		}
	}
	if _, ok := changes["name"]; ok {
		parts = append(parts, "name changed")
	}
	if _, ok := changes["allowed_roles"]; ok {
		parts = append(parts, "roles changed")
	}
	return fmt.Sprintf("Equipment %s updated: %s", e.Name, strings.Join(parts, ", "))
}

func (service *Service) apiEquipmentUpdate(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := user(r)
	if err != nil {
		return err
	}
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var change equipmentChange
	if err := decode(r, &change); err != nil {
		return err
	}

	var (
		equipment *model.Equipment
		changed   bool
	)
	err = store.Run(ctx, service.deps.Store, func(tx store.Tx) error {
		equipment, err = tx.Equipment(ctx, id)
		if err != nil {
			return err
		}
		if err := check(service.perms.CanControlTx(ctx, tx, userID, equipment.HouseID, equipment)); err != nil {
			return err
		}
		changes := change.apply(equipment)
		if len(changes) == 0 {
			return nil
		}
		changed = true
		equipment.LastUpdate = time.Now()
		if err := tx.UpdateEquipment(ctx, equipment); err != nil {
			return err
		}
		return service.record(ctx, tx, &model.Event{
			HouseID:     equipment.HouseID,
			UserID:      &userID,
			EventType:   model.EventEquipmentControl,
			EntityType:  model.EntityEquipment,
			EntityID:    model.Int64(equipment.ID),
			Description: describeEquipmentChange(equipment, changes),
			Metadata: model.Metadata{
				"action":         "update",
				"changes":        changes,
				"equipment_type": equipment.Type,
			},
			IPAddress: remoteIP(r),
		})
	})
	if err != nil {
		return err
	}
	if changed {
		msg := pubsub.NewEquipmentUpdate(equipment)
		msg.SetField("triggered_by", "user")
		msg.SetField("user_id", userID)
		service.deps.Publisher.Emit(msg)
		service.afterInsert(ctx, equipment.HouseID)
		service.logger.Info("equipment controlled", zap.Int64("equipment_id", id), zap.Int64("user_id", userID),
			zap.String("state", equipment.State))
	}
	jsonResponse(w, http.StatusOK, equipment)
	return nil
}
