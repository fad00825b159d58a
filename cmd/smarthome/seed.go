package main

import (
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store/memory"
)

// seedDemo fills the in-memory store with one 5x5 house owned by user 1, an
// occupant (user 2), and a couple of rules to play with.
func seedDemo(s *memory.Store) {
	now := time.Now()
	grid := model.NewEmptyGrid(5, 5)
	house := s.AddHouse(model.House{UserID: 1, Name: "Demo", Width: 5, Length: 5})
	s.AddMember(house, 2, "occupant")

	hall := s.AddSensor(model.Sensor{HouseID: house, Name: "Présence entrée", Type: model.SensorPresence,
		Value: model.Float64(0), Unit: model.DefaultUnit(model.SensorPresence), IsActive: true, LastUpdate: now})
	temp := s.AddSensor(model.Sensor{HouseID: house, Name: "Température salon", Type: model.SensorTemperature,
		Value: model.Float64(21), Unit: model.DefaultUnit(model.SensorTemperature), IsActive: true, LastUpdate: now})
	light := s.AddEquipment(model.Equipment{HouseID: house, Name: "Lumière entrée", Type: model.EquipmentLight,
		State: "off", IsActive: true, LastUpdate: now})
	shutter := s.AddEquipment(model.Equipment{HouseID: house, Name: "Volet salon", Type: model.EquipmentShutter,
		State: "open", IsActive: true, LastUpdate: now})

	grid.PaintSensor(hall, []model.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}})
	grid.AddEquipment(0, 0, light)
	grid.AddEquipment(4, 4, shutter)
	s.AddHouse(model.House{ID: house, UserID: 1, Name: "Demo", Width: 5, Length: 5, Grid: grid})

	s.AddRule(model.AutomationRule{HouseID: house, Name: "Allumer l'entrée", IsActive: true, SensorID: hall,
		ConditionOperator: "==", ConditionValue: 1, EquipmentID: light, ActionState: "on", CreatedAt: now})
	s.AddRule(model.AutomationRule{HouseID: house, Name: "Éteindre l'entrée", IsActive: true, SensorID: hall,
		ConditionOperator: "==", ConditionValue: 0, EquipmentID: light, ActionState: "off", CreatedAt: now})
	s.AddRule(model.AutomationRule{HouseID: house, Name: "Fermer si chaud", IsActive: true, SensorID: temp,
		ConditionOperator: ">", ConditionValue: 28, EquipmentID: shutter, ActionState: "closed", CreatedAt: now})
}
