package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/config"
	"github.com/barnybug/smarthome/hub"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/presence"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/pubsub/dummy"
	"github.com/barnybug/smarthome/retention"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/store/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ExampleInterfaces() {
	var _ services.Service = (*Service)(nil)
	// Output:
}

func ExampleIndex() {
	rec := httptest.NewRecorder()
	r := http.Request{}
	apiIndex(rec, &r)
	fmt.Println(rec.Body)
	// Output:
	// <html>Smarthome is listening</html>
}

const (
	owner     = 1
	occupant  = 2
	admin     = 3
	stranger  = 9
	houseID   = 100
	tempID    = 5
	shutterID = 6
	lampID    = 7
	presentID = 10
)

type fixture struct {
	store   *memory.Store
	pub     *dummy.Publisher
	service *Service
	handler http.Handler
}

// One house with a temperature sensor driving a shutter rule, a lamp
// restricted to administrators and a presence sensor at (0,0).
func setup(t *testing.T) *fixture {
	s := memory.New()
	grid := model.NewEmptyGrid(3, 3)
	grid.PaintSensor(presentID, []model.Point{{X: 0, Y: 0}})
	s.AddHouse(model.House{ID: houseID, UserID: owner, Name: "Maison", Width: 3, Length: 3, Grid: grid})
	s.AddMember(houseID, occupant, RoleOccupant)
	s.AddMember(houseID, admin, RoleAdministrator)
	s.AddSensor(model.Sensor{ID: tempID, HouseID: houseID, Name: "Salon", Type: model.SensorTemperature,
		Value: model.Float64(20), Unit: "°C", IsActive: true})
	s.AddSensor(model.Sensor{ID: presentID, HouseID: houseID, Name: "Entrée", Type: model.SensorPresence,
		Value: model.Float64(0), Unit: "bool", IsActive: true})
	s.AddEquipment(model.Equipment{ID: shutterID, HouseID: houseID, Name: "Volet", Type: model.EquipmentShutter,
		State: "open", IsActive: true})
	s.AddEquipment(model.Equipment{ID: lampID, HouseID: houseID, Name: "Lampe", Type: model.EquipmentLight,
		State: "off", IsActive: true, AllowedRoles: []string{RoleAdministrator}})
	s.AddRule(model.AutomationRule{HouseID: houseID, Name: "Chaleur", IsActive: true, SensorID: tempID,
		ConditionOperator: ">", ConditionValue: 28, EquipmentID: shutterID, ActionState: "closed"})

	logger := zap.NewNop()
	pub := &dummy.Publisher{}
	ret := retention.New(s, retention.DefaultPolicy(), logger, nil)
	ret.SetRandom(func() float64 { return 1 })
	engine := automation.New(s, pub, ret, logger, nil)
	d := &services.Deps{
		Config:    config.Default(),
		Logger:    logger,
		Store:     s,
		Hub:       hub.New(logger, hub.Options{}),
		Publisher: pub,
		Engine:    engine,
		Presence:  presence.New(s, pub, engine, logger, nil),
		Retention: ret,
	}
	service := New(d)
	return &fixture{store: s, pub: pub, service: service, handler: service.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		r.Header.Set(UserHeader, strconv.FormatInt(userID, 10))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusOf(errUnauthorized))
	assert.Equal(t, http.StatusForbidden, statusOf(errForbidden))
	assert.Equal(t, http.StatusBadRequest, statusOf(badRequest("x")))
	assert.Equal(t, http.StatusBadRequest, statusOf(errors.Wrap(presence.ErrOutOfBounds, "x")))
	assert.Equal(t, http.StatusBadRequest, statusOf(model.ErrGridTooLarge))
	assert.Equal(t, http.StatusInternalServerError, statusOf(automation.ErrPersistence))
}

func TestAuthenticate(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := Authenticate(r)
	assert.False(t, ok)

	r.Header.Set(UserHeader, "abc")
	_, ok = Authenticate(r)
	assert.False(t, ok)

	r = httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: UserCookie, Value: "42"})
	id, ok := Authenticate(r)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestPermissionLevels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	lamp, _ := f.store.GetEquipment(lampID)

	for _, tc := range []struct {
		user                      int64
		view, control, lamp, mgmt bool
		owner                     bool
	}{
		{owner, true, true, true, true, true},
		{admin, true, true, true, true, false},
		{occupant, true, true, false, false, false},
		{stranger, false, false, false, false, false},
	} {
		ok, err := f.service.perms.CanView(ctx, tc.user, houseID)
		require.NoError(t, err)
		assert.Equal(t, tc.view, ok, "view %d", tc.user)
		ok, _ = f.service.perms.CanControl(ctx, tc.user, houseID, nil)
		assert.Equal(t, tc.control, ok, "control %d", tc.user)
		ok, _ = f.service.perms.CanControl(ctx, tc.user, houseID, &lamp)
		assert.Equal(t, tc.lamp, ok, "lamp %d", tc.user)
		ok, _ = f.service.perms.CanManage(ctx, tc.user, houseID)
		assert.Equal(t, tc.mgmt, ok, "manage %d", tc.user)
		ok, _ = f.service.perms.IsOwner(ctx, tc.user, houseID)
		assert.Equal(t, tc.owner, ok, "owner %d", tc.user)
	}
}

func TestStatus(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/api/status?house_id=100", 0, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "GET", "/api/status?house_id=100", stranger, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/status", owner, "").Code)

	rec := f.do(t, "GET", "/api/status?house_id=100", occupant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	sensors := body["sensors"].(map[string]interface{})
	assert.Equal(t, 2.0, sensors["count"])
	equipments := body["equipments"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"open": 1.0, "off": 1.0}, equipments["by_state"])
}

func TestPresence(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "GET", "/api/presence?house_id=100", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	states := decodeBody(t, rec)["presence_sensors"].([]interface{})
	require.Len(t, states, 1)
	assert.Equal(t, false, states[0].(map[string]interface{})["detected"])
}

func TestSensorUpdateRunsRules(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "PUT", "/api/sensors/5", occupant, `{"value": 30}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["changed"])
	assert.Len(t, body["actions"], 1)

	shutter, _ := f.store.GetEquipment(shutterID)
	assert.Equal(t, "closed", shutter.State)
	assert.Equal(t, []string{pubsub.SensorUpdate, pubsub.EquipmentUpdate}, f.pub.Types())

	events := f.store.AllEvents()
	require.Len(t, events, 2)
	assert.Equal(t, int64(occupant), *events[0].UserID)
}

func TestSensorUpdateErrors(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "PUT", "/api/sensors/5", 0, `{"value": 30}`).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "PUT", "/api/sensors/5", stranger, `{"value": 30}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "PUT", "/api/sensors/99", owner, `{"value": 30}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/api/sensors/5", owner, `{"value":`).Code)
	assert.Empty(t, f.pub.Types())
}

func TestEquipmentUpdate(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "PUT", "/api/equipments/6", occupant, `{"state": "closed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "closed", decodeBody(t, rec)["state"])

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Data["triggered_by"])

	events := f.store.AllEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventEquipmentControl, events[0].EventType)
	assert.Equal(t, "Equipment Volet updated: state open → closed", events[0].Description)
	require.NotNil(t, events[0].IPAddress)
}

func TestEquipmentAllowedRoles(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusForbidden, f.do(t, "PUT", "/api/equipments/7", occupant, `{"state": "on"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "PUT", "/api/equipments/7", admin, `{"state": "on"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "PUT", "/api/equipments/7", owner, `{"state": "off"}`).Code)
}

func TestEquipmentUnchanged(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "PUT", "/api/equipments/6", owner, `{"state": "open"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.pub.Types())
	assert.Empty(t, f.store.AllEvents())
}

func TestTrigger(t *testing.T) {
	f := setup(t)
	f.store.AddSensor(model.Sensor{ID: tempID, HouseID: houseID, Name: "Salon", Type: model.SensorTemperature,
		Value: model.Float64(35), IsActive: true})

	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/api/automation/trigger?house_id=100", stranger, "").Code)

	rec := f.do(t, "POST", "/api/automation/trigger?house_id=100", occupant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Automation rules applied successfully", body["message"])
	assert.Equal(t, 1.0, body["actions_count"])

	// already closed: nothing to do
	rec = f.do(t, "POST", "/api/automation/trigger", occupant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["actions"])
}

func TestRuleCreate(t *testing.T) {
	f := setup(t)
	rule := `{"house_id": 100, "name": "Nuit", "sensor_id": 5, "condition_operator": "<",
		"condition_value": 10, "equipment_id": 7, "action_state": "on"}`

	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/api/automation/rules", occupant, rule).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/automation/rules", admin,
		strings.Replace(rule, `"<"`, `"~"`, 1)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/automation/rules", admin, `{"house_id": 100}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/automation/rules", admin,
		strings.Replace(rule, `"sensor_id": 5`, `"sensor_id": 99`, 1)).Code)

	rec := f.do(t, "POST", "/api/automation/rules", admin, rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := int64(decodeBody(t, rec)["id"].(float64))
	created, ok := f.store.GetRule(id)
	require.True(t, ok)
	assert.True(t, created.IsActive)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, pubsub.AutomationRuleCrud, msgs[0].Type)
	assert.Equal(t, pubsub.Created, msgs[0].Action)
}

func TestRuleCreateOtherHouse(t *testing.T) {
	f := setup(t)
	other := f.store.AddHouse(model.House{UserID: admin})
	f.store.AddSensor(model.Sensor{ID: 50, HouseID: other, Type: model.SensorRain, IsActive: true})

	rule := `{"house_id": 100, "name": "Pluie", "sensor_id": 50, "condition_operator": ">",
		"condition_value": 0, "equipment_id": 6, "action_state": "closed"}`
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/automation/rules", admin, rule).Code)
}

func TestRuleDelete(t *testing.T) {
	f := setup(t)
	id := f.store.AddRule(model.AutomationRule{HouseID: houseID, Name: "Temp", IsActive: true, SensorID: tempID,
		ConditionOperator: "<", ConditionValue: 0, EquipmentID: shutterID, ActionState: "closed"})
	path := fmt.Sprintf("/api/automation/rules/%d", id)

	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/automation/rules/999", owner, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "DELETE", path, occupant, "").Code)
	_, ok := f.store.GetRule(id)
	assert.True(t, ok)

	rec := f.do(t, "DELETE", path, owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Rule deleted", decodeBody(t, rec)["message"])
	_, ok = f.store.GetRule(id)
	assert.False(t, ok)
	assert.Equal(t, []string{pubsub.AutomationRuleCrud}, f.pub.Types())
}

func TestGridUpdateRecomputesPresence(t *testing.T) {
	f := setup(t)
	f.store.AddPosition(model.UserPosition{HouseID: houseID, UserID: occupant, X: 2, Y: 2, IsActive: true})

	grid := `{"grid": [[{"base":0,"sensors":[],"equipments":[]},{"base":0,"sensors":[],"equipments":[]},{"base":0,"sensors":[],"equipments":[]}],
		[{"base":0,"sensors":[],"equipments":[]},{"base":0,"sensors":[],"equipments":[]},{"base":0,"sensors":[],"equipments":[]}],
		[{"base":0,"sensors":[],"equipments":[]},{"base":0,"sensors":[],"equipments":[]},{"base":1,"sensors":[10],"equipments":[]}]]}`

	assert.Equal(t, http.StatusForbidden, f.do(t, "PUT", "/api/houses/100/grid", occupant, grid).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/api/houses/100/grid", owner, `{"grid": [[0,0],[0]]}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "PUT", "/api/houses/999/grid", owner, grid).Code)

	rec := f.do(t, "PUT", "/api/houses/100/grid", owner, grid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sensor, _ := f.store.GetSensor(presentID)
	assert.Equal(t, 1.0, *sensor.Value)
	assert.Equal(t, []string{pubsub.GridUpdate, pubsub.SensorUpdate}, f.pub.Types())

	events := f.store.AllEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventHouseModified, events[0].EventType)
}

func TestPositions(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/houses/100/positions", occupant, `{"x": 5, "y": 0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/houses/100/positions", occupant, `{"x": 1}`).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/api/houses/100/positions", stranger, `{"x": 0, "y": 0}`).Code)

	rec := f.do(t, "POST", "/api/houses/100/positions", occupant, `{"x": 0, "y": 0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	sensors := body["presence"].(map[string]interface{})["sensors"].([]interface{})
	assert.Len(t, sensors, 1)

	rec = f.do(t, "GET", "/api/houses/100/positions", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["positions"], 1)

	rec = f.do(t, "DELETE", "/api/houses/100/positions", occupant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sensor, _ := f.store.GetSensor(presentID)
	assert.Equal(t, 0.0, *sensor.Value)

	rec = f.do(t, "GET", "/api/houses/100/positions", owner, "")
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["positions"])
}

func seedEvents(f *fixture) {
	now := time.Now()
	f.store.AddEvent(model.Event{HouseID: houseID, UserID: model.Int64(owner), EventType: model.EventEquipmentControl,
		EntityType: model.EntityEquipment, CreatedAt: now.Add(-time.Hour)})
	f.store.AddEvent(model.Event{HouseID: houseID, EventType: model.EventAutomationTriggered,
		EntityType: model.EntityAutomationRule, CreatedAt: now.Add(-2 * time.Hour)})
	f.store.AddEvent(model.Event{HouseID: houseID, UserID: model.Int64(occupant), EventType: model.EventSensorReading,
		EntityType: model.EntitySensor, CreatedAt: now.AddDate(0, 0, -10)})
}

func TestEvents(t *testing.T) {
	f := setup(t)
	seedEvents(f)

	assert.Equal(t, http.StatusForbidden, f.do(t, "GET", "/api/houses/100/events", stranger, "").Code)

	rec := f.do(t, "GET", "/api/houses/100/events", occupant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, 50.0, body["limit"])
	assert.Len(t, body["events"], 3)

	rec = f.do(t, "GET", "/api/houses/100/events?limit=1&offset=1", occupant, "")
	body = decodeBody(t, rec)
	assert.Equal(t, 3.0, body["total"])
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAutomationTriggered, events[0].(map[string]interface{})["event_type"])

	body = decodeBody(t, f.do(t, "GET", "/api/houses/100/events?days=7", occupant, ""))
	assert.Equal(t, 2.0, body["total"])
	body = decodeBody(t, f.do(t, "GET", "/api/houses/100/events?user_id=2", occupant, ""))
	assert.Equal(t, 1.0, body["total"])
	body = decodeBody(t, f.do(t, "GET", "/api/houses/100/events?event_type=member_action", occupant, ""))
	assert.Equal(t, []interface{}{}, body["events"])
	assert.Equal(t, 500.0, decodeBody(t, f.do(t, "GET", "/api/houses/100/events?limit=9999", occupant, ""))["limit"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/houses/100/events?limit=x", occupant, "").Code)
}

func TestEventStats(t *testing.T) {
	f := setup(t)
	seedEvents(f)
	rec := f.do(t, "GET", "/api/houses/100/events/stats", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["total_events"])
	assert.Equal(t, 7.0, body["period_days"])
	assert.Equal(t, map[string]interface{}{"1": 1.0, "system": 1.0}, body["by_user"])

	body = decodeBody(t, f.do(t, "GET", "/api/houses/100/events/stats?days=30", owner, ""))
	assert.Equal(t, 3.0, body["total_events"])
}

func TestEventCleanup(t *testing.T) {
	f := setup(t)
	seedEvents(f)
	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/api/houses/100/events/cleanup", admin, "").Code)

	rec := f.do(t, "POST", "/api/houses/100/events/cleanup", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)["cleanup_result"].(map[string]interface{})
	assert.Equal(t, retention.BelowThreshold, result["reason"])
	assert.Equal(t, 0.0, result["deleted"])
}

func TestEventTypes(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/api/events/types", 0, "").Code)
	body := decodeBody(t, f.do(t, "GET", "/api/events/types", occupant, ""))
	assert.Equal(t, "Sensor reading", body["event_types"].(map[string]interface{})[model.EventSensorReading])
}

func TestRealtimeRequiresIdentity(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "GET", "/ws/realtime", 0, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.service.deps.Hub.Count())
}

func TestCORSPreflight(t *testing.T) {
	f := setup(t)
	f.service.deps.Config.Api.Allowed_Origins = []string{"http://localhost:3000"}
	handler := f.service.Handler()
	r := httptest.NewRequest("OPTIONS", "/api/sensors/5", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Method", "PUT")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
