package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/condition"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/store"
	"go.uber.org/zap"
)

func (service *Service) apiTrigger(w http.ResponseWriter, r *http.Request) error {
	userID, err := user(r)
	if err != nil {
		return err
	}
	var scope *int64
	if r.URL.Query().Get("house_id") != "" {
		houseID, err := queryHouse(r)
		if err != nil {
			return err
		}
		if err := check(service.perms.CanControl(r.Context(), userID, houseID, nil)); err != nil {
			return err
		}
		scope = &houseID
	}

	actions, err := service.deps.Engine.ApplyRules(r.Context(), scope)
	if err != nil {
		return err
	}
	if actions == nil {
		actions = []automation.Action{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Automation rules applied successfully",
		"actions_count": len(actions),
		"actions":       actions,
	})
	return nil
}

type ruleRequest struct {
	HouseID           *int64   `json:"house_id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	SensorID          *int64   `json:"sensor_id"`
	ConditionOperator string   `json:"condition_operator"`
	ConditionValue    *float64 `json:"condition_value"`
	EquipmentID       *int64   `json:"equipment_id"`
	ActionState       string   `json:"action_state"`
	IsActive          *bool    `json:"is_active"`
}

func (req *ruleRequest) validate() error {
	switch {
	case req.HouseID == nil:
		return badRequest("house_id required")
	case req.Name == "":
		return badRequest("name required")
	case req.SensorID == nil:
		return badRequest("sensor_id required")
	case req.ConditionOperator == "":
		return badRequest("condition_operator required")
	case req.ConditionValue == nil:
		return badRequest("condition_value required")
	case req.EquipmentID == nil:
		return badRequest("equipment_id required")
	case req.ActionState == "":
		return badRequest("action_state required")
	case !condition.Valid(req.ConditionOperator):
		return badRequest("invalid condition_operator %q", req.ConditionOperator)
	}
	return nil
}

func (req *ruleRequest) rule() *model.AutomationRule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &model.AutomationRule{
		HouseID:           *req.HouseID,
		Name:              req.Name,
		Description:       req.Description,
		IsActive:          active,
		SensorID:          *req.SensorID,
		ConditionOperator: req.ConditionOperator,
		ConditionValue:    *req.ConditionValue,
		EquipmentID:       *req.EquipmentID,
		ActionState:       req.ActionState,
		CreatedAt:         time.Now(),
	}
}

func ruleFields(rule *model.AutomationRule) pubsub.Fields {
	return pubsub.Fields{
		"id":        rule.ID,
		"name":      rule.Name,
		"is_active": rule.IsActive,
	}
}

func (service *Service) apiRuleCreate(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := user(r)
	if err != nil {
		return err
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	rule := req.rule()
	if err := check(service.perms.CanManage(ctx, userID, rule.HouseID)); err != nil {
		return err
	}

	err = store.Run(ctx, service.deps.Store, func(tx store.Tx) error {
		sensor, err := tx.Sensor(ctx, rule.SensorID)
		if err != nil {
			return err
		}
		equipment, err := tx.Equipment(ctx, rule.EquipmentID)
		if err != nil {
			return err
		}
		if sensor.HouseID != rule.HouseID || equipment.HouseID != rule.HouseID {
			return badRequest("sensor and equipment must belong to house %d", rule.HouseID)
		}
		return tx.InsertRule(ctx, rule)
	})
	if err != nil {
		return err
	}
	service.deps.Publisher.Emit(pubsub.NewCrud(pubsub.AutomationRuleCrud, pubsub.Created, rule.HouseID, ruleFields(rule)))
	service.logger.Info("rule created", zap.Int64("rule_id", rule.ID), zap.String("rule", rule.Name), zap.Int64("user_id", userID))
	jsonResponse(w, http.StatusCreated, rule)
	return nil
}

func (service *Service) apiRuleDelete(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := user(r)
	if err != nil {
		return err
	}
	id, err := pathID(r)
	if err != nil {
		return err
	}

	var rule *model.AutomationRule
	err = store.Run(ctx, service.deps.Store, func(tx store.Tx) error {
		rule, err = tx.Rule(ctx, id)
		if err != nil {
			return err
		}
		level, _, err := service.perms.LevelTx(ctx, tx, userID, rule.HouseID)
		if err := check(level >= LevelManage, err); err != nil {
			return err
		}
		return tx.DeleteRule(ctx, id)
	})
	if err != nil {
		return err
	}
	service.deps.Publisher.Emit(pubsub.NewCrud(pubsub.AutomationRuleCrud, pubsub.Deleted, rule.HouseID, ruleFields(rule)))
	service.logger.Info("rule deleted", zap.String("rule_id", strconv.FormatInt(id, 10)), zap.Int64("user_id", userID))
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Rule deleted"})
	return nil
}
