package api

import (
	"net/http"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/presence"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/store"
	"go.uber.org/zap"
)

func presenceResult(result presence.Result) presence.Result {
	if result.Sensors == nil {
		result.Sensors = []model.Sensor{}
	}
	if result.Actions == nil {
		result.Actions = []automation.Action{}
	}
	return result
}

func (service *Service) apiGridUpdate(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := user(r)
	if err != nil {
		return err
	}
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	var body struct {
		Grid *model.Grid `json:"grid"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	if body.Grid == nil {
		return badRequest("grid required")
	}
	if err := body.Grid.Validate(); err != nil {
		return err
	}

	err = store.Run(ctx, service.deps.Store, func(tx store.Tx) error {
		house, err := tx.House(ctx, houseID)
		if err != nil {
			return err
		}
		level, _, err := service.perms.LevelTx(ctx, tx, userID, houseID)
		if err := check(level >= LevelManage, err); err != nil {
			return err
		}
		if err := tx.UpdateHouseGrid(ctx, houseID, body.Grid); err != nil {
			return err
		}
		return service.record(ctx, tx, &model.Event{
			HouseID:     houseID,
			UserID:      &userID,
			EventType:   model.EventHouseModified,
			EntityType:  model.EntityHouse,
			EntityID:    model.Int64(houseID),
			Description: "Floor plan of " + house.Name + " updated",
			Metadata: model.Metadata{
				"action": "update_grid",
				"rows":   body.Grid.Rows(),
				"cols":   body.Grid.Cols(),
			},
			IPAddress: remoteIP(r),
		})
	})
	if err != nil {
		return err
	}
	service.deps.Publisher.Emit(pubsub.NewGridUpdate(houseID, body.Grid))
	service.afterInsert(ctx, houseID)

	// sensor coverage may have moved under the current occupants
	if service.deps.Presence != nil {
		if _, err := service.deps.Presence.Recompute(ctx, houseID); err != nil {
			service.logger.Error("presence recompute failed", zap.Int64("house_id", houseID), zap.Error(err))
		}
	}
	service.logger.Info("grid updated", zap.Int64("house_id", houseID), zap.Int64("user_id", userID))
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"grid":    body.Grid,
	})
	return nil
}

func (service *Service) apiPositions(w http.ResponseWriter, r *http.Request) error {
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	if err := service.viewHouse(r, houseID); err != nil {
		return err
	}
	var positions []model.UserPosition
	err = service.read(r.Context(), func(tx store.Tx) error {
		if _, err := tx.House(r.Context(), houseID); err != nil {
			return err
		}
		positions, err = tx.ActivePositions(r.Context(), houseID)
		return err
	})
	if err != nil {
		return err
	}
	if positions == nil {
		positions = []model.UserPosition{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"positions": positions})
	return nil
}

func (service *Service) apiPositionMove(w http.ResponseWriter, r *http.Request) error {
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	userID, err := user(r)
	if err != nil {
		return err
	}
	var body struct {
		X *int `json:"x"`
		Y *int `json:"y"`
	}
	if err := decode(r, &body); err != nil {
		return err
	}
	if body.X == nil || body.Y == nil {
		return badRequest("x and y required")
	}
	if err := check(service.perms.CanView(r.Context(), userID, houseID)); err != nil {
		return err
	}

	result, err := service.deps.Presence.MovePosition(r.Context(), houseID, userID, *body.X, *body.Y)
	if err != nil {
		return err
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"position": model.UserPosition{
			HouseID:    houseID,
			UserID:     userID,
			X:          *body.X,
			Y:          *body.Y,
			IsActive:   true,
			LastUpdate: time.Now(),
		},
		"presence": presenceResult(result),
	})
	return nil
}

func (service *Service) apiPositionLeave(w http.ResponseWriter, r *http.Request) error {
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	userID, err := user(r)
	if err != nil {
		return err
	}
	if err := check(service.perms.CanView(r.Context(), userID, houseID)); err != nil {
		return err
	}
	result, err := service.deps.Presence.LeavePosition(r.Context(), houseID, userID)
	if err != nil {
		return err
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"presence": presenceResult(result),
	})
	return nil
}
