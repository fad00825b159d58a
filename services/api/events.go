package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	defaultStatsDays  = 7
)

func (service *Service) apiEvents(w http.ResponseWriter, r *http.Request) error {
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	if err := service.viewHouse(r, houseID); err != nil {
		return err
	}
	filter := store.EventFilter{
		HouseID:   houseID,
		EventType: r.URL.Query().Get("event_type"),
	}
	if filter.Limit, err = queryInt(r, "limit", defaultEventLimit); err != nil {
		return err
	}
	switch {
	case filter.Limit == 0:
		filter.Limit = defaultEventLimit
	case filter.Limit > maxEventLimit:
		filter.Limit = maxEventLimit
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		return err
	}
	days, err := queryInt(r, "days", 0)
	if err != nil {
		return err
	}
	if days > 0 {
		filter.Since = time.Now().AddDate(0, 0, -days)
	}
	if value := r.URL.Query().Get("user_id"); value != "" {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return badRequest("invalid user_id")
		}
		filter.UserID = &id
	}

	var (
		events []model.Event
		total  int
	)
	err = service.read(r.Context(), func(tx store.Tx) error {
		events, total, err = tx.Events(r.Context(), filter)
		return err
	})
	if err != nil {
		return err
	}
	if events == nil {
		events = []model.Event{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
	return nil
}

type eventStats struct {
	TotalEvents int            `json:"total_events"`
	PeriodDays  int            `json:"period_days"`
	ByType      map[string]int `json:"by_type"`
	ByUser      map[string]int `json:"by_user"`
	ByDay       map[string]int `json:"by_day"`
}

func newEventStats(days int, events []model.Event) *eventStats {
	stats := &eventStats{
		TotalEvents: len(events),
		PeriodDays:  days,
		ByType:      map[string]int{},
		ByUser:      map[string]int{},
		ByDay:       map[string]int{},
	}
	for _, ev := range events {
		stats.ByType[ev.EventType]++
		user := "system"
		if ev.UserID != nil {
			user = strconv.FormatInt(*ev.UserID, 10)
		}
		stats.ByUser[user]++
		stats.ByDay[ev.CreatedAt.UTC().Format("2006-01-02")]++
	}
	return stats
}

func (service *Service) apiEventStats(w http.ResponseWriter, r *http.Request) error {
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	if err := service.viewHouse(r, houseID); err != nil {
		return err
	}
	days, err := queryInt(r, "days", defaultStatsDays)
	if err != nil {
		return err
	}
	if days == 0 {
		days = defaultStatsDays
	}

	var events []model.Event
	err = service.read(r.Context(), func(tx store.Tx) error {
		events, _, err = tx.Events(r.Context(), store.EventFilter{
			HouseID: houseID,
			Since:   time.Now().AddDate(0, 0, -days),
		})
		return err
	})
	if err != nil {
		return err
	}
	jsonResponse(w, http.StatusOK, newEventStats(days, events))
	return nil
}

func (service *Service) apiEventCleanup(w http.ResponseWriter, r *http.Request) error {
	userID, err := user(r)
	if err != nil {
		return err
	}
	houseID, err := pathID(r)
	if err != nil {
		return err
	}
	if err := check(service.perms.IsOwner(r.Context(), userID, houseID)); err != nil {
		return err
	}
	if service.deps.Retention == nil {
		return badRequest("event retention is disabled")
	}
	result, err := service.deps.Retention.Cleanup(r.Context(), houseID)
	if err != nil {
		return err
	}
	service.logger.Info("manual event cleanup", zap.Int64("house_id", houseID), zap.Int64("user_id", userID),
		zap.Int("deleted", result.Deleted))
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"cleanup_result": result,
	})
	return nil
}

func (service *Service) apiEventTypes(w http.ResponseWriter, r *http.Request) error {
	if _, err := user(r); err != nil {
		return err
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"event_types":  model.EventTypeLabels,
		"entity_types": model.EntityTypeLabels,
	})
	return nil
}
