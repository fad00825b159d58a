// Package api is a service providing the HTTP REST API and the realtime
// websocket.
//
// The endpoints supported are:
//
// GET /api/status?house_id=1 - active sensors and equipment, counted by type and state
//
// GET /api/presence?house_id=1 - presence sensor states
//
// PUT /api/sensors/{id} - update a sensor value, running the house's rules
//
// PUT /api/equipments/{id} - control an equipment
//
// POST /api/automation/trigger[?house_id=1] - apply the automation rules
//
// POST /api/automation/rules - create a rule
//
// DELETE /api/automation/rules/{id} - delete a rule
//
// PUT /api/houses/{id}/grid - replace the floor plan
//
// GET|POST|DELETE /api/houses/{id}/positions - simulated user positions
//
// GET /api/houses/{id}/events - event history
//
// GET /api/houses/{id}/events/stats?days=7 - event history statistics
//
// POST /api/houses/{id}/events/cleanup - prune the event history (owner only)
//
// GET /api/events/types - event and entity type labels
//
// GET /ws/realtime - websocket stream of broadcasts
//
// GET /metrics - Prometheus metrics
//
// Callers identify with the X-User-ID header (or the uid cookie).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/barnybug/smarthome/condition"
	"github.com/barnybug/smarthome/hub"
	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/presence"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/store"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	errUnauthorized = errors.New("not authenticated")
	errForbidden    = errors.New("access denied")
	errBadRequest   = errors.New("bad request")
)

func badRequest(format string, args ...interface{}) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

// Service api
type Service struct {
	deps   *services.Deps
	perms  *PermissionChecker
	logger *zap.Logger
}

func New(d *services.Deps) *Service {
	return &Service{
		deps:   d,
		perms:  NewPermissionChecker(d.Store),
		logger: d.Logger.Named("api"),
	}
}

// ID of the service
func (service *Service) ID() string {
	return "api"
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, presence.ErrOutOfBounds),
		errors.Is(err, condition.ErrInvalidOperator),
		errors.Is(err, model.ErrInvalidType),
		errors.Is(err, model.ErrGridTooLarge),
		errors.Is(err, model.ErrInvalidGrid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (service *Service) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		service.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonResponse(w http.ResponseWriter, status int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(obj)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

type apiFunc func(w http.ResponseWriter, r *http.Request) error

func (service *Service) handle(fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			service.errorResponse(w, r, err)
		}
	}
}

func user(r *http.Request) (int64, error) {
	id, ok := Authenticate(r)
	if !ok {
		return 0, errUnauthorized
	}
	return id, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, badRequest("invalid id")
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s", name)
	}
	return n, nil
}

func queryHouse(r *http.Request) (int64, error) {
	value := r.URL.Query().Get("house_id")
	if value == "" {
		return 0, badRequest("house_id required")
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, badRequest("invalid house_id")
	}
	return id, nil
}

func remoteIP(r *http.Request) *string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return nil
	}
	return &host
}

// check fails with errForbidden unless allowed.
func check(allowed bool, err error) error {
	if err != nil {
		return err
	}
	if !allowed {
		return errForbidden
	}
	return nil
}

// read runs fn in a transaction that is always rolled back.
func (service *Service) read(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := service.deps.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// record inserts a history event through retention when configured.
func (service *Service) record(ctx context.Context, tx store.Tx, ev *model.Event) error {
	if service.deps.Retention != nil {
		return service.deps.Retention.Record(ctx, tx, ev)
	}
	return tx.InsertEvent(ctx, ev)
}

func (service *Service) afterInsert(ctx context.Context, houseID int64) {
	if service.deps.Retention != nil {
		service.deps.Retention.AfterInsert(ctx, houseID)
	}
}

func apiIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Content-Type", "text/html")
	fmt.Fprintf(w, "<html>Smarthome is listening</html>")
}

func (service *Service) router() *mux.Router {
	router := mux.NewRouter()
	router.Path("/").HandlerFunc(apiIndex)
	if service.deps.Registry != nil {
		router.Path("/metrics").Handler(metrics.Handler(service.deps.Registry))
	}
	if service.deps.Hub != nil {
		router.Path("/ws/realtime").Handler(service.deps.Hub.Handler(hub.AuthenticatorFunc(Authenticate), service.deps.Config.Api.Allowed_Origins))
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Path("/status").Methods("GET").HandlerFunc(service.handle(service.apiStatus))
	api.Path("/presence").Methods("GET").HandlerFunc(service.handle(service.apiPresence))
	api.Path("/sensors/{id:[0-9]+}").Methods("PUT").HandlerFunc(service.handle(service.apiSensorUpdate))
	api.Path("/equipments/{id:[0-9]+}").Methods("PUT").HandlerFunc(service.handle(service.apiEquipmentUpdate))
	api.Path("/automation/trigger").Methods("POST").HandlerFunc(service.handle(service.apiTrigger))
	api.Path("/automation/rules").Methods("POST").HandlerFunc(service.handle(service.apiRuleCreate))
	api.Path("/automation/rules/{id:[0-9]+}").Methods("DELETE").HandlerFunc(service.handle(service.apiRuleDelete))
	api.Path("/houses/{id:[0-9]+}/grid").Methods("PUT").HandlerFunc(service.handle(service.apiGridUpdate))
	api.Path("/houses/{id:[0-9]+}/positions").Methods("GET").HandlerFunc(service.handle(service.apiPositions))
	api.Path("/houses/{id:[0-9]+}/positions").Methods("POST").HandlerFunc(service.handle(service.apiPositionMove))
	api.Path("/houses/{id:[0-9]+}/positions").Methods("DELETE").HandlerFunc(service.handle(service.apiPositionLeave))
	api.Path("/houses/{id:[0-9]+}/events").Methods("GET").HandlerFunc(service.handle(service.apiEvents))
	api.Path("/houses/{id:[0-9]+}/events/stats").Methods("GET").HandlerFunc(service.handle(service.apiEventStats))
	api.Path("/houses/{id:[0-9]+}/events/cleanup").Methods("POST").HandlerFunc(service.handle(service.apiEventCleanup))
	api.Path("/events/types").Methods("GET").HandlerFunc(service.handle(service.apiEventTypes))
	return router
}

// Handler is the router wrapped in CORS, panic recovery and access logging.
func (service *Service) Handler() http.Handler {
	stdlog := zap.NewStdLog(service.logger)
	var handler http.Handler = service.router()
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(stdlog))(handler)
	handler = handlers.LoggingHandler(stdlog.Writer(), handler)

	cors := []handlers.CORSOption{
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", UserHeader}),
		handlers.AllowCredentials(),
	}
	if origins := service.deps.Config.Api.Allowed_Origins; len(origins) > 0 {
		cors = append(cors, handlers.AllowedOrigins(origins))
	}
	return handlers.CORS(cors...)(handler)
}

// Run the service
func (service *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              service.deps.Config.Api.Listen,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()

	service.logger.Info("listening", zap.String("addr", server.Addr))
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
