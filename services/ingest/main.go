// Package ingest is the service taking sensor readings from MQTT.
//
// A device publishes on smarthome/sensor/<id>:
//
//	{"value": 21.5}
//
// optionally with "is_active". Each reading goes through the same write path as
// PUT /api/sensors/{id}, so rules of the sensor's house run on every change.
package ingest

import (
	"context"

	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reading outcomes, as counted by the metrics.
const (
	statusApplied   = "applied"
	statusUnchanged = "unchanged"
	statusInvalid   = "invalid"
	statusUnknown   = "unknown_sensor"
	statusFailed    = "failed"
)

var ErrNoSubscriber = errors.New("mqtt subscriber not configured")

// Service ingest
type Service struct {
	deps       *services.Deps
	subscriber pubsub.Subscriber
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func New(d *services.Deps) *Service {
	return &Service{
		deps:       d,
		subscriber: d.Subscriber,
		logger:     d.Logger.Named("ingest"),
		metrics:    d.Metrics,
	}
}

// ID of the service
func (service *Service) ID() string {
	return "ingest"
}

func (service *Service) Init(ctx context.Context) error {
	if service.subscriber == nil {
		return ErrNoSubscriber
	}
	return nil
}

func parseReading(msg *pubsub.Message) (int64, services.SensorChange, bool) {
	var c services.SensorChange
	id, ok := msg.TopicID()
	if !ok {
		return 0, c, false
	}
	if value, ok := msg.FloatField("value"); ok {
		c.Value = model.Float64(value)
	}
	if active, ok := msg.Data["is_active"].(bool); ok {
		c.IsActive = &active
	}
	if c.Value == nil && c.IsActive == nil {
		return 0, c, false
	}
	return id, c, true
}

// Handle one inbound reading, returning its outcome.
func (service *Service) Handle(ctx context.Context, msg *pubsub.Message) string {
	id, c, ok := parseReading(msg)
	if !ok {
		service.logger.Warn("invalid reading", zap.String("topic", msg.Topic()), zap.Stringer("payload", msg))
		return statusInvalid
	}
	result, err := service.deps.WriteSensor(ctx, id, c, nil)
	switch {
	case store.IsNotFound(err):
		service.logger.Warn("reading for unknown sensor", zap.Int64("sensor_id", id))
		return statusUnknown
	case err != nil:
		service.logger.Error("reading not applied", zap.Int64("sensor_id", id), zap.Error(err))
		return statusFailed
	case !result.Changed:
		return statusUnchanged
	}
	if len(result.Actions) > 0 {
		service.logger.Info("reading triggered rules", zap.Int64("sensor_id", id), zap.Int("actions", len(result.Actions)))
	}
	return statusApplied
}

// Run the service
func (service *Service) Run(ctx context.Context) error {
	ch := service.subscriber.Subscribe(pubsub.Prefix("sensor"))
	defer service.subscriber.Close(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			service.metrics.RecordReading(service.Handle(ctx, msg))
		}
	}
}
