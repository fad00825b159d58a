// Package automation is the service running trigger-all rule batches on a
// fixed interval, for setups where sensor values change outside the API.
package automation

import (
	"context"
	"time"

	rules "github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/services"
	"go.uber.org/zap"
)

type Trigger interface {
	ApplyRules(ctx context.Context, houseScope *int64) ([]rules.Action, error)
}

// Service automation
type Service struct {
	trigger  Trigger
	interval time.Duration
	logger   *zap.Logger
}

func New(d *services.Deps) *Service {
	return &Service{
		trigger:  d.Engine,
		interval: d.Config.Automation.Interval.Duration,
		logger:   d.Logger.Named("automation"),
	}
}

// ID of the service
func (service *Service) ID() string {
	return "automation"
}

// Tick runs one batch over every house.
func (service *Service) Tick(ctx context.Context) int {
	actions, err := service.trigger.ApplyRules(ctx, nil)
	if err != nil {
		service.logger.Error("scheduled rule batch failed", zap.Error(err))
		return 0
	}
	return len(actions)
}

// Run the service
func (service *Service) Run(ctx context.Context) error {
	if service.interval <= 0 {
		service.logger.Info("interval not set, scheduled rules disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(service.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := service.Tick(ctx); n > 0 {
				service.logger.Info("scheduled rules applied", zap.Int("actions", n))
			}
		}
	}
}
