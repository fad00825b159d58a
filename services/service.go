package services

import (
	"context"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/config"
	"github.com/barnybug/smarthome/hub"
	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/presence"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/retention"
	"github.com/barnybug/smarthome/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Service interface
type Service interface {
	ID() string
	Run(ctx context.Context) error
}

// ServiceInit interface
type ServiceInit interface {
	Service
	Init(ctx context.Context) error
}

// Deps are the shared components services are built from.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	Hub       *hub.Hub
	Publisher pubsub.Publisher
	// Subscriber is nil when MQTT is disabled.
	Subscriber pubsub.Subscriber
	Engine     *automation.Engine
	Presence   *presence.Deriver
	Retention  *retention.Manager
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
}

var serviceMap = map[string]Service{}

func Register(service Service) {
	if _, exists := serviceMap[service.ID()]; exists {
		panic("duplicate service registered: " + service.ID())
	}
	serviceMap[service.ID()] = service
}

// Registered service ids.
func Registered() []string {
	var ids []string
	for id := range serviceMap {
		ids = append(ids, id)
	}
	return ids
}

func lookup(ss []string) ([]Service, error) {
	enabled := []Service{}
	for _, name := range ss {
		service, ok := serviceMap[name]
		if !ok {
			return nil, errors.Errorf("service %s does not exist", name)
		}
		enabled = append(enabled, service)
	}
	return enabled, nil
}

// Launch initializes then runs the named services until ctx is cancelled or
// one of them fails.
func Launch(ctx context.Context, logger *zap.Logger, ss []string) error {
	enabled, err := lookup(ss)
	if err != nil {
		return err
	}

	for _, service := range enabled {
		logger.Info("starting", zap.String("service", service.ID()))
		if service, ok := service.(ServiceInit); ok {
			if err := service.Init(ctx); err != nil {
				return errors.Wrapf(err, "init service %s", service.ID())
			}
			logger.Info("initialized", zap.String("service", service.ID()))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, service := range enabled {
		service := service
		g.Go(func() error {
			if err := service.Run(ctx); err != nil {
				return errors.Wrapf(err, "run service %s", service.ID())
			}
			return nil
		})
	}
	return g.Wait()
}

// NewLogger builds the process logger. Format "console" gives the development
// encoder; anything else JSON with ISO8601 timestamps.
func NewLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var conf zap.Config
	if format == "console" {
		conf = zap.NewDevelopmentConfig()
	} else {
		conf = zap.NewProductionConfig()
		conf.EncoderConfig.TimeKey = "timestamp"
		conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		conf.OutputPaths = []string{"stdout"}
		conf.ErrorOutputPaths = []string{"stderr"}
	}
	conf.Level = zap.NewAtomicLevelAt(zapLevel)
	return conf.Build()
}
