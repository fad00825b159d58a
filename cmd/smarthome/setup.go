package main

import (
	"context"
	"time"

	"github.com/barnybug/smarthome/automation"
	"github.com/barnybug/smarthome/config"
	"github.com/barnybug/smarthome/hub"
	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/presence"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/barnybug/smarthome/pubsub/mqtt"
	"github.com/barnybug/smarthome/retention"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/store"
	"github.com/barnybug/smarthome/store/memory"
	"github.com/barnybug/smarthome/store/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

func retentionPolicy(c config.RetentionConf) retention.Policy {
	p := retention.DefaultPolicy()
	p.MaxEvents = c.Max_Events
	p.KeepRecent = time.Duration(c.Keep_Recent_Days) * day
	p.KeepImportant = time.Duration(c.Keep_Important_Days) * day
	p.TargetRatio = c.Target_Ratio
	p.Probability = c.Probability
	if len(c.Low_Priority) > 0 {
		p.LowPriority = c.Low_Priority
	}
	if len(c.Important) > 0 {
		p.Important = c.Important
	}
	return p
}

func openStore(ctx context.Context, conf config.DatabaseConf, logger *zap.Logger) (store.Store, error) {
	if conf.Driver == config.DriverMemory {
		s := memory.New()
		seedDemo(s)
		logger.Warn("using the in-memory store with demo data; state is lost on exit")
		return s, nil
	}
	s, err := postgres.Open(conf.Dsn, conf.Max_Conns, conf.Max_Idle)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// setup builds the shared components. The returned func releases them.
func setup(ctx context.Context, conf *config.Config, logger *zap.Logger) (*services.Deps, func(), error) {
	s, err := openStore(ctx, conf.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(registry); err != nil {
		s.Close()
		return nil, nil, err
	}

	h := hub.New(logger.Named("hub"), hub.Options{
		SendBuffer: conf.Hub.Send_Buffer,
		WriteWait:  conf.Hub.Write_Wait.Duration,
		PongWait:   conf.Hub.Pong_Wait.Duration,
		Metrics:    m,
	})
	publishers := pubsub.Multi{h}

	var (
		broker     *mqtt.Broker
		subscriber pubsub.Subscriber
	)
	if conf.Mqtt.Enabled {
		broker, err = mqtt.NewBroker(conf.Mqtt.Broker, conf.Mqtt.Client_Id, conf.Mqtt.Prefix, logger.Named("mqtt"))
		if err != nil {
			h.Close()
			s.Close()
			return nil, nil, err
		}
		publishers = append(publishers, broker.Publisher())
		subscriber = broker.Subscriber()
	}

	ret := retention.New(s, retentionPolicy(conf.Retention), logger.Named("retention"), m)
	engine := automation.New(s, publishers, ret, logger.Named("automation"), m)
	d := &services.Deps{
		Config:     conf,
		Logger:     logger,
		Store:      s,
		Hub:        h,
		Publisher:  publishers,
		Subscriber: subscriber,
		Engine:     engine,
		Presence:   presence.New(s, publishers, engine, logger.Named("presence"), m),
		Retention:  ret,
		Metrics:    m,
		Registry:   registry,
	}
	closer := func() {
		h.Close()
		if broker != nil {
			broker.Close()
		}
		if err := s.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}
	return d, closer, nil
}
