package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/barnybug/smarthome/config"
	"github.com/barnybug/smarthome/services"
	"github.com/barnybug/smarthome/services/api"
	"github.com/barnybug/smarthome/services/automation"
	"github.com/barnybug/smarthome/services/ingest"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

func registerServices(d *services.Deps) {
	// register available services
	services.Register(api.New(d))
	services.Register(automation.New(d))
	services.Register(ingest.New(d))
}

// defaultServices run when none are named. Ingest needs MQTT.
func defaultServices(conf *config.Config) []string {
	ss := []string{"api", "automation"}
	if conf.Mqtt.Enabled {
		ss = append(ss, "ingest")
	}
	return ss
}

func usage() {
	fmt.Println("Usage: smarthome COMMAND [ARGS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("   run     [service...]    Run services (default: api, automation, ingest with mqtt)")
	fmt.Println("   trigger [house]         Apply automation rules once")
	fmt.Println("   cleanup house           Prune the event history of a house")
	fmt.Println("   config                  Print the effective configuration")
	fmt.Println()
	fmt.Println("Configuration is read from $SMARTHOME_CONFIG/smarthome.yml or ~/.config/smarthome/smarthome.yml.")
}

func fmtFatalf(format string, v ...interface{}) {
	fmt.Printf(format, v...)
	os.Exit(1)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	command := flag.Args()[0]
	ps := flag.Args()[1:]
	// ignore anything after '--'
	for i := range ps {
		if ps[i] == "--" {
			ps = ps[0:i]
			break
		}
	}

	conf, err := config.Open()
	if err != nil {
		fmtFatalf("error: %s\n", err)
	}
	if err := conf.Validate(); err != nil {
		fmtFatalf("error: %s\n", err)
	}
	logger, err := services.NewLogger(conf.Log.Level, conf.Log.Format)
	if err != nil {
		fmtFatalf("error: %s\n", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	default:
		usage()
	case "config":
		data, err := yaml.Marshal(conf)
		if err != nil {
			fmtFatalf("error: %s\n", err)
		}
		os.Stdout.Write(data)
	case "run":
		err = run(ctx, conf, logger, ps)
	case "trigger":
		err = trigger(ctx, conf, logger, ps)
	case "cleanup":
		if len(ps) < 1 {
			usage()
			return
		}
		err = cleanup(ctx, conf, logger, ps[0])
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, logger *zap.Logger, ss []string) error {
	d, closer, err := setup(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closer()
	registerServices(d)
	if len(ss) == 0 {
		ss = defaultServices(conf)
	}
	return services.Launch(ctx, logger, ss)
}

func parseHouse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid house id %q", s)
	}
	return id, nil
}

func trigger(ctx context.Context, conf *config.Config, logger *zap.Logger, ps []string) error {
	d, closer, err := setup(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closer()

	var scope *int64
	if len(ps) > 0 {
		id, err := parseHouse(ps[0])
		if err != nil {
			return err
		}
		scope = &id
	}
	actions, err := d.Engine.ApplyRules(ctx, scope)
	if err != nil {
		return err
	}
	for _, a := range actions {
		fmt.Printf("%s %s (rule %s): %s\n", a.Action, a.EquipmentName, a.RuleName, a.Reason)
	}
	fmt.Printf("%d actions\n", len(actions))
	return nil
}

func cleanup(ctx context.Context, conf *config.Config, logger *zap.Logger, house string) error {
	id, err := parseHouse(house)
	if err != nil {
		return err
	}
	d, closer, err := setup(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closer()

	result, err := d.Retention.Cleanup(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("house %d: deleted %d events (%d → %d, target %d, %s)\n",
		id, result.Deleted, result.TotalBefore, result.TotalAfter, result.Target, result.Reason)
	return nil
}
