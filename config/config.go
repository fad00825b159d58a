// Package config loads the smarthome.yml configuration.
//
// Keys are the lower-cased field names, so Max_Conns reads `max_conns`.
// SMARTHOME_DSN and SMARTHOME_MQTT override the database and broker settings.
package config

import (
	"io"
	"io/ioutil"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Duration struct {
	Duration time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "duration %q", s)
	}
	d.Duration = val
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type DatabaseConf struct {
	Driver    string
	Dsn       string
	Max_Conns int
	Max_Idle  int
}

type MqttConf struct {
	Enabled   bool
	Broker    string
	Client_Id string
	Prefix    string
}

type ApiConf struct {
	Listen          string
	Allowed_Origins []string
}

type HubConf struct {
	Send_Buffer int
	Write_Wait  Duration
	Pong_Wait   Duration
}

type AutomationConf struct {
	// Interval between trigger-all batches. Zero disables the ticker.
	Interval Duration
}

type RetentionConf struct {
	Max_Events          int
	Keep_Recent_Days    int
	Keep_Important_Days int
	Target_Ratio        float64
	Probability         float64
	Low_Priority        []string
	Important           []string
}

type LogConf struct {
	Level  string
	Format string
}

// Configuration structure
type Config struct {
	Database   DatabaseConf
	Mqtt       MqttConf
	Api        ApiConf
	Hub        HubConf
	Automation AutomationConf
	Retention  RetentionConf
	Log        LogConf
}

// Default configuration: in-memory store, no MQTT.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMemory
	}
	if c.Database.Max_Conns == 0 {
		c.Database.Max_Conns = 10
	}
	if c.Database.Max_Idle == 0 {
		c.Database.Max_Idle = 2
	}
	if c.Mqtt.Client_Id == "" {
		c.Mqtt.Client_Id = "smarthome"
	}
	if c.Mqtt.Prefix == "" {
		c.Mqtt.Prefix = "smarthome/"
	}
	if c.Api.Listen == "" {
		c.Api.Listen = ":8723"
	}
	if c.Hub.Send_Buffer == 0 {
		c.Hub.Send_Buffer = 16
	}
	if c.Hub.Write_Wait.Duration == 0 {
		c.Hub.Write_Wait.Duration = 10 * time.Second
	}
	if c.Hub.Pong_Wait.Duration == 0 {
		c.Hub.Pong_Wait.Duration = 60 * time.Second
	}
	r := &c.Retention
	if r.Max_Events == 0 {
		r.Max_Events = 1000
	}
	if r.Keep_Recent_Days == 0 {
		r.Keep_Recent_Days = 7
	}
	if r.Keep_Important_Days == 0 {
		r.Keep_Important_Days = 90
	}
	if r.Target_Ratio == 0 {
		r.Target_Ratio = 0.8
	}
	if r.Probability == 0 {
		r.Probability = 0.01
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("SMARTHOME_DSN"); dsn != "" {
		c.Database.Driver = DriverPostgres
		c.Database.Dsn = dsn
	}
	if broker := os.Getenv("SMARTHOME_MQTT"); broker != "" {
		c.Mqtt.Enabled = true
		c.Mqtt.Broker = broker
	}
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.Dsn == "" {
			return errors.New("database.dsn required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Mqtt.Enabled && c.Mqtt.Broker == "" {
		return errors.New("mqtt.broker required when mqtt is enabled")
	}
	if c.Retention.Target_Ratio <= 0 || c.Retention.Target_Ratio > 1 {
		return errors.Errorf("retention.target_ratio %v outside (0, 1]", c.Retention.Target_Ratio)
	}
	return nil
}

// Open configuration from disk. A missing file yields the defaults.
func Open() (*Config, error) {
	file, err := os.Open(ConfigPath("smarthome.yml"))
	if os.IsNotExist(err) {
		c := Default()
		c.applyEnv()
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return OpenReader(file)
}

// Open configuration from a reader.
func OpenReader(r io.Reader) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return OpenRaw(data)
}

// Open configuration from []byte.
func OpenRaw(data []byte) (*Config, error) {
	self := &Config{}
	err := yaml.Unmarshal(data, self)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	self.setDefaults()
	self.applyEnv()
	return self, nil
}

// Must panics on a configuration error.
func Must(c *Config, err error) *Config {
	if err != nil {
		panic(err)
	}
	return c
}

// helpers

// Resolve a configuration file under $SMARTHOME_CONFIG, or .config/smarthome
func ConfigPath(p string) string {
	if dir := os.Getenv("SMARTHOME_CONFIG"); dir != "" {
		return path.Join(dir, p)
	}
	config := os.Getenv("XDG_CONFIG_HOME")
	if config == "" {
		config = path.Join(os.Getenv("HOME"), ".config")
	}
	return path.Join(config, "smarthome", p)
}
