package config

import (
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var yml = `
database:
  driver: memory
hub:
  pong_wait: 90s
`

func ExampleOpenRaw() {
	config, _ := OpenRaw([]byte(yml))
	fmt.Println(config.Database.Driver, config.Hub.Pong_Wait.Duration, config.Hub.Send_Buffer)
	// Output:
	// memory 1m30s 16
}

func ExampleConfigPath() {
	os.Setenv("SMARTHOME_CONFIG", "/etc/smarthome")
	defer os.Unsetenv("SMARTHOME_CONFIG")
	fmt.Println(ConfigPath("smarthome.yml"))
	// Output:
	// /etc/smarthome/smarthome.yml
}

func TestExampleConfig(t *testing.T) {
	c := ExampleConfig
	assert.Equal(t, DriverPostgres, c.Database.Driver)
	assert.Equal(t, 20, c.Database.Max_Conns)
	assert.Equal(t, 2, c.Database.Max_Idle)
	assert.True(t, c.Mqtt.Enabled)
	assert.Equal(t, "smarthome-test", c.Mqtt.Client_Id)
	assert.Equal(t, "smarthome/", c.Mqtt.Prefix)
	assert.Equal(t, []string{"http://localhost:3000"}, c.Api.Allowed_Origins)
	assert.Equal(t, 5*time.Second, c.Hub.Write_Wait.Duration)
	assert.Equal(t, 30*time.Second, c.Automation.Interval.Duration)
	assert.Equal(t, 2000, c.Retention.Max_Events)
	assert.Equal(t, 7, c.Retention.Keep_Recent_Days)
	assert.Equal(t, 0.8, c.Retention.Target_Ratio)
	assert.Equal(t, "console", c.Log.Format)
	assert.NoError(t, c.Validate())
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, DriverMemory, c.Database.Driver)
	assert.False(t, c.Mqtt.Enabled)
	assert.Equal(t, ":8723", c.Api.Listen)
	assert.Equal(t, time.Duration(0), c.Automation.Interval.Duration)
	assert.Equal(t, 0.01, c.Retention.Probability)
	assert.NoError(t, c.Validate())
}

func TestInvalidDuration(t *testing.T) {
	_, err := OpenRaw([]byte("hub:\n  write_wait: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Database.Driver = DriverPostgres
	assert.Error(t, c.Validate())

	c = Default()
	c.Database.Driver = "sqlite"
	assert.Error(t, c.Validate())

	c = Default()
	c.Mqtt.Enabled = true
	assert.Error(t, c.Validate())
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("SMARTHOME_DSN", "postgres://env")
	os.Setenv("SMARTHOME_MQTT", "tcp://broker:1883")
	defer os.Unsetenv("SMARTHOME_DSN")
	defer os.Unsetenv("SMARTHOME_MQTT")

	c, err := OpenRaw([]byte(yml))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, c.Database.Driver)
	assert.Equal(t, "postgres://env", c.Database.Dsn)
	assert.True(t, c.Mqtt.Enabled)
	assert.Equal(t, "tcp://broker:1883", c.Mqtt.Broker)
}

func TestOpenMissingFile(t *testing.T) {
	os.Setenv("SMARTHOME_CONFIG", path.Join(t.TempDir(), "absent"))
	defer os.Unsetenv("SMARTHOME_CONFIG")

	c, err := Open()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, c.Database.Driver)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "smarthome.yml"), []byte(yml), 0o644))
	os.Setenv("SMARTHOME_CONFIG", dir)
	defer os.Unsetenv("SMARTHOME_CONFIG")

	c, err := Open()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.Hub.Pong_Wait.Duration)
}
