package visor

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/pkg/admission"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			panic(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func masterConfig() *Config {
	c := &Config{Version: Version, Role: RoleMaster}
	c.Data.Relay = true
	c.Interfaces.HTTPAddress = "127.0.0.1:0"
	c.Timing.Interval = Duration(20 * time.Millisecond)
	c.Timing.MasterTimeout = Duration(100 * time.Millisecond)
	c.Timing.PeerTimeout = Duration(500 * time.Millisecond)
	c.Timing.JoinDelay = 2
	c.Timing.StartCycle = 100
	c.ShutdownTimeout = Duration(2 * time.Second)
	return c
}

func peerConfig(setupAddr string) *Config {
	c := &Config{Version: Version, Role: RolePeer}
	c.Setup.Address = setupAddr
	c.Timing.Interval = Duration(20 * time.Millisecond)
	c.Timing.PeerTimeout = Duration(500 * time.Millisecond)
	c.ShutdownTimeout = Duration(2 * time.Second)
	return c
}

func TestDuration(t *testing.T) {
	var c Config
	require.NoError(t, json.Unmarshal([]byte(`{"timing":{"interval":"10ms","master_timeout":5000000}}`), &c))
	assert.Equal(t, Duration(10*time.Millisecond), c.Timing.Interval)
	assert.Equal(t, Duration(5*time.Millisecond), c.Timing.MasterTimeout)

	raw, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(raw))

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"ten"`), &d))
}

func TestConfig_DataFlattened(t *testing.T) {
	var c Config
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"url":"udp://239.0.0.1:7000","ttl":2,"relay":false}}`), &c))
	assert.Equal(t, "udp://239.0.0.1:7000", c.Data.URL)
	assert.Equal(t, 2, c.Data.TTL)

	dc := c.DataConfigFor("ws://master/data")
	assert.Equal(t, "ws://master/data", dc.URL)
	assert.Equal(t, 2, dc.TTL)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mod     func(c *Config)
		wantErr bool
	}{
		{"relay master", func(c *Config) {}, false},
		{"udp master", func(c *Config) { c.Data.Relay = false; c.Data.URL = "udp://239.1.1.1:7000" }, false},
		{"unknown role", func(c *Config) { c.Role = "observer" }, true},
		{"relay without http", func(c *Config) { c.Interfaces.HTTPAddress = ""; c.Setup.Address = ":7001" }, true},
		{"bad data url", func(c *Config) { c.Data.Relay = false; c.Data.URL = "tcp://x:1" }, true},
		{"data url without host", func(c *Config) { c.Data.Relay = false; c.Data.URL = "udp:" }, true},
		{"nowhere to accept", func(c *Config) {
			c.Data.Relay = false
			c.Data.URL = "udp://239.1.1.1:7000"
			c.Interfaces.HTTPAddress = ""
		}, true},
		{"zero interval", func(c *Config) { c.Timing.Interval = 0 }, true},
		{"peer timeout too short", func(c *Config) { c.Timing.PeerTimeout = Duration(time.Millisecond) }, true},
		{"unknown admission", func(c *Config) { c.Admission.Type = "lottery" }, true},
		{"manual admission", func(c *Config) { c.Admission.Type = admission.TypeManual }, false},
		{"unknown traffic log", func(c *Config) { c.TrafficLog.Type = "s3" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad group", func(c *Config) { c.GroupID = "group-one" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := masterConfig()
			tc.mod(c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	c := peerConfig("")
	assert.Error(t, c.Validate())
	c.Setup.Address = "ws://127.0.0.1:1/config"
	assert.NoError(t, c.Validate())
}

func TestConfig_Group(t *testing.T) {
	session := uuid.MustParse("5eed0001-0000-4000-8000-000000000000")

	c := &Config{}
	g, err := c.Group(session)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x5eed0001), g)

	c.GroupID = "0x2a"
	g, err = c.Group(session)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), g)

	c.GroupID = "abcdef01-0000-4000-8000-000000000000"
	g, err = c.Group(session)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabcdef01), g)
}

func TestTrafficLogStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "traffic")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, os.RemoveAll(dir))
	}()

	conf := Config{}
	conf.TrafficLog.Type = "file"
	conf.TrafficLog.Location = filepath.Join(dir, "log")
	ls, err := conf.TrafficLogStore()
	require.NoError(t, err)
	require.NotNil(t, ls)
	_, err = os.Stat(conf.TrafficLog.Location)
	assert.NoError(t, err)

	conf.TrafficLog.Type = "memory"
	conf.TrafficLog.Location = ""
	ls, err = conf.TrafficLogStore()
	require.NoError(t, err)
	require.NotNil(t, ls)

	conf.TrafficLog.Type = "file"
	_, err = conf.TrafficLogStore()
	assert.Error(t, err)
}
