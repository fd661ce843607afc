package visor

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/pkg/admission"
	"github.com/skycoin/cyclenet/pkg/comm"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/transport"
)

// Node roles.
const (
	RoleMaster = "master"
	RolePeer   = "peer"
)

// Config defines configuration parameters for Node.
type Config struct {
	Version string `json:"version"`
	Role    string `json:"role"`

	// GroupID is a uuid or a number. Empty derives a fresh id per run.
	GroupID string `json:"group_id,omitempty"`

	Data DataConfig `json:"data"`

	Setup struct {
		// Address is where a master accepts configuration channels over TCP
		// (empty: only the WebSocket endpoint), or what a peer dials.
		Address string `json:"address"`
	} `json:"setup"`

	Timing struct {
		Interval      Duration `json:"interval"`
		MasterTimeout Duration `json:"master_timeout"`
		PeerTimeout   Duration `json:"peer_timeout"`
		JoinDelay     uint32   `json:"join_delay"`
		StartCycle    uint32   `json:"start_cycle"`
	} `json:"timing"`

	Admission admission.Config `json:"admission"`

	TrafficLog struct {
		Type     string `json:"type"`
		Location string `json:"location"`
	} `json:"traffic_log"`

	Interfaces InterfaceConfig `json:"interfaces"`

	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"` // time value, examples: 10s, 1m, etc
}

// DataConfig configures the data transport.
type DataConfig struct {
	transport.Config
	// Relay makes a master host the WebSocket relay on its HTTP interface.
	Relay bool `json:"relay"`
}

// InterfaceConfig defines listening interfaces for a cyclenet node.
type InterfaceConfig struct {
	HTTPAddress string `json:"http"` // HTTP API, metrics and WebSocket endpoints (leave blank to disable).
	RPCAddress  string `json:"rpc"`  // RPC address and port for command-line interface (leave blank to disable RPC interface).
}

// Validate reports configuration errors that prevent a node from starting.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleMaster:
		if c.Data.Relay {
			if c.Interfaces.HTTPAddress == "" {
				return errors.New("data relay needs an http interface")
			}
		} else if err := checkURL(c.Data.URL, "udp", "udp4", "ws", "wss"); err != nil {
			return pkgerrors.WithMessage(err, "data")
		}
		if c.Setup.Address == "" && c.Interfaces.HTTPAddress == "" {
			return errors.New("no setup address and no http interface to accept peers on")
		}
		if _, err := c.Group(uuid.Nil); err != nil {
			return err
		}
	case RolePeer:
		if c.Setup.Address == "" {
			return errors.New("empty setup address")
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if c.Timing.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.Timing.PeerTimeout > 0 && c.Timing.PeerTimeout < c.masterTimeout() {
		return fmt.Errorf("peer timeout %s is shorter than master timeout %s",
			time.Duration(c.Timing.PeerTimeout), time.Duration(c.masterTimeout()))
	}
	switch c.Admission.Type {
	case "", admission.TypeAcceptAll, admission.TypeAllowList, admission.TypeManual:
	default:
		return fmt.Errorf("unknown admission type %q", c.Admission.Type)
	}
	switch c.TrafficLog.Type {
	case "", "memory", "file":
	default:
		return fmt.Errorf("unknown traffic log type %q", c.TrafficLog.Type)
	}
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			return pkgerrors.Wrap(err, "log_level")
		}
	}
	return nil
}

func (c *Config) masterTimeout() Duration {
	if c.Timing.MasterTimeout > 0 {
		return c.Timing.MasterTimeout
	}
	return Duration(comm.DefaultMasterTimeout)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return pkgerrors.Wrapf(err, "invalid url %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q: unsupported scheme %q", raw, u.Scheme)
}

// Group returns the numeric group id. An empty GroupID is derived from
// session.
func (c *Config) Group(session uuid.UUID) (uint32, error) {
	if c.GroupID == "" {
		return binary.BigEndian.Uint32(session[:4]), nil
	}
	if id, err := uuid.Parse(c.GroupID); err == nil {
		return binary.BigEndian.Uint32(id[:4]), nil
	}
	n, err := strconv.ParseUint(c.GroupID, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("group_id %q is neither a uuid nor a number", c.GroupID)
	}
	return uint32(n), nil
}

// TrafficLogStore returns the configured transport.LogStore.
func (c *Config) TrafficLogStore() (transport.LogStore, error) {
	if c.TrafficLog.Type == "file" {
		dir, err := ensureDir(c.TrafficLog.Location)
		if err != nil {
			return nil, err
		}
		return transport.FileLogStore(dir)
	}

	return transport.InMemoryLogStore(), nil
}

// MasterConfig returns the configuration of the master role.
func (c *Config) MasterConfig(group uint32, dataURL string) comm.MasterConfig {
	return comm.MasterConfig{
		GroupID:   group,
		Interval:  time.Duration(c.Timing.Interval),
		DataURL:   dataURL,
		Timeout:   time.Duration(c.Timing.MasterTimeout),
		JoinDelay: c.Timing.JoinDelay,
		Start:     cycle.New(c.Timing.StartCycle),
	}
}

// PeerConfig returns the configuration of the peer role.
func (c *Config) PeerConfig() comm.PeerConfig {
	return comm.PeerConfig{
		Interval: time.Duration(c.Timing.Interval),
		Timeout:  time.Duration(c.Timing.PeerTimeout),
	}
}

// DataConfigFor returns the transport configuration for the data URL
// announced by a master.
func (c *Config) DataConfigFor(dataURL string) transport.Config {
	conf := c.Data.Config
	conf.URL = dataURL
	return conf
}

func ensureDir(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %s", err)
	}

	if _, err := os.Stat(absPath); !os.IsNotExist(err) {
		return absPath, nil
	}

	if err := os.MkdirAll(absPath, 0750); err != nil {
		return "", fmt.Errorf("failed to create dir: %s", err)
	}

	return absPath, nil
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
