package node

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/skycoin/cyclenet/pkg/admission"
	"github.com/skycoin/cyclenet/pkg/comm"
	"github.com/skycoin/cyclenet/pkg/util/pathutil"
	"github.com/skycoin/cyclenet/pkg/visor"
)

func init() {
	RootCmd.AddCommand(genConfigCmd)
}

var (
	output        string
	replace       bool
	role          string
	setupAddr     string
	dataURL       string
	configLocType = pathutil.WorkingDirLoc
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
	genConfigCmd.Flags().StringVar(&role, "role", visor.RoleMaster, "node role: master or peer")
	genConfigCmd.Flags().StringVar(&setupAddr, "setup", "", "setup address (master: TCP listen address, peer: master's setup address)")
	genConfigCmd.Flags().StringVar(&dataURL, "data", "", "data URL announced by a master; empty hosts the WebSocket relay")
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			output = pathutil.NodeDefaults().Get(configLocType)
			log.Infof("No 'output' set; using default path: %s", output)
		}
		var err error
		if output, err = filepath.Abs(output); err != nil {
			log.WithError(err).Fatalln("invalid output provided")
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		var conf *visor.Config
		switch configLocType {
		case pathutil.WorkingDirLoc:
			conf = defaultConfig()
		case pathutil.HomeLoc:
			conf = homeConfig()
		case pathutil.LocalLoc:
			conf = localConfig()
		default:
			log.Fatalln("invalid config type:", configLocType)
		}
		if err := conf.Validate(); err != nil {
			log.WithError(err).Fatalln("generated config is invalid")
		}
		pathutil.WriteJSONConfig(conf, output, replace)
	},
}

func homeConfig() *visor.Config {
	c := defaultConfig()
	c.TrafficLog.Location = filepath.Join(pathutil.DataDir(), "traffic_logs")
	if c.Admission.DB != "" {
		c.Admission.DB = filepath.Join(pathutil.DataDir(), "admission.db")
	}
	return c
}

func localConfig() *visor.Config {
	c := defaultConfig()
	c.TrafficLog.Location = filepath.Join(pathutil.LocalDir, "traffic_logs")
	if c.Admission.DB != "" {
		c.Admission.DB = filepath.Join(pathutil.LocalDir, "admission.db")
	}
	return c
}

func defaultConfig() *visor.Config {
	conf := &visor.Config{}
	conf.Version = visor.Version
	conf.Role = role

	conf.Timing.Interval = visor.Duration(10 * time.Millisecond)
	conf.Timing.MasterTimeout = visor.Duration(comm.DefaultMasterTimeout)
	conf.Timing.PeerTimeout = visor.Duration(comm.DefaultPeerTimeout)

	switch role {
	case visor.RoleMaster:
		conf.Setup.Address = setupAddr
		conf.Data.URL = dataURL
		conf.Data.Relay = dataURL == ""
		conf.Data.TTL = 1
		conf.Timing.JoinDelay = comm.DefaultJoinDelay
		conf.Admission.Type = admission.TypeManual
		conf.Admission.DB = "./cyclenet/admission.db"
		conf.Interfaces.HTTPAddress = "localhost:8080"
	default:
		conf.Setup.Address = setupAddr
		if conf.Setup.Address == "" {
			conf.Setup.Address = "ws://localhost:8080/config"
		}
	}

	conf.TrafficLog.Type = "file"
	conf.TrafficLog.Location = "./cyclenet/traffic_logs"

	conf.LogLevel = "info"

	conf.ShutdownTimeout = visor.Duration(10 * time.Second)

	conf.Interfaces.RPCAddress = "localhost:3435"

	return conf
}
