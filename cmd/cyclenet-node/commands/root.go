package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // no_lint
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/cyclenet/pkg/comm"
	"github.com/skycoin/cyclenet/pkg/util/pathutil"
	"github.com/skycoin/cyclenet/pkg/visor"
)

const configEnv = "CYCLENET_CONFIG"
const defaultShutdownTimeout = visor.Duration(10 * time.Second)

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	profileMode  string
	port         string
	args         []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         visor.Config
	node         *visor.Node
	nodeDone     <-chan struct{}
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "cyclenet-node [config-path]",
	Short: "Master or peer node of a cyclic replication group",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runNode().
			waitOsSignals().
			stopNode()
	},
	Version: visor.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "cyclenet", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("unknown profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = visor.NewTaggedMasterLogger(cfg.tag, os.Stdout)
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	var rdr io.Reader
	if !cfg.cfgFromStdin {
		configPath := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.NodeDefaults())
		f, err := os.Open(configPath)
		if err != nil {
			cfg.logger.Fatalf("Failed to open config: %s", err)
		}
		defer f.Close() // nolint:errcheck
		rdr = f
	} else {
		cfg.logger.Info("Reading config from STDIN")
		rdr = bufio.NewReader(os.Stdin)
	}

	cfg.conf = visor.Config{}
	if err := json.NewDecoder(rdr).Decode(&cfg.conf); err != nil {
		cfg.logger.Fatalf("Failed to decode config: %s", err)
	}
	return cfg
}

func (cfg *runCfg) runNode() *runCfg {
	if cfg.conf.ShutdownTimeout == 0 {
		cfg.conf.ShutdownTimeout = defaultShutdownTimeout
	}

	node, err := visor.NewNode(&cfg.conf, cfg.masterLogger)
	if err != nil {
		cfg.logger.Fatal("Failed to initialize node: ", err)
	}
	node.Hooks.OnClientPayload = func(from uint16, data []byte) {
		cfg.logger.Infof("Client payload of %d bytes from node %d", len(data), from)
	}

	go func() {
		if err := node.Start(); err != nil && err != comm.ErrRemoved {
			cfg.logger.Fatal("Node failed: ", err)
		}
	}()

	cfg.node = node
	cfg.nodeDone = node.Done()
	return cfg
}

func (cfg *runCfg) stopNode() *runCfg {
	defer cfg.profileStop()
	if err := cfg.node.Close(); err != nil {
		cfg.logger.Fatal("Failed to close node: ", err)
	}
	return cfg
}

// waitOsSignals returns on a termination signal or when the node ends on
// its own, e.g. after its master stopped.
func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	select {
	case <-ch:
	case <-cfg.nodeDone:
		cfg.logger.Info("Node finished")
		return cfg
	}
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
