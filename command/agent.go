// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/fulcrumnet/fulcrum-registry/docstore"
	"github.com/fulcrumnet/fulcrum-registry/registry"
)

// AgentCommand runs the registry itself until interrupted.
type AgentCommand struct {
	Meta

	configPath string
	senderID   string
	dataDir    string
	logLevel   string
	logJSON    bool
	dev        bool
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: fulcrum-registry agent [options]

  Run the registry control plane. The agent connects to the Redis bus,
  subscribes to the fleet channels, and serves routing until it receives
  SIGINT or SIGTERM.

  Configuration is resolved in order: built-in defaults, then the
  -config file, then flags.

General Options:
` + generalOptionsUsage() + `

Agent Options:

  -config=<path>
    Path to a YAML configuration file.

  -sender-id=<id>
    Identity of this registry on the bus. Defaults to "registry".

  -data-dir=<path>
    Directory for the document store. Defaults to the current
    directory.

  -log-level=<level>
    One of trace, debug, info, warn or error. Defaults to info.

  -log-json
    Emit logs in JSON format.

  -dev
    Run with an in-memory document store, losing environment and
    player documents on exit.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the registry control plane"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-config":    complete.PredictFiles("*.yaml"),
			"-sender-id": complete.PredictAnything,
			"-data-dir":  complete.PredictDirs("*"),
			"-log-level": complete.PredictSet("trace", "debug", "info", "warn", "error"),
			"-log-json":  complete.PredictNothing,
			"-dev":       complete.PredictNothing,
		})
}

func (c *AgentCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&c.configPath, "config", "", "")
	flags.StringVar(&c.senderID, "sender-id", "", "")
	flags.StringVar(&c.dataDir, "data-dir", "", "")
	flags.StringVar(&c.logLevel, "log-level", "", "")
	flags.BoolVar(&c.logJSON, "log-json", false, "")
	flags.BoolVar(&c.dev, "dev", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	fileConf := defaultAgentFile()
	if c.configPath != "" {
		if err := fileConf.load(c.configPath); err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
			return 1
		}
	}
	c.mergeFlags(fileConf)

	config := fileConf.registryConfig()
	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "fulcrum",
		Level:      hclog.LevelFromString(fileConf.LogLevel),
		JSONFormat: fileConf.LogJSON,
		Output:     os.Stderr,
	})

	client := redis.NewClient(&redis.Options{
		Addr:     fileConf.Redis.Addr,
		Password: fileConf.Redis.Password,
	})
	defer client.Close()

	var docs docstore.Store
	if c.dev {
		docs = docstore.NewMemoryStore()
	} else {
		path := filepath.Join(fileConf.DataDir, "docstore.bolt")
		bolt, err := docstore.NewBoltStore(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error opening document store: %s", err))
			return 1
		}
		docs = bolt
	}
	defer docs.Close()

	server, err := registry.NewServer(config, logger, client, docs)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building registry: %s", err))
		return 1
	}
	if err := server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting registry: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Registry %q running, bus %s", config.SenderID, fileConf.Redis.Addr))

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh

	c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
	server.Shutdown()
	return 0
}

func (c *AgentCommand) mergeFlags(conf *agentFile) {
	if addr := c.Meta.redisAddr; addr != "" {
		conf.Redis.Addr = addr
	} else if addr := os.Getenv(EnvRedisAddr); addr != "" && conf.Redis.Addr == "" {
		conf.Redis.Addr = addr
	}
	if conf.Redis.Addr == "" {
		conf.Redis.Addr = DefaultRedisAddr
	}
	if c.Meta.redisPassword != "" {
		conf.Redis.Password = c.Meta.redisPassword
	}
	if c.senderID != "" {
		conf.SenderID = c.senderID
	}
	if c.dataDir != "" {
		conf.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		conf.LogLevel = c.logLevel
	}
	if c.logJSON {
		conf.LogJSON = true
	}
}

// duration is a time.Duration that unmarshals from YAML strings like
// "30s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// agentFile is the YAML configuration file shape.
type agentFile struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	SenderID string `yaml:"senderId"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	HeartbeatTimeout  duration `yaml:"heartbeatTimeout"`
	HeartbeatGrace    duration `yaml:"heartbeatGrace"`
	MaxRoutingRetries *int     `yaml:"maxRoutingRetries"`
	RequestMaxAge     duration `yaml:"requestMaxAge"`
	RecentSlotTTL     duration `yaml:"recentSlotTtl"`
	QueueDepthLimit   *int     `yaml:"queueDepthLimit"`
	EvictBuffer       duration `yaml:"evictBuffer"`
	TicketBuffer      duration `yaml:"ticketBuffer"`
	SweepInterval     duration `yaml:"sweepInterval"`
}

func defaultAgentFile() *agentFile {
	return &agentFile{
		DataDir:  ".",
		LogLevel: "info",
	}
}

func (a *agentFile) load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, a); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// registryConfig folds the file values over the built-in defaults.
func (a *agentFile) registryConfig() *registry.Config {
	config := registry.DefaultConfig()
	if a.SenderID != "" {
		config.SenderID = a.SenderID
	}
	if a.HeartbeatTimeout > 0 {
		config.HeartbeatTimeout = time.Duration(a.HeartbeatTimeout)
	}
	if a.HeartbeatGrace > 0 {
		config.HeartbeatGrace = time.Duration(a.HeartbeatGrace)
	}
	if a.MaxRoutingRetries != nil {
		config.MaxRoutingRetries = *a.MaxRoutingRetries
	}
	if a.RequestMaxAge > 0 {
		config.RequestMaxAge = time.Duration(a.RequestMaxAge)
	}
	if a.RecentSlotTTL > 0 {
		config.RecentSlotTTL = time.Duration(a.RecentSlotTTL)
	}
	if a.QueueDepthLimit != nil {
		config.QueueDepthLimit = *a.QueueDepthLimit
	}
	if a.EvictBuffer > 0 {
		config.EvictBuffer = time.Duration(a.EvictBuffer)
	}
	if a.TicketBuffer > 0 {
		config.TicketBuffer = time.Duration(a.TicketBuffer)
	}
	if a.SweepInterval > 0 {
		config.SweepInterval = time.Duration(a.SweepInterval)
	}
	return config
}
