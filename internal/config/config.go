// Package config loads the relay and agent configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML file
// (the --config flag or WAIWAI_CONFIG), a few environment variables
// (REDIS_ADDR, RELAY_URL, PLANTUML_URL) and finally command-line flags,
// which the cli package applies on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
	"github.com/moppymopperson/waiwai-uml/internal/render"
	"github.com/moppymopperson/waiwai-uml/internal/session"
)

// Config is the configuration for both binaries.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	// Listen is the relay's listen address.
	Listen string `yaml:"listen"`

	// RedisAddr selects the Redis broker. Empty runs an in-memory broker,
	// which only works with a single relay process.
	RedisAddr string `yaml:"redis_addr"`

	// RoomTTL is how long an idle room's log is kept in Redis.
	RoomTTL time.Duration `yaml:"room_ttl"`

	// Advertise registers the relay over mDNS.
	Advertise bool `yaml:"advertise"`
}

// AgentConfig configures a peer.
type AgentConfig struct {
	// Listen is where the editor UI and websocket are served.
	Listen string `yaml:"listen"`

	// RelayURL is the relay's websocket URL. Empty means discover one over
	// mDNS.
	RelayURL string `yaml:"relay_url"`

	// Room is used when no room can be derived from the document URL.
	Room string `yaml:"room"`

	// StaticDir is served at / when set.
	StaticDir string `yaml:"static_dir"`

	// DependencyTimeout bounds how long a remote operation may wait for
	// the operations it depends on.
	DependencyTimeout time.Duration `yaml:"dependency_timeout"`

	// DiscoveryTimeout bounds the mDNS lookup.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	Render RenderConfig `yaml:"render"`
}

// RenderConfig configures the render pipeline.
type RenderConfig struct {
	// BaseURL of the PlantUML server.
	BaseURL string `yaml:"base_url"`

	// Preamble is prepended to every diagram, typically skinparams.
	Preamble string `yaml:"preamble"`

	// Delay is the quiet period before a render.
	Delay time.Duration `yaml:"delay"`
}

// Pipeline returns the render.Config for c.
func (c RenderConfig) Pipeline() render.Config {
	return render.Config{BaseURL: c.BaseURL, Preamble: c.Preamble, Delay: c.Delay}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  ":8081",
			RoomTTL: 24 * time.Hour,
		},
		Agent: AgentConfig{
			Listen:            ":8080",
			RelayURL:          "ws://localhost:8081",
			Room:              session.DefaultRoom,
			DependencyTimeout: crdt.DefaultDependencyTimeout,
			DiscoveryTimeout:  5 * time.Second,
			Render: RenderConfig{
				BaseURL: "https://www.plantuml.com/plantuml",
				Delay:   render.DefaultDelay,
			},
		},
	}
}

// Load reads the file at path, or WAIWAI_CONFIG when path is empty, over the
// defaults and applies environment overrides. With neither set, Load returns
// the defaults with environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("WAIWAI_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironment() {
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.Server.RedisAddr = v
	}
	if v, ok := os.LookupEnv("RELAY_URL"); ok {
		c.Agent.RelayURL = v
	}
	if v, ok := os.LookupEnv("PLANTUML_URL"); ok {
		c.Agent.Render.BaseURL = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.RoomTTL <= 0 {
		errs = append(errs, fmt.Errorf("server.room_ttl must be positive, got %s", c.Server.RoomTTL))
	}
	if c.Agent.Listen == "" {
		errs = append(errs, errors.New("agent.listen is required"))
	}
	if c.Agent.RelayURL != "" {
		if err := checkURL(c.Agent.RelayURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("agent.relay_url: %w", err))
		}
	}
	if !session.ValidRoomID(c.Agent.Room) {
		errs = append(errs, fmt.Errorf("agent.room %q is not a valid room id", c.Agent.Room))
	}
	if err := checkURL(c.Agent.Render.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("agent.render.base_url: %w", err))
	}
	if c.Agent.Render.Delay < 0 {
		errs = append(errs, fmt.Errorf("agent.render.delay must not be negative, got %s", c.Agent.Render.Delay))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}
