// Package config loads the camera configuration. Values are layered:
// built-in defaults, then an optional YAML file, then CAMERA_* environment
// variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the camera reads.
const EnvPrefix = "CAMERA_"

// Transport selects how the inbound event stream is carried.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "ws"
)

// Config is the full camera configuration.
type Config struct {
	Address  string `yaml:"address"`  // signaling server host
	Port     int    `yaml:"port"`     // signaling server port
	Unsecure bool   `yaml:"unsecure"` // plain http instead of https

	EventTransport Transport `yaml:"event_transport"`

	// STUNServers for ICE gathering. Nil keeps the engine defaults; an
	// empty list disables STUN.
	STUNServers     []string `yaml:"stun_servers"`
	IncludeLoopback bool     `yaml:"include_loopback"`

	// RTP ingest addresses for the shared source. Empty disables one.
	VideoRTP string `yaml:"video_rtp"`
	AudioRTP string `yaml:"audio_rtp"`

	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"` // 0 disables
	SendTimeout        time.Duration `yaml:"send_timeout"`        // per POST
	StatsInterval      time.Duration `yaml:"stats_interval"`      // 0 disables

	Debug bool `yaml:"debug"`
	Trace bool `yaml:"trace"`

	// Interactive prompts for the server address; command line only.
	Interactive bool `yaml:"-"`
	// File is the YAML file the configuration was read from, if any.
	File string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Address:        "localhost",
		Port:           8000,
		EventTransport: TransportSSE,
		VideoRTP:       "127.0.0.1:5004",
		AudioRTP:       "127.0.0.1:5006",
		SendTimeout:    10 * time.Second,
		StatsInterval:  time.Minute,
	}
}

// BaseURL returns the signaling server root, e.g. "https://localhost:8000".
func (c *Config) BaseURL() string {
	scheme := "https"
	if c.Unsecure {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1~65535", c.Port)
	}
	switch c.EventTransport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("invalid event transport %q: must be %q or %q", c.EventTransport, TransportSSE, TransportWebSocket)
	}
	for name, d := range map[string]time.Duration{
		"negotiation timeout": c.NegotiationTimeout,
		"send timeout":        c.SendTimeout,
		"stats interval":      c.StatsInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Load builds the configuration from args (without the program name) and
// the process environment.
func Load(args []string) (*Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, error) {
	fs, fl := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := fl.File
	if path == "" {
		path = getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs.Visit(func(f *pflag.Flag) { cfg.applyFlag(f.Name, fl) })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlagUsage returns the flag help text.
func FlagUsage() string {
	fs, _ := newFlagSet()
	return fs.FlagUsages()
}

func newFlagSet() (*pflag.FlagSet, *Config) {
	def := Default()
	fl := Default()

	fs := pflag.NewFlagSet("camera", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVarP(&fl.File, "config", "c", "", "YAML configuration file")
	fs.StringVar(&fl.Address, "address", def.Address, "signaling server address")
	fs.IntVar(&fl.Port, "port", def.Port, "signaling server port")
	fs.BoolVar(&fl.Unsecure, "unsecure", false, "use plain http instead of https")
	fs.StringVar((*string)(&fl.EventTransport), "transport", string(def.EventTransport), "event stream transport: sse or ws")
	fs.StringSliceVar(&fl.STUNServers, "stun", nil, "STUN server URLs (comma separated, empty for none)")
	fs.BoolVar(&fl.IncludeLoopback, "loopback", false, "gather loopback ICE candidates")
	fs.StringVar(&fl.VideoRTP, "video-rtp", def.VideoRTP, "UDP address receiving H264 RTP (empty to disable)")
	fs.StringVar(&fl.AudioRTP, "audio-rtp", def.AudioRTP, "UDP address receiving Opus RTP (empty to disable)")
	fs.DurationVar(&fl.NegotiationTimeout, "negotiation-timeout", def.NegotiationTimeout, "drop sessions not answered in time (0 disables)")
	fs.DurationVar(&fl.SendTimeout, "send-timeout", def.SendTimeout, "timeout for each outbound message")
	fs.DurationVar(&fl.StatsInterval, "stats-interval", def.StatsInterval, "period of the statistics log (0 disables)")
	fs.BoolVar(&fl.Debug, "debug", false, "enable debug logging")
	fs.BoolVar(&fl.Trace, "trace", false, "enable trace logging, including the media engine")
	fs.BoolVarP(&fl.Interactive, "interactive", "i", false, "prompt for the signaling server")
	return fs, fl
}

func (c *Config) applyFlag(name string, fl *Config) {
	switch name {
	case "config":
		c.File = fl.File
	case "address":
		c.Address = fl.Address
	case "port":
		c.Port = fl.Port
	case "unsecure":
		c.Unsecure = fl.Unsecure
	case "transport":
		c.EventTransport = fl.EventTransport
	case "stun":
		c.STUNServers = nonNil(fl.STUNServers)
	case "loopback":
		c.IncludeLoopback = fl.IncludeLoopback
	case "video-rtp":
		c.VideoRTP = fl.VideoRTP
	case "audio-rtp":
		c.AudioRTP = fl.AudioRTP
	case "negotiation-timeout":
		c.NegotiationTimeout = fl.NegotiationTimeout
	case "send-timeout":
		c.SendTimeout = fl.SendTimeout
	case "stats-interval":
		c.StatsInterval = fl.StatsInterval
	case "debug":
		c.Debug = fl.Debug
	case "trace":
		c.Trace = fl.Trace
	case "interactive":
		c.Interactive = fl.Interactive
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.File = path
	return nil
}

// applyEnv overrides fields from CAMERA_* variables. Unset or empty
// variables leave the current value alone, except CAMERA_STUN_SERVERS which
// may be set to "none".
func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(key string) string { return getenv(EnvPrefix + key) }

	c.Address = getEnv(env, "ADDRESS", c.Address)
	c.EventTransport = Transport(getEnv(env, "EVENT_TRANSPORT", string(c.EventTransport)))
	c.VideoRTP = getEnv(env, "VIDEO_RTP", c.VideoRTP)
	c.AudioRTP = getEnv(env, "AUDIO_RTP", c.AudioRTP)

	if v := env("STUN_SERVERS"); v != "" {
		c.STUNServers = splitList(v)
	}

	var errs []error
	parseEnv(env, "PORT", &c.Port, strconv.Atoi, &errs)
	parseEnv(env, "UNSECURE", &c.Unsecure, strconv.ParseBool, &errs)
	parseEnv(env, "INCLUDE_LOOPBACK", &c.IncludeLoopback, strconv.ParseBool, &errs)
	parseEnv(env, "DEBUG", &c.Debug, strconv.ParseBool, &errs)
	parseEnv(env, "TRACE", &c.Trace, strconv.ParseBool, &errs)
	parseEnv(env, "NEGOTIATION_TIMEOUT", &c.NegotiationTimeout, time.ParseDuration, &errs)
	parseEnv(env, "SEND_TIMEOUT", &c.SendTimeout, time.ParseDuration, &errs)
	parseEnv(env, "STATS_INTERVAL", &c.StatsInterval, time.ParseDuration, &errs)
	return errors.Join(errs...)
}

func getEnv(env func(string) string, key, defaultValue string) string {
	if value := env(key); value != "" {
		return value
	}
	return defaultValue
}

func parseEnv[T any](env func(string) string, key string, dst *T, parse func(string) (T, error), errs *[]error) {
	raw := env(key)
	if raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, raw, err))
		return
	}
	*dst = v
}

// splitList parses a comma separated list. "none" yields an empty,
// non-nil list.
func splitList(v string) []string {
	out := []string{}
	if strings.EqualFold(strings.TrimSpace(v), "none") {
		return out
	}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
