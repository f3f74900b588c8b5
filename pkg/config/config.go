// Package config holds the gateway configuration.
//
// Configuration is read from an INI file with the sections
// [server], [bridge], [log], [metrics] and [app]. Missing keys
// keep their default value.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/7ony/CAN-TCP/pkg/bridge"
	"github.com/7ony/CAN-TCP/pkg/server"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Server struct {
	Port uint16
}

type Bridge struct {
	Interface   string
	Channel     string
	RxCapacity  int
	TxCapacity  int
	QueueSize   int
	TickPeriod  time.Duration
	EarlyMargin time.Duration
}

type Log struct {
	Level string
}

type Metrics struct {
	Addr string // Listen address of the /metrics endpoint, disabled if empty
}

type App struct {
	FrameLogDir string // Directory where frame logs are created
	OpenRetries uint   // Attempts to open the CAN channel before giving up
}

type Config struct {
	Server  Server
	Bridge  Bridge
	Log     Log
	Metrics Metrics
	App     App
}

func Default() Config {
	return Config{
		Server: Server{Port: server.DefaultPort},
		Bridge: Bridge{
			Interface:   bridge.DefaultInterface,
			Channel:     "can0",
			RxCapacity:  bridge.DefaultRxCapacity,
			TxCapacity:  bridge.DefaultTxCapacity,
			QueueSize:   bridge.DefaultQueueSize,
			TickPeriod:  bridge.DefaultTickPeriod,
			EarlyMargin: bridge.DefaultEarlyMargin,
		},
		Log:     Log{Level: "info"},
		Metrics: Metrics{Addr: ""},
		App:     App{FrameLogDir: ".", OpenRetries: 3},
	}
}

// Load configuration from file, which can be a path, []byte or io.Reader.
// Values not present in file are taken from [Default]
func Load(file any) (Config, error) {
	cfg := Default()
	iniFile, err := ini.Load(file)
	if err != nil {
		return cfg, fmt.Errorf("%w : %v", ErrInvalidConfig, err)
	}

	section := iniFile.Section("server")
	if section.HasKey("Port") {
		port, err := section.Key("Port").Uint()
		if err != nil || port > 0xFFFF {
			return cfg, fmt.Errorf("%w : [server] Port %q", ErrInvalidConfig, section.Key("Port").String())
		}
		cfg.Server.Port = uint16(port)
	}

	section = iniFile.Section("bridge")
	cfg.Bridge.Interface = section.Key("Interface").MustString(cfg.Bridge.Interface)
	cfg.Bridge.Channel = section.Key("Channel").MustString(cfg.Bridge.Channel)
	cfg.Bridge.RxCapacity = section.Key("RxCapacity").MustInt(cfg.Bridge.RxCapacity)
	cfg.Bridge.TxCapacity = section.Key("TxCapacity").MustInt(cfg.Bridge.TxCapacity)
	cfg.Bridge.QueueSize = section.Key("QueueSize").MustInt(cfg.Bridge.QueueSize)
	for name, target := range map[string]*time.Duration{
		"TickPeriod":  &cfg.Bridge.TickPeriod,
		"EarlyMargin": &cfg.Bridge.EarlyMargin,
	} {
		if !section.HasKey(name) {
			continue
		}
		duration, err := section.Key(name).Duration()
		if err != nil {
			return cfg, fmt.Errorf("%w : [bridge] %v : %v", ErrInvalidConfig, name, err)
		}
		*target = duration
	}

	cfg.Log.Level = iniFile.Section("log").Key("Level").MustString(cfg.Log.Level)
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return cfg, fmt.Errorf("%w : [log] %v", ErrInvalidConfig, err)
	}
	cfg.Metrics.Addr = iniFile.Section("metrics").Key("Addr").MustString(cfg.Metrics.Addr)

	section = iniFile.Section("app")
	cfg.App.FrameLogDir = section.Key("FrameLogDir").MustString(cfg.App.FrameLogDir)
	cfg.App.OpenRetries = section.Key("OpenRetries").MustUint(cfg.App.OpenRetries)

	return cfg, cfg.Validate()
}

// Validate checks values that cannot be defaulted
func (cfg Config) Validate() error {
	if cfg.Bridge.Channel == "" {
		return fmt.Errorf("%w : empty CAN channel", ErrInvalidConfig)
	}
	if cfg.Bridge.QueueSize <= 0 {
		return fmt.Errorf("%w : queue size must be > 0", ErrInvalidConfig)
	}
	if cfg.Bridge.TickPeriod <= 0 {
		return fmt.Errorf("%w : tick period must be > 0", ErrInvalidConfig)
	}
	if cfg.Bridge.EarlyMargin < 0 || cfg.Bridge.EarlyMargin >= cfg.Bridge.TickPeriod {
		return fmt.Errorf("%w : early margin must be in [0, tick period)", ErrInvalidConfig)
	}
	return nil
}

// BridgeConfig converts to the bridge configuration
func (cfg Config) BridgeConfig() bridge.Config {
	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Interface = cfg.Bridge.Interface
	bridgeCfg.RxCapacity = cfg.Bridge.RxCapacity
	bridgeCfg.TxCapacity = cfg.Bridge.TxCapacity
	bridgeCfg.QueueSize = cfg.Bridge.QueueSize
	bridgeCfg.TickPeriod = cfg.Bridge.TickPeriod
	bridgeCfg.EarlyMargin = cfg.Bridge.EarlyMargin
	return bridgeCfg
}

// Write configuration in INI format
func (cfg Config) WriteTo(w io.Writer) (int64, error) {
	iniFile := ini.Empty()
	keys := []struct {
		section string
		name    string
		value   string
	}{
		{"server", "Port", fmt.Sprint(cfg.Server.Port)},
		{"bridge", "Interface", cfg.Bridge.Interface},
		{"bridge", "Channel", cfg.Bridge.Channel},
		{"bridge", "RxCapacity", fmt.Sprint(cfg.Bridge.RxCapacity)},
		{"bridge", "TxCapacity", fmt.Sprint(cfg.Bridge.TxCapacity)},
		{"bridge", "QueueSize", fmt.Sprint(cfg.Bridge.QueueSize)},
		{"bridge", "TickPeriod", cfg.Bridge.TickPeriod.String()},
		{"bridge", "EarlyMargin", cfg.Bridge.EarlyMargin.String()},
		{"log", "Level", cfg.Log.Level},
		{"metrics", "Addr", cfg.Metrics.Addr},
		{"app", "FrameLogDir", cfg.App.FrameLogDir},
		{"app", "OpenRetries", fmt.Sprint(cfg.App.OpenRetries)},
	}
	for _, key := range keys {
		if _, err := iniFile.Section(key.section).NewKey(key.name, key.value); err != nil {
			return 0, err
		}
	}
	return iniFile.WriteTo(w)
}
