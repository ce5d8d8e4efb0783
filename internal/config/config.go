package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lidio601/lamassu-machine/internal/idle"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Verbose       bool
	Brain         BrainConfig
	Database      DatabaseConfig
	Trader        TraderConfig
	Display       DisplayConfig
	Wifi          WifiConfig
	BillValidator BillValidatorConfig
	Remote        RemoteConfig
	Log           LogConfig
	Mock          MockConfig
}

// BrainConfig holds the orchestrator's timers and limits.
type BrainConfig struct {
	CheckIdle time.Duration
	IdleTime  time.Duration
	ExitTime  time.Duration
	TxLimit   int64 // zero defers to the operator server
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// TraderConfig holds operator server settings.
type TraderConfig struct {
	URL          string
	MachineID    string
	PollInterval time.Duration
	Timeout      time.Duration
	MinBalance   float64
}

// DisplayConfig holds the kiosk UI server settings.
type DisplayConfig struct {
	Listen    string
	Heartbeat time.Duration
}

type WifiConfig struct {
	Interface string
}

// BillValidatorConfig holds acceptor settings. Device "simulator" selects
// the in-memory acceptor.
type BillValidatorConfig struct {
	Device        string
	Denominations []int64
}

// RemoteConfig holds the operator DM channel. It is disabled when SecretKey
// is empty.
type RemoteConfig struct {
	Relays    []string
	Operators []string // npubs or hex
	SecretKey string   // nsec or hex
}

type LogConfig struct {
	Level  string
	Format string
}

// MockConfig replaces hardware and the operator server with simulators.
type MockConfig struct {
	BillValidator bool
	Trader        bool
	Wifi          bool
}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		Brain: BrainConfig{
			CheckIdle: viper.GetDuration("brain.check_idle"),
			IdleTime:  viper.GetDuration("brain.idle_time"),
			ExitTime:  viper.GetDuration("brain.exit_time"),
			TxLimit:   viper.GetInt64("brain.tx_limit"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Trader: TraderConfig{
			URL:          viper.GetString("trader.url"),
			MachineID:    viper.GetString("trader.machine_id"),
			PollInterval: viper.GetDuration("trader.poll_interval"),
			Timeout:      viper.GetDuration("trader.timeout"),
			MinBalance:   viper.GetFloat64("trader.min_balance"),
		},
		Display: DisplayConfig{
			Listen:    viper.GetString("display.listen"),
			Heartbeat: viper.GetDuration("display.heartbeat"),
		},
		Wifi: WifiConfig{
			Interface: viper.GetString("wifi.interface"),
		},
		BillValidator: BillValidatorConfig{
			Device: viper.GetString("bill_validator.device"),
		},
		Remote: RemoteConfig{
			Relays:    viper.GetStringSlice("remote.relays"),
			Operators: viper.GetStringSlice("remote.operators"),
			SecretKey: viper.GetString("remote.secret_key"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
		Mock: MockConfig{
			BillValidator: viper.GetBool("mock.bill_validator"),
			Trader:        viper.GetBool("mock.trader"),
			Wifi:          viper.GetBool("mock.wifi"),
		},
	}

	for _, d := range viper.GetIntSlice("bill_validator.denominations") {
		cfg.BillValidator.Denominations = append(cfg.BillValidator.Denominations, int64(d))
	}

	// Apply defaults
	if cfg.Brain.CheckIdle == 0 {
		cfg.Brain.CheckIdle = 2 * time.Second
	}
	if cfg.Brain.IdleTime == 0 {
		cfg.Brain.IdleTime = 10 * time.Second
	}
	if cfg.Brain.ExitTime == 0 {
		cfg.Brain.ExitTime = 20 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "lamassu-machine.db"
	}
	if cfg.Trader.PollInterval == 0 {
		cfg.Trader.PollInterval = 10 * time.Second
	}
	if cfg.Trader.Timeout == 0 {
		cfg.Trader.Timeout = 10 * time.Second
	}
	if cfg.Display.Listen == "" {
		cfg.Display.Listen = "127.0.0.1:8081"
	}
	if cfg.Display.Heartbeat == 0 {
		cfg.Display.Heartbeat = 60 * time.Second
	}
	if cfg.Wifi.Interface == "" {
		cfg.Wifi.Interface = "wlan0"
	}
	if cfg.BillValidator.Device == "" {
		cfg.BillValidator.Device = "/dev/ttyUSB0"
	}
	if len(cfg.Remote.Relays) == 0 {
		cfg.Remote.Relays = []string{"wss://relay.damus.io"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
		if cfg.Verbose {
			cfg.Log.Level = "debug"
		}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	return cfg, nil
}

// Timer returns the Brain's timer configuration.
func (c *Config) Timer() idle.Config {
	return idle.Config{
		CheckInterval: c.Brain.CheckIdle,
		IdleThreshold: c.Brain.IdleTime,
		ExitThreshold: c.Brain.ExitTime,
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if err := c.Timer().Validate(); err != nil {
		return err
	}
	if c.Brain.TxLimit < 0 {
		return fmt.Errorf("%w: brain.tx_limit must not be negative", ErrInvalid)
	}
	if !c.Mock.Trader {
		if c.Trader.URL == "" {
			return fmt.Errorf("%w: trader.url is required without --mock-trader", ErrInvalid)
		}
		if c.Trader.MachineID == "" {
			return fmt.Errorf("%w: trader.machine_id is required without --mock-trader", ErrInvalid)
		}
	}
	if c.Trader.PollInterval < 0 || c.Trader.Timeout < 0 || c.Display.Heartbeat < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	for _, d := range c.BillValidator.Denominations {
		if d <= 0 {
			return fmt.Errorf("%w: denomination %d", ErrInvalid, d)
		}
	}
	if c.RemoteEnabled() && len(c.Remote.Operators) == 0 {
		return fmt.Errorf("%w: remote.operators is required with remote.secret_key", ErrInvalid)
	}
	return nil
}

// RemoteEnabled reports whether the operator DM channel should run.
func (c *Config) RemoteEnabled() bool {
	return c.Remote.SecretKey != ""
}
