// Package config loads relay configuration: structural settings from a YAML
// file, secrets from the environment (.env supported via godotenv).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Apex     ApexConfig     `yaml:"apex"`
	Limits   LimitsConfig   `yaml:"limits"`
	Sessions SessionsConfig `yaml:"sessions"`
	Capital  CapitalConfig  `yaml:"capital"`
	Runner   RunnerConfig   `yaml:"runner"`

	// Secrets, populated from the environment only.
	RelayToken  string `yaml:"-"`
	SpawnSecret string `yaml:"-"`
	ApexToken   string `yaml:"-"`
	OperatorID  string `yaml:"-"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type PathsConfig struct {
	WorkspaceRoot  string `yaml:"workspace_root"` // per-worker gate dirs
	DataDir        string `yaml:"data_dir"`       // availability, vessel state, audit, task db
	ContextsDir    string `yaml:"contexts_dir"`   // per-worker identity docs
	PositionState  string `yaml:"position_state"` // written by a side process, read-only here
	CatalystState  string `yaml:"catalyst_state"` // written by a side process, read-only here
	SpawnSecretKey string `yaml:"spawn_secret"`   // gate HMAC key file
	ComplianceLog  string `yaml:"compliance_log"` // counsel decision store
}

type ApexConfig struct {
	BaseURL   string `yaml:"base_url"`
	PricerURL string `yaml:"pricer_url"`
}

type LimitsConfig struct {
	TradeMax       int           `yaml:"trade_max"`
	TradeWindow    time.Duration `yaml:"trade_window"`
	ReadMax        int           `yaml:"read_max"`
	ReadWindow     time.Duration `yaml:"read_window"`
	MaxConnections int           `yaml:"max_connections"`
}

type SessionsConfig struct {
	Timeout        time.Duration `yaml:"timeout"`         // agent session horizon
	ManagerTimeout time.Duration `yaml:"manager_timeout"` // manager heartbeat horizon
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // watchdog cadence
	MaxTurns       int           `yaml:"max_turns"`
}

type CapitalConfig struct {
	GasReserveSOL    float64 `yaml:"gas_reserve_sol"`
	FeeBufferSOL     float64 `yaml:"fee_buffer_sol"`
	MinReturnableSOL float64 `yaml:"min_returnable_sol"`
	DustGasSOL       float64 `yaml:"dust_gas_sol"`
	DustUSD          float64 `yaml:"dust_usd"`
}

type RunnerConfig struct {
	ExecutorPath  string  `yaml:"executor_path"`  // confined executor binary
	BrokerPath    string  `yaml:"broker_path"`    // tool-broker MCP server script
	BrokerCommand string  `yaml:"broker_command"` // interpreter for the broker
	MaxBudgetUSD  float64 `yaml:"max_budget_usd"`
}

// Default returns the reference configuration. Load applies the YAML file
// and environment on top of it, so a missing file still yields a runnable
// (if secretless) config.
func Default() *Config {
	data := defaultString(os.Getenv("RELAY_DATA_DIR"), ".")
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8787"},
		Paths: PathsConfig{
			WorkspaceRoot:  data,
			DataDir:        data,
			ContextsDir:    filepath.Join(data, "agent_contexts"),
			PositionState:  filepath.Join(data, "position_state.json"),
			CatalystState:  filepath.Join(data, "catalyst_events.json"),
			SpawnSecretKey: filepath.Join(data, ".spawn_secret"),
			ComplianceLog:  filepath.Join(data, "compliance_audit.json"),
		},
		Apex: ApexConfig{
			BaseURL:   "http://localhost:5001",
			PricerURL: "https://api.dexscreener.com/latest/dex/tokens",
		},
		Limits: LimitsConfig{
			TradeMax:       5,
			TradeWindow:    60 * time.Second,
			ReadMax:        30,
			ReadWindow:     60 * time.Second,
			MaxConnections: 3,
		},
		Sessions: SessionsConfig{
			Timeout:        5 * time.Hour,
			ManagerTimeout: 5 * time.Hour,
			SweepInterval:  5 * time.Minute,
			MaxTurns:       30,
		},
		Capital: CapitalConfig{
			GasReserveSOL:    0.01,
			FeeBufferSOL:     0.005,
			MinReturnableSOL: 0.002,
			DustGasSOL:       0.003,
			DustUSD:          0.50,
		},
		Runner: RunnerConfig{
			ExecutorPath:  filepath.Join(os.Getenv("HOME"), ".local", "bin", "claude"),
			BrokerPath:    filepath.Join(data, "vessel", "broker_server.py"),
			BrokerCommand: filepath.Join(data, "venv", "bin", "python3"),
			MaxBudgetUSD:  1.0,
		},
	}
}

// fileConfig mirrors Config for YAML decoding. Durations arrive as strings
// ("30s", "5h") because yaml.v2 cannot decode time.Duration directly.
type fileConfig struct {
	Server ServerConfig `yaml:"server"`
	Paths  PathsConfig  `yaml:"paths"`
	Apex   ApexConfig   `yaml:"apex"`
	Limits struct {
		TradeMax       int    `yaml:"trade_max"`
		TradeWindow    string `yaml:"trade_window"`
		ReadMax        int    `yaml:"read_max"`
		ReadWindow     string `yaml:"read_window"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"limits"`
	Sessions struct {
		Timeout        string `yaml:"timeout"`
		ManagerTimeout string `yaml:"manager_timeout"`
		SweepInterval  string `yaml:"sweep_interval"`
		MaxTurns       int    `yaml:"max_turns"`
	} `yaml:"sessions"`
	Capital CapitalConfig `yaml:"capital"`
	Runner  RunnerConfig  `yaml:"runner"`
}

// Load reads the YAML config at path (optional) and pulls secrets from the
// environment. A .env file next to the process is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else if err := applyFile(cfg, raw); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("RELAY_PORT"); v != "" {
		cfg.Server.Port = v
	}
	cfg.RelayToken = strings.TrimSpace(os.Getenv("RELAY_TOKEN"))
	cfg.ApexToken = strings.TrimSpace(os.Getenv("APEX_API_TOKEN"))
	cfg.OperatorID = strings.TrimSpace(os.Getenv("RELAY_OPERATOR_ID"))

	// The spawn secret lives in a file so the operator tooling that issues
	// gates can share it. An absent secret means gate checks fail closed.
	if raw, err := os.ReadFile(cfg.Paths.SpawnSecretKey); err == nil {
		cfg.SpawnSecret = strings.TrimSpace(string(raw))
	}

	if cfg.RelayToken == "" {
		return nil, fmt.Errorf("RELAY_TOKEN must be set")
	}
	return cfg, nil
}

// applyFile overlays the YAML file onto cfg. Zero values in the file leave
// the defaults in place.
func applyFile(cfg *Config, raw []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	overlayString(&cfg.Server.Host, fc.Server.Host)
	overlayString(&cfg.Server.Port, fc.Server.Port)

	overlayString(&cfg.Paths.WorkspaceRoot, fc.Paths.WorkspaceRoot)
	overlayString(&cfg.Paths.DataDir, fc.Paths.DataDir)
	overlayString(&cfg.Paths.ContextsDir, fc.Paths.ContextsDir)
	overlayString(&cfg.Paths.PositionState, fc.Paths.PositionState)
	overlayString(&cfg.Paths.CatalystState, fc.Paths.CatalystState)
	overlayString(&cfg.Paths.SpawnSecretKey, fc.Paths.SpawnSecretKey)
	overlayString(&cfg.Paths.ComplianceLog, fc.Paths.ComplianceLog)

	overlayString(&cfg.Apex.BaseURL, fc.Apex.BaseURL)
	overlayString(&cfg.Apex.PricerURL, fc.Apex.PricerURL)

	overlayInt(&cfg.Limits.TradeMax, fc.Limits.TradeMax)
	overlayInt(&cfg.Limits.ReadMax, fc.Limits.ReadMax)
	overlayInt(&cfg.Limits.MaxConnections, fc.Limits.MaxConnections)
	if err := overlayDuration(&cfg.Limits.TradeWindow, fc.Limits.TradeWindow); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.Limits.ReadWindow, fc.Limits.ReadWindow); err != nil {
		return err
	}

	overlayInt(&cfg.Sessions.MaxTurns, fc.Sessions.MaxTurns)
	if err := overlayDuration(&cfg.Sessions.Timeout, fc.Sessions.Timeout); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.Sessions.ManagerTimeout, fc.Sessions.ManagerTimeout); err != nil {
		return err
	}
	if err := overlayDuration(&cfg.Sessions.SweepInterval, fc.Sessions.SweepInterval); err != nil {
		return err
	}

	overlayFloat(&cfg.Capital.GasReserveSOL, fc.Capital.GasReserveSOL)
	overlayFloat(&cfg.Capital.FeeBufferSOL, fc.Capital.FeeBufferSOL)
	overlayFloat(&cfg.Capital.MinReturnableSOL, fc.Capital.MinReturnableSOL)
	overlayFloat(&cfg.Capital.DustGasSOL, fc.Capital.DustGasSOL)
	overlayFloat(&cfg.Capital.DustUSD, fc.Capital.DustUSD)

	overlayString(&cfg.Runner.ExecutorPath, fc.Runner.ExecutorPath)
	overlayString(&cfg.Runner.BrokerPath, fc.Runner.BrokerPath)
	overlayString(&cfg.Runner.BrokerCommand, fc.Runner.BrokerCommand)
	overlayFloat(&cfg.Runner.MaxBudgetUSD, fc.Runner.MaxBudgetUSD)
	return nil
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func overlayFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func overlayDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse config duration %q: %w", v, err)
	}
	*dst = d
	return nil
}

// RelayURL is the address local tool-broker processes call back on.
func (c *Config) RelayURL() string {
	return "http://localhost:" + c.Server.Port
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
