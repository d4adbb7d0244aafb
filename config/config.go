/*
Package config loads server and batch settings.

PRECEDENCE (later wins):
  1. Defaults()
  2. TOML file (optional, --config)
  3. .env in the working directory (optional)
  4. Environment: ADVANCE_PORT, ADVANCE_DB_PATH, ADVANCE_LOG_LEVEL,
     ADVANCE_LOG_FORMAT, ADVANCE_BATCH_WORKERS
  5. CLI flags, applied by cmd/server

EXAMPLE FILE:
  [server]
  port = 8080
  cors_origins = ["http://localhost:5173"]

  [database]
  path = "./data/advance.db"

  [batch]
  workers = 4
  check_interval = "1h"
  scheduler_enabled = true

  [sla]
  warn_minutes = 150
  due_minutes = 180
  overdue_minutes = 360

  [log]
  level = "info"
  format = "text"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/warp/advance-engine/batch"
)

type Config struct {
	Server   ServerConfig        `toml:"server"`
	Database DatabaseConfig      `toml:"database"`
	Batch    BatchConfig         `toml:"batch"`
	SLA      batch.SLAThresholds `toml:"sla"`
	Log      LogConfig           `toml:"log"`
}

type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type BatchConfig struct {
	Workers          int      `toml:"workers"`
	CheckInterval    Duration `toml:"check_interval"`
	SchedulerEnabled bool     `toml:"scheduler_enabled"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "90m" or "1h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a config that runs out of the box.
func Defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Database: DatabaseConfig{Path: "advance.db"},
		Batch: BatchConfig{
			Workers:          batch.DefaultWorkers,
			CheckInterval:    Duration{time.Hour},
			SchedulerEnabled: true,
		},
		SLA: batch.DefaultSLAThresholds,
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the config from defaults, the optional TOML file at path,
// an optional .env file and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ADVANCE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ADVANCE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("ADVANCE_DB_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := lookup("ADVANCE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("ADVANCE_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("ADVANCE_BATCH_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ADVANCE_BATCH_WORKERS: %w", err)
		}
		c.Batch.Workers = n
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be positive, got %d", c.Batch.Workers)
	}
	if c.Batch.CheckInterval.Duration <= 0 {
		return errors.New("batch.check_interval must be positive")
	}
	s := c.SLA
	if s.WarnMinutes <= 0 || s.WarnMinutes > s.DueMinutes || s.DueMinutes > s.OverdueMinutes {
		return fmt.Errorf("sla thresholds must satisfy 0 < warn <= due <= overdue, got %d/%d/%d",
			s.WarnMinutes, s.DueMinutes, s.OverdueMinutes)
	}
	return nil
}
