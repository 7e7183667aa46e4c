// Package config assembles the kvs-server configuration.
//
// Values are layered, later sources overriding earlier ones:
//
//  1. Default()
//  2. a YAML file (Load)
//  3. KVS_* environment variables (ApplyEnv)
//  4. command-line flags, applied by the binary
//
// Example file:
//
//	addr: 127.0.0.1:4000
//	engine: kvs
//	data_path: /var/lib/kvs
//	log_level: info
//	executor: shared-queue
//	workers: 8
//	metrics_addr: 127.0.0.1:9100
//	compaction_threshold: 1048576
//	sync_writes: true
//	shutdown_timeout: 5s
package config

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/kvs/internal/pool"
	"github.com/dreamware/kvs/internal/storage"
)

// Config is the server configuration.
type Config struct {
	Addr                string        `yaml:"addr"`
	Engine              string        `yaml:"engine"`
	DataPath            string        `yaml:"data_path"`
	LogLevel            string        `yaml:"log_level"`
	Executor            string        `yaml:"executor"`
	Workers             int           `yaml:"workers"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	CompactionThreshold int64         `yaml:"compaction_threshold"`
	SyncWrites          bool          `yaml:"sync_writes"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                "127.0.0.1:4000",
		Engine:              storage.EngineKvs,
		DataPath:            "./",
		LogLevel:            "info",
		Executor:            pool.KindSharedQueue,
		Workers:             0,
		CompactionThreshold: storage.DefaultCompactionThreshold,
		SyncWrites:          true,
		ShutdownTimeout:     5 * time.Second,
	}
}

// Load reads a YAML file on top of Default(). Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KVS_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	c.Addr = getenv("KVS_ADDR", c.Addr)
	c.Engine = getenv("KVS_ENGINE", c.Engine)
	c.DataPath = getenv("KVS_DATA_PATH", c.DataPath)
	c.LogLevel = getenv("KVS_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getenv("KVS_METRICS_ADDR", c.MetricsAddr)
	c.Executor = getenv("KVS_EXECUTOR", c.Executor)

	if v := getenv("KVS_WORKERS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "KVS_WORKERS=%q", v)
		}
		c.Workers = n
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(err, "invalid addr %q", c.Addr)
	}
	if !contains(storage.Engines(), c.Engine) {
		return errors.Newf("invalid engine %q (want one of %s)", c.Engine, strings.Join(storage.Engines(), ", "))
	}
	if c.DataPath == "" {
		return errors.New("data path must not be empty")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log level")
	}
	if !contains(pool.Kinds(), c.Executor) {
		return errors.Newf("invalid executor %q (want one of %s)", c.Executor, strings.Join(pool.Kinds(), ", "))
	}
	if c.Workers < 0 {
		return errors.Newf("workers must not be negative, got %d", c.Workers)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return errors.Wrapf(err, "invalid metrics addr %q", c.MetricsAddr)
		}
	}
	if c.CompactionThreshold <= 0 {
		return errors.Newf("compaction threshold must be positive, got %d", c.CompactionThreshold)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Newf("shutdown timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}

// StorageOptions derives engine options from c.
func (c Config) StorageOptions(log logrus.FieldLogger, m *storage.Metrics) storage.Options {
	opts := storage.DefaultOptions()
	opts.CompactionThreshold = c.CompactionThreshold
	opts.SyncWrites = c.SyncWrites
	opts.Logger = log
	opts.Metrics = m
	return opts
}

// NewExecutor builds the connection executor named by c.Executor.
func (c Config) NewExecutor(log logrus.FieldLogger) (pool.Executor, error) {
	return pool.NewExecutor(c.Executor, c.Workers, pool.WithLogger(log))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
