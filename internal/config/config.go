package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// CheckInterval is how often the installed redirect is re-verified
	// while the process holds it.
	CheckInterval time.Duration `yaml:"check_interval"`

	// TeardownRetries is the total number of removal attempts on exit.
	TeardownRetries    int           `yaml:"teardown_retries"`
	TeardownRetryDelay time.Duration `yaml:"teardown_retry_delay"`

	// ReconnectDelay is the pause before re-applying after a runtime
	// failure when --reconnect is set.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdentityFile is the default ssh private key, overridable per run
	// with --identity.
	IdentityFile string `yaml:"identity_file"`

	LogMode string `yaml:"log_mode"`
}

// New builds the config from defaults, then the optional config file at
// ~/.config/expose/config.yaml, then EXPOSE_* environment variables. An env
// file named by EXPOSE_ENV_FILE is loaded into the environment first.
func New() Config {
	c := Config{
		CheckInterval:      time.Minute,
		TeardownRetries:    3,
		TeardownRetryDelay: 5 * time.Second,
		ReconnectDelay:     10 * time.Second,
		ConnectTimeout:     15 * time.Second,
		LogMode:            "development",
	}

	if f := os.Getenv("EXPOSE_ENV_FILE"); f != "" {
		_ = godotenv.Load(f)
	}

	c.loadFile()
	c.loadEnv()
	return c
}

func (c *Config) loadFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}

	value, err := os.ReadFile(filepath.Join(home, ".config", "expose", "config.yaml"))
	if err != nil {
		return
	}

	_ = yaml.Unmarshal(value, c)
}

func (c *Config) loadEnv() {
	durationVar(&c.CheckInterval, "EXPOSE_CHECK_INTERVAL")
	durationVar(&c.TeardownRetryDelay, "EXPOSE_TEARDOWN_RETRY_DELAY")
	durationVar(&c.ReconnectDelay, "EXPOSE_RECONNECT_DELAY")
	durationVar(&c.ConnectTimeout, "EXPOSE_CONNECT_TIMEOUT")

	if v := os.Getenv("EXPOSE_TEARDOWN_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TeardownRetries = n
		}
	}
	if v := os.Getenv("EXPOSE_IDENTITY_FILE"); v != "" {
		c.IdentityFile = v
	}
	if v := os.Getenv("EXPOSE_LOG_MODE"); v != "" {
		c.LogMode = v
	}
}

func durationVar(target *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
