package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vaultsync/vaultsync/pkg/log"
)

// EnvConfigFile is the environment variable consulted when --config-file
// is not given on the command line.
const EnvConfigFile = "QDSAPP_CONFIG_FILE"

// searchPath lists the locations checked, in order, when neither a flag
// nor the environment variable names a config file.
var searchPath = []string{
	"./vaultsync.yaml",
	"/etc/vaultsync/vaultsync.yaml",
}

// DefaultReconnectBackoff is the fixed backoff table a connector walks
// through on repeated connection failures, per spec.
var DefaultReconnectBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Settings holds the resolved configuration shared by the server
// binary and any embedding client application.
type Settings struct {
	// Server fields
	ListenAddr      string `yaml:"listen_addr"`
	DataDir         string `yaml:"data_dir"`
	MetricsAddr     string `yaml:"metrics_addr"`
	QuotaLimitBytes int64  `yaml:"quota_limit_bytes"`

	// Client fields
	RemoteAddr       string        `yaml:"remote_addr"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MissedPongsLimit int           `yaml:"missed_pongs_limit"`

	// Ambient fields
	LogLevel  log.Level `yaml:"log_level"`
	LogJSON   bool      `yaml:"log_json"`
	KeystoreDir string  `yaml:"keystore_dir"`
}

// Default returns the built-in settings used when no config file is
// found anywhere in the resolution order.
func Default() *Settings {
	return &Settings{
		ListenAddr:       "0.0.0.0:4242",
		DataDir:          "./vaultsync-data",
		MetricsAddr:      "127.0.0.1:9090",
		QuotaLimitBytes:  100 * 1024 * 1024,
		RemoteAddr:       "127.0.0.1:4242",
		PingInterval:     30 * time.Second,
		MissedPongsLimit: 2,
		LogLevel:         log.InfoLevel,
		LogJSON:          false,
		KeystoreDir:      "./vaultsync-keystore",
	}
}

// Resolve walks the resolution order documented in doc.go: an explicit
// flag value first, then QDSAPP_CONFIG_FILE, then the search path. It
// returns "" if nothing names a config file, in which case Load should
// be called with Default() instead.
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigFile); env != "" {
		return env
	}
	for _, candidate := range searchPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load reads and parses the YAML config file at path, overlaying it on
// top of Default() so that a partial file only overrides the fields it
// names. An empty path returns Default() unchanged.
func Load(path string) (*Settings, error) {
	settings := Default()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %q", path)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrapf(err, "parse config file %q", path)
	}

	return settings, nil
}

// LoadResolved combines Resolve and Load for the common case: given the
// --config-file flag value (possibly empty), find the file to use and
// load it.
func LoadResolved(flagValue string) (*Settings, error) {
	return Load(Resolve(flagValue))
}
