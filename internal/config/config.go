package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Profiles ProfilesConfig `mapstructure:"probe_profiles"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DriverConfig selects the hardware link. Profile names the probe profile
// that seeds the emulated box.
type DriverConfig struct {
	Address  string        `mapstructure:"address"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Emulated bool          `mapstructure:"emulated"`
	Boxes    int           `mapstructure:"boxes"`
	Profile  string        `mapstructure:"profile"`
}

// SinkConfig describes the external streaming sink and the batch pacing of
// the sample forwarder. NotchFreq 0 disables the mains filter.
type SinkConfig struct {
	Address   string        `mapstructure:"address"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Channels  int           `mapstructure:"channels"`
	Samples   int           `mapstructure:"samples"`
	Frequency int           `mapstructure:"frequency"`
	NotchFreq float64       `mapstructure:"notch_freq"`
	NotchQ    float64       `mapstructure:"notch_q"`
}

type PathsConfig struct {
	RecordingsDir string `mapstructure:"recordings_dir"`
	SettingsDir   string `mapstructure:"settings_dir"`
	MappingFile   string `mapstructure:"mapping_file"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("driver.address", "127.0.0.1:9010")
	v.SetDefault("driver.timeout", "2s")
	v.SetDefault("driver.emulated", false)
	v.SetDefault("driver.boxes", 1)
	v.SetDefault("driver.profile", "nxt-v1")
	v.SetDefault("sink.address", "127.0.0.1:9001")
	v.SetDefault("sink.timeout", "1s")
	v.SetDefault("sink.channels", 60)
	v.SetDefault("sink.samples", 500)
	v.SetDefault("sink.frequency", 20000)
	v.SetDefault("sink.notch_freq", 50.0)
	v.SetDefault("sink.notch_q", 30.0)
	v.SetDefault("paths.recordings_dir", "Recordings")
	v.SetDefault("paths.settings_dir", "Settings")
	v.SetDefault("paths.mapping_file", "electrode_mapping.csv")
	v.SetDefault("probe_profiles.search_paths", []string{"configs/profiles"})

	// Environment Variables automatisch binden (Viper Feature)
	v.AutomaticEnv()
	v.SetEnvPrefix("VIPER") // Environment Variables mit Prefix VIPER_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Fehlende Config-Datei ist ok, dann gelten nur Defaults und Env
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// Enabled reports whether a recording catalog database is configured at all.
// Without a host the catalog is skipped, the session works standalone.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// BatchInterval is the pacing of one forwarded sample batch.
func (s *SinkConfig) BatchInterval() time.Duration {
	if s.Frequency <= 0 || s.Samples <= 0 {
		return 25 * time.Millisecond
	}
	return time.Duration(s.Samples) * time.Second / time.Duration(s.Frequency)
}
