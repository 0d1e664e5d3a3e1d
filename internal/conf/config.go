// Package conf provides configuration management for screamrouterd: an
// embedded default config.yaml merged with a user config file via viper,
// unmarshalled into a Settings struct the engine is wired from at startup.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the root of the unmarshalled configuration tree.
type Settings struct {
	Debug bool // true to enable debug-level logging across the engine

	Main struct {
		Name string // node name, used to disambiguate multiple instances
		Log  LogConfig
	}

	Network struct {
		ListenPort         int     // default Raw Scream receiver port; 0 disables the default receiver
		TimeshiftBufferSec float64 // global Timeshift Manager ring-buffer depth in seconds
	}

	Sync struct {
		Enabled          bool // true to enable multi-sink barrier synchronization by default
		BarrierTimeoutMS int  // BARRIER_WAIT_TIMEOUT, milliseconds
	}

	Metrics struct {
		Enabled bool   // true to serve /metrics
		Listen  string // host:port for the metrics HTTP server
	}

	Receivers []ReceiverConfig          // additional Network Receivers beyond the default
	Sources   map[string]SourceConfig   // keyed by source instance ID
	Sinks     map[string]SinkConfig     // keyed by sink ID
}

// ReceiverConfig describes one Network Receiver to bind at startup.
type ReceiverConfig struct {
	Variant    string // "rtp-scream", "raw-scream", or "per-process"
	ListenAddr string // e.g. ":4010"
}

// SourceConfig describes one source instance to configure at startup.
type SourceConfig struct {
	SourceTag        string
	OutputSampleRate int
	OutputBitDepth   int
	OutputChannels   int
	Volume           float64
	EQGains          [18]float64
	DelayMS          int
	BackshiftSec     float64

	// SpeakerMixByChannels keys a flattened row-major mix matrix by the
	// input channel count it applies to, mirroring the engine's
	// map[int]dsp.SpeakerLayout. Empty unless the config file sets one.
	SpeakerMixByChannels map[int][]float64
}

// SinkConfig describes one sink instance to configure at startup.
type SinkConfig struct {
	OutputSampleRate int
	OutputBitDepth   int
	OutputChannels   int
	Protocol         string // "scream", "rtp", or "per-process"
	Destination      string // "host:port"
	GracePeriodMS    int
	SyncEnabled      bool
	MP3Enabled       bool
	MP3Bitrate       string
	FFmpegPath       string
}

// LogConfig defines the configuration for a log file.
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // path to the log file
	Rotation    RotationType // type of log rotation
	MaxSize     int64        // max size in bytes for RotationSize
	RotationDay time.Weekday // day of the week for RotationWeekly
}

// RotationType defines the supported log rotation strategies.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a fresh
// Settings instance, validates it, and records it as the process-wide
// current settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

// initViper initializes viper with default values and reads the
// configuration file, creating one from the embedded default if none of
// the default config paths has one yet.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()
	if err := configureEnvironmentVariables(); err != nil {
		return fmt.Errorf("error configuring environment variables: %w", err)
	}

	err = viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	fmt.Printf("screamrouterd: using config file %s\n", viper.ConfigFileUsed())
	return nil
}

// createDefaultConfig writes the embedded default config.yaml to the
// first default config path and loads it.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("screamrouterd: created default config file at", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the embedded default configuration.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("error reading embedded config.yaml: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance, or nil if none has
// been loaded yet.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, loading it from the
// default config paths on first call if necessary.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				log.Fatalf("error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}
