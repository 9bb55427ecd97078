// Package config handles OpenTutor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/opentutor/config.yaml,
// /etc/opentutor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opentutor", "config.yaml"))
	}

	paths = append(paths, "/etc/opentutor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all OpenTutor configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Tutor    TutorConfig    `yaml:"tutor"`
	Limits   LimitsConfig   `yaml:"limits"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Defaults DefaultsConfig `yaml:"defaults"`
	DataDir  string         `yaml:"data_dir"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP server for metrics and health checks.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the generation backend connection.
type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// TutorConfig tunes the turn engine.
type TutorConfig struct {
	// SummaryEveryNMessages is how many appended messages trigger a
	// memory summary refresh.
	SummaryEveryNMessages int `yaml:"summary_every_n_messages"`
	// MaxHistoryMessages is the recent-history window size used for
	// prompt assembly.
	MaxHistoryMessages int `yaml:"max_history_messages"`
	// MaxReplyChars bounds the outgoing tutor reply length.
	MaxReplyChars int `yaml:"max_reply_chars"`
	// MaxReplyTokens is the generation token budget per turn.
	MaxReplyTokens int `yaml:"max_reply_tokens"`
}

// LimitsConfig tunes admission control.
type LimitsConfig struct {
	RateWindowSec            int `yaml:"rate_window_sec"`
	MaxMessagesPerWindow     int `yaml:"max_messages_per_window"`
	MinSecondsBetweenReplies int `yaml:"min_seconds_between_replies"`
	LoopMaxRepeat            int `yaml:"loop_max_repeat"`
	LoopTTLSec               int `yaml:"loop_ttl_sec"`
}

// WhatsAppConfig defines the gateway bridge settings.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	GatewayURL  string `yaml:"gateway_url"`
	Token       string `yaml:"token"`
	AllowGroups bool   `yaml:"allow_groups"`
}

// MQTTConfig defines the optional status publisher. When enabled,
// OpenTutor appears as a Home Assistant device with availability
// tracking and activity sensors.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// DefaultsConfig sets the settings applied to new learners.
type DefaultsConfig struct {
	TargetLanguage    string `yaml:"target_language"`
	Mode              string `yaml:"mode"`
	Corrections       string `yaml:"corrections"`
	VoiceEnabled      bool   `yaml:"voice_enabled"`
	SendTextWithVoice bool   `yaml:"send_text_with_voice"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{
			BaseURL:    "http://127.0.0.1:11434",
			Model:      "llama3.1",
			TimeoutSec: 60,
		},
		Tutor: TutorConfig{
			SummaryEveryNMessages: 8,
			MaxHistoryMessages:    12,
			MaxReplyChars:         800,
			MaxReplyTokens:        240,
		},
		Limits: LimitsConfig{
			RateWindowSec:            60,
			MaxMessagesPerWindow:     20,
			MinSecondsBetweenReplies: 1,
			LoopMaxRepeat:            3,
			LoopTTLSec:               300,
		},
		WhatsApp: WhatsAppConfig{
			GatewayURL: "http://127.0.0.1:8466",
		},
		MQTT: MQTTConfig{
			DeviceName:         "opentutor",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		Defaults: DefaultsConfig{
			TargetLanguage:    "en",
			Mode:              "lesson",
			Corrections:       "light",
			SendTextWithVoice: true,
		},
		DataDir: "./data",
		DBPath:  "./data/opentutor.sqlite",
	}
}
