package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Source      SourceConfig     `yaml:"source"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SourceConfig controls intake of participant events.
type SourceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Room          string `yaml:"room"`
	DedupeSize    int    `yaml:"dedupe_size"`
	DefaultAction string `yaml:"default_action"`
}

type TTSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, http, exec
	BaseURL          string `yaml:"base_url"`
	Command          string `yaml:"command"`
	Voice            string `yaml:"voice"`
	WelcomePrefix    string `yaml:"welcome_prefix"`
	WelcomeSuffix    string `yaml:"welcome_suffix"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxInflight      int    `yaml:"max_inflight"`
	// RatePerMinute caps generation requests; zero disables the limiter.
	RatePerMinute int `yaml:"rate_per_minute"`
}

type PlaybackConfig struct {
	Engine           string  `yaml:"engine"` // mock, exec, oto
	Command          string  `yaml:"command"`
	AutoPlay         bool    `yaml:"auto_play"`
	Volume           float64 `yaml:"volume"`
	LoadTimeoutMS    int     `yaml:"load_timeout_ms"`
	RetryDelayMS     int     `yaml:"retry_delay_ms"`
	MaxPending       int     `yaml:"max_pending"`
	StatusIntervalMS int     `yaml:"status_interval_ms"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-greeter",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 3000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/greeter-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Source: SourceConfig{
			Enabled:       true,
			Room:          "default",
			DedupeSize:    10000,
			DefaultAction: "joined the room",
		},
		TTS: TTSConfig{
			Enabled:          true,
			Mode:             "mock",
			BaseURL:          "http://localhost:8000",
			WelcomePrefix:    "Welcome, ",
			WelcomeSuffix:    "!",
			RequestTimeoutMS: 60000,
			MaxInflight:      8,
		},
		Playback: PlaybackConfig{
			Engine:           "mock",
			AutoPlay:         true,
			Volume:           0.8,
			LoadTimeoutMS:    10000,
			RetryDelayMS:     1000,
			MaxPending:       0,
			StatusIntervalMS: 5000,
			SampleRate:       22050,
			Channels:         1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "GREETER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GREETER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GREETER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GREETER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GREETER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GREETER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GREETER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "GREETER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GREETER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "GREETER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "GREETER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GREETER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GREETER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GREETER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GREETER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GREETER_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "GREETER_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "GREETER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GREETER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GREETER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "GREETER_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GREETER_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Source.Enabled, "GREETER_SOURCE_ENABLED")
	overrideString(&cfg.Source.Room, "GREETER_SOURCE_ROOM")
	overrideInt(&cfg.Source.DedupeSize, "GREETER_SOURCE_DEDUPE_SIZE")
	overrideString(&cfg.Source.DefaultAction, "GREETER_SOURCE_DEFAULT_ACTION")
	overrideBool(&cfg.TTS.Enabled, "GREETER_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "GREETER_TTS_MODE")
	overrideString(&cfg.TTS.BaseURL, "GREETER_TTS_BASE_URL")
	overrideString(&cfg.TTS.Command, "GREETER_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "GREETER_TTS_VOICE")
	overrideString(&cfg.TTS.WelcomePrefix, "GREETER_TTS_WELCOME_PREFIX")
	overrideString(&cfg.TTS.WelcomeSuffix, "GREETER_TTS_WELCOME_SUFFIX")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "GREETER_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxInflight, "GREETER_TTS_MAX_INFLIGHT")
	overrideInt(&cfg.TTS.RatePerMinute, "GREETER_TTS_RATE_PER_MINUTE")
	overrideString(&cfg.Playback.Engine, "GREETER_PLAYBACK_ENGINE")
	overrideString(&cfg.Playback.Command, "GREETER_PLAYBACK_COMMAND")
	overrideBool(&cfg.Playback.AutoPlay, "GREETER_PLAYBACK_AUTO_PLAY")
	overrideFloat(&cfg.Playback.Volume, "GREETER_PLAYBACK_VOLUME")
	overrideInt(&cfg.Playback.LoadTimeoutMS, "GREETER_PLAYBACK_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Playback.RetryDelayMS, "GREETER_PLAYBACK_RETRY_DELAY_MS")
	overrideInt(&cfg.Playback.MaxPending, "GREETER_PLAYBACK_MAX_PENDING")
	overrideInt(&cfg.Playback.StatusIntervalMS, "GREETER_PLAYBACK_STATUS_INTERVAL_MS")
	overrideInt(&cfg.Playback.SampleRate, "GREETER_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "GREETER_PLAYBACK_CHANNELS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Source.Enabled && cfg.Source.DedupeSize <= 0 {
		return errors.New("source.dedupe_size must be positive when source is enabled")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "http", "exec":
		default:
			return errors.New("tts.mode must be one of mock|http|exec")
		}
		if cfg.TTS.Mode == "http" && cfg.TTS.BaseURL == "" {
			return errors.New("tts.base_url must be set when mode=http")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.MaxInflight <= 0 {
			return errors.New("tts.max_inflight must be >= 1")
		}
		if cfg.TTS.RequestTimeoutMS <= 0 {
			return errors.New("tts.request_timeout_ms must be positive")
		}
		if cfg.TTS.RatePerMinute < 0 {
			return errors.New("tts.rate_per_minute must be >= 0")
		}
	}
	switch cfg.Playback.Engine {
	case "mock", "exec", "oto":
	default:
		return errors.New("playback.engine must be one of mock|exec|oto")
	}
	if cfg.Playback.Engine == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when engine=exec")
	}
	if !(cfg.Playback.Volume >= 0 && cfg.Playback.Volume <= 1) {
		return errors.New("playback.volume must be between 0.0 and 1.0")
	}
	if cfg.Playback.LoadTimeoutMS <= 0 {
		return errors.New("playback.load_timeout_ms must be positive")
	}
	if cfg.Playback.RetryDelayMS < 0 {
		return errors.New("playback.retry_delay_ms must be >= 0")
	}
	if cfg.Playback.MaxPending < 0 {
		return errors.New("playback.max_pending must be >= 0")
	}
	if cfg.Playback.Engine == "oto" {
		if cfg.Playback.SampleRate <= 0 {
			return errors.New("playback.sample_rate must be positive")
		}
		if cfg.Playback.Channels <= 0 {
			return errors.New("playback.channels must be positive")
		}
	}
	return nil
}
