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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Segmenter   SegmenterConfig `yaml:"segmenter"`
	Extract     ExtractConfig   `yaml:"extract"`
	Device      DeviceConfig    `yaml:"device"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Progress    ProgressConfig  `yaml:"progress"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SegmenterConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars"`
	MinChunkChars int `yaml:"min_chunk_chars"`
}

type ExtractConfig struct {
	Mode    string `yaml:"mode"` // plaintext, exec
	Command string `yaml:"command"`
}

type DeviceConfig struct {
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	IdlePollAttempts   int    `yaml:"idle_poll_attempts"`
	IdlePollIntervalMS int    `yaml:"idle_poll_interval_ms"`
	DoubleCancel       bool   `yaml:"double_cancel"`
	CorruptionWindowMS int    `yaml:"corruption_window_ms"`
	UtteranceTimeoutMS int    `yaml:"utterance_timeout_ms"`
}

type PlaybackConfig struct {
	Rate         float64 `yaml:"rate"`
	Pitch        float64 `yaml:"pitch"`
	VoiceLocale  string  `yaml:"voice_locale"`
	VoiceQuality string  `yaml:"voice_quality"`
}

type ProgressConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxread-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Segmenter: SegmenterConfig{
			MaxChunkChars: 200,
			MinChunkChars: 4,
		},
		Extract: ExtractConfig{
			Mode: "plaintext",
		},
		Device: DeviceConfig{
			Mode:               "mock",
			IdlePollAttempts:   20,
			IdlePollIntervalMS: 100,
			DoubleCancel:       true,
			CorruptionWindowMS: 1000,
			UtteranceTimeoutMS: 120000,
		},
		Playback: PlaybackConfig{
			Rate:         1.0,
			Pitch:        1.0,
			VoiceLocale:  "en-US",
			VoiceQuality: "enhanced",
		},
		Progress: ProgressConfig{
			Path:          "./data/voxread-progress.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "VOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Segmenter.MaxChunkChars, "VOX_SEGMENTER_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Segmenter.MinChunkChars, "VOX_SEGMENTER_MIN_CHUNK_CHARS")
	overrideString(&cfg.Extract.Mode, "VOX_EXTRACT_MODE")
	overrideString(&cfg.Extract.Command, "VOX_EXTRACT_COMMAND")
	overrideString(&cfg.Device.Mode, "VOX_DEVICE_MODE")
	overrideString(&cfg.Device.Command, "VOX_DEVICE_COMMAND")
	overrideInt(&cfg.Device.IdlePollAttempts, "VOX_DEVICE_IDLE_POLL_ATTEMPTS")
	overrideInt(&cfg.Device.IdlePollIntervalMS, "VOX_DEVICE_IDLE_POLL_INTERVAL_MS")
	overrideBool(&cfg.Device.DoubleCancel, "VOX_DEVICE_DOUBLE_CANCEL")
	overrideInt(&cfg.Device.CorruptionWindowMS, "VOX_DEVICE_CORRUPTION_WINDOW_MS")
	overrideInt(&cfg.Device.UtteranceTimeoutMS, "VOX_DEVICE_UTTERANCE_TIMEOUT_MS")
	overrideFloat(&cfg.Playback.Rate, "VOX_PLAYBACK_RATE")
	overrideFloat(&cfg.Playback.Pitch, "VOX_PLAYBACK_PITCH")
	overrideString(&cfg.Playback.VoiceLocale, "VOX_PLAYBACK_VOICE_LOCALE")
	overrideString(&cfg.Playback.VoiceQuality, "VOX_PLAYBACK_VOICE_QUALITY")
	overrideString(&cfg.Progress.Path, "VOX_PROGRESS_PATH")
	overrideString(&cfg.Progress.RetentionMode, "VOX_PROGRESS_RETENTION_MODE")
	overrideInt(&cfg.Progress.RetentionDays, "VOX_PROGRESS_RETENTION_DAYS")
	overrideInt(&cfg.Progress.MaxSessions, "VOX_PROGRESS_MAX_SESSIONS")
	overrideBool(&cfg.Progress.VacuumOnStart, "VOX_PROGRESS_VACUUM_ON_START")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Segmenter.MaxChunkChars <= 0 {
		return errors.New("segmenter.max_chunk_chars must be positive")
	}
	if cfg.Segmenter.MinChunkChars < 0 {
		return errors.New("segmenter.min_chunk_chars must be >= 0")
	}
	if cfg.Segmenter.MinChunkChars >= cfg.Segmenter.MaxChunkChars {
		return errors.New("segmenter.min_chunk_chars must be smaller than max_chunk_chars")
	}
	switch cfg.Extract.Mode {
	case "plaintext", "exec":
	default:
		return errors.New("extract.mode must be one of plaintext|exec")
	}
	if cfg.Extract.Mode == "exec" && cfg.Extract.Command == "" {
		return errors.New("extract.command must be set when mode=exec")
	}
	switch cfg.Device.Mode {
	case "mock", "exec":
	default:
		return errors.New("device.mode must be one of mock|exec")
	}
	if cfg.Device.Mode == "exec" && cfg.Device.Command == "" {
		return errors.New("device.command must be set when mode=exec")
	}
	if cfg.Device.IdlePollAttempts <= 0 {
		return errors.New("device.idle_poll_attempts must be positive")
	}
	if cfg.Device.IdlePollIntervalMS <= 0 {
		return errors.New("device.idle_poll_interval_ms must be positive")
	}
	if cfg.Device.CorruptionWindowMS < 0 {
		return errors.New("device.corruption_window_ms must be >= 0")
	}
	if cfg.Device.UtteranceTimeoutMS <= 0 {
		return errors.New("device.utterance_timeout_ms must be positive")
	}
	if cfg.Playback.Rate < 0.5 || cfg.Playback.Rate > 2.0 {
		return errors.New("playback.rate must be within [0.5, 2.0]")
	}
	if cfg.Playback.Pitch < 0.5 || cfg.Playback.Pitch > 2.0 {
		return errors.New("playback.pitch must be within [0.5, 2.0]")
	}
	if cfg.Progress.Path == "" {
		return errors.New("progress.path must not be empty")
	}
	switch cfg.Progress.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("progress.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Progress.RetentionDays < 0 {
		return errors.New("progress.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
