package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type DiagnosticsConfig struct {
	LogDir string `yaml:"log_dir"`
	// Level is the default minimum severity for every channel.
	Level string `yaml:"level"`
	// ChannelLevels overrides Level per channel name.
	ChannelLevels map[string]string `yaml:"channel_levels"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type DeepgramConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Endpoint   string `yaml:"endpoint"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type ElevenLabsConfig struct {
	APIKey       string `yaml:"api_key"`
	VoiceID      string `yaml:"voice_id"`
	Model        string `yaml:"model"`
	Endpoint     string `yaml:"endpoint"`
	OutputFormat string `yaml:"output_format"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Bus         BusConfig         `yaml:"bus"`
	Deepgram    DeepgramConfig    `yaml:"deepgram"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	ElevenLabs  ElevenLabsConfig  `yaml:"elevenlabs"`
	History     HistoryConfig     `yaml:"history"`
}

func Default() Config {
	return Config{
		ServiceName: "coach-voice",
		Environment: "development",
		Server: ServerConfig{
			Bind: "0.0.0.0",
			Port: 8002,
		},
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Diagnostics: DiagnosticsConfig{
			LogDir: "./logs",
			Level:  "debug",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Deepgram: DeepgramConfig{
			Model:      "nova-2",
			Language:   "en-US",
			Endpoint:   "wss://api.deepgram.com/v1/listen",
			SampleRate: 16000,
			Channels:   1,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		ElevenLabs: ElevenLabsConfig{
			VoiceID:      "pNInz6obpgDQGcFmaJgB",
			Model:        "eleven_flash_v2_5",
			Endpoint:     "wss://api.elevenlabs.io/v1/text-to-speech",
			OutputFormat: "pcm_16000",
		},
		History: HistoryConfig{
			Path:          "./data/coach-history.db",
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
	overrideString(&cfg.ServiceName, "COACH_SERVICE_NAME")
	overrideString(&cfg.Environment, "COACH_ENVIRONMENT")
	overrideString(&cfg.Server.Bind, "COACH_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "COACH_SERVER_PORT")
	overrideString(&cfg.HTTP.Bind, "COACH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COACH_HTTP_PORT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COACH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COACH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Diagnostics.LogDir, "COACH_DIAG_LOG_DIR")
	overrideString(&cfg.Diagnostics.Level, "COACH_DIAG_LEVEL")
	overrideBool(&cfg.Bus.Embedded, "COACH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COACH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "COACH_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "COACH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "COACH_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "COACH_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "COACH_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "COACH_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "COACH_HISTORY_VACUUM_ON_START")

	// Service credentials keep their conventional names so existing
	// deployments keep working without a config file.
	overrideString(&cfg.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Deepgram.Model, "DEEPGRAM_MODEL")
	overrideString(&cfg.Deepgram.Language, "DEEPGRAM_LANGUAGE")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	overrideString(&cfg.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.ElevenLabs.VoiceID, "ELEVENLABS_VOICE_ID")
	overrideString(&cfg.ElevenLabs.Model, "ELEVENLABS_MODEL")
	overrideString(&cfg.Server.Bind, "WEBSOCKET_HOST")
	overrideInt(&cfg.Server.Port, "WEBSOCKET_PORT")
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

// MissingCredentialsError reports every absent required credential at once
// so startup fails with a single actionable message.
type MissingCredentialsError struct {
	Missing []string
}

func (e *MissingCredentialsError) Error() string {
	return "missing required credentials: " + strings.Join(e.Missing, ", ")
}

func validate(cfg Config) error {
	var missing []string
	if strings.TrimSpace(cfg.Deepgram.APIKey) == "" {
		missing = append(missing, "deepgram.api_key (DEEPGRAM_API_KEY)")
	}
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		missing = append(missing, "openai.api_key (OPENAI_API_KEY)")
	}
	if strings.TrimSpace(cfg.ElevenLabs.APIKey) == "" {
		missing = append(missing, "elevenlabs.api_key (ELEVENLABS_API_KEY)")
	}
	if len(missing) > 0 {
		return &MissingCredentialsError{Missing: missing}
	}

	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Diagnostics.LogDir == "" {
		return errors.New("diagnostics.log_dir must not be empty")
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
	if cfg.Deepgram.Model == "" {
		return errors.New("deepgram.model must not be empty")
	}
	if cfg.Deepgram.SampleRate <= 0 {
		return errors.New("deepgram.sample_rate must be positive")
	}
	if cfg.Deepgram.Channels <= 0 {
		return errors.New("deepgram.channels must be positive")
	}
	if cfg.OpenAI.Model == "" {
		return errors.New("openai.model must not be empty")
	}
	if cfg.OpenAI.MaxTokens < 0 {
		return errors.New("openai.max_tokens must be >= 0")
	}
	if cfg.ElevenLabs.VoiceID == "" {
		return errors.New("elevenlabs.voice_id must not be empty")
	}
	if cfg.ElevenLabs.Model == "" {
		return errors.New("elevenlabs.model must not be empty")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
