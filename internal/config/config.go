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

type GatewayConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Settings    SettingsConfig   `yaml:"settings"`
	Models      ModelsConfig     `yaml:"models"`
	Native      NativeConfig     `yaml:"native"`
	Sidecar     SidecarConfig    `yaml:"sidecar"`
	Cloud       CloudConfig      `yaml:"cloud"`
	Dictation   DictationConfig  `yaml:"dictation"`
	Inject      InjectConfig     `yaml:"inject"`
	EventStore  EventStoreConfig `yaml:"event_store"`
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
}

type SettingsConfig struct {
	Path string `yaml:"path"`
}

type ModelsConfig struct {
	Dir string `yaml:"dir"`
}

type NativeConfig struct {
	Threads  int    `yaml:"threads"`
	Language string `yaml:"language"`
}

type SidecarConfig struct {
	Command           string `yaml:"command"`
	Port              int    `yaml:"port"`
	HealthTimeoutMS   int    `yaml:"health_timeout_ms"`
	StartupTimeoutMS  int    `yaml:"startup_timeout_ms"`
	RestartsPerMinute int    `yaml:"restarts_per_minute"`
}

type CloudProviderConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type CloudConfig struct {
	RequestTimeoutMS int                 `yaml:"request_timeout_ms"`
	MaxRetries       int                 `yaml:"max_retries"`
	ElevenLabs       CloudProviderConfig `yaml:"elevenlabs"`
	BigModel         CloudProviderConfig `yaml:"bigmodel"`
	Stream           CloudProviderConfig `yaml:"stream"`
	Soniox           CloudProviderConfig `yaml:"soniox"`
}

type DictationConfig struct {
	MinChunkMS       int    `yaml:"min_chunk_ms"`
	AutoPasteDelayMS int    `yaml:"auto_paste_delay_ms"`
	WarmWindowMin    int    `yaml:"warm_window_min"`
	CaptureCommand   string `yaml:"capture_command"`
	SampleRate       int    `yaml:"sample_rate"`
}

type InjectConfig struct {
	Mode             string `yaml:"mode"`
	PasteCommand     string `yaml:"paste_command"`
	TypeCommand      string `yaml:"type_command"`
	ClipboardCommand string `yaml:"clipboard_command"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "opensttd",
		Environment: "development",
		Gateway: GatewayConfig{
			Bind: "127.0.0.1",
			Port: 8790,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Settings: SettingsConfig{
			Path: "./data/settings.json",
		},
		Models: ModelsConfig{
			Dir: "./data/models",
		},
		Native: NativeConfig{
			Language: "auto",
		},
		Sidecar: SidecarConfig{
			Port:              8791,
			HealthTimeoutMS:   500,
			StartupTimeoutMS:  5000,
			RestartsPerMinute: 3,
		},
		Cloud: CloudConfig{
			RequestTimeoutMS: 30000,
			MaxRetries:       2,
			ElevenLabs: CloudProviderConfig{
				Endpoint: "https://api.elevenlabs.io/v1/speech-to-text",
				Model:    "scribe_v2",
			},
			BigModel: CloudProviderConfig{
				Endpoint: "https://open.bigmodel.cn/api/paas/v4/audio/transcriptions",
				Model:    "glm-asr-2512",
			},
			Stream: CloudProviderConfig{
				Endpoint: "wss://api.elevenlabs.io/v1/speech-to-text/realtime",
			},
			Soniox: CloudProviderConfig{
				Endpoint: "wss://stt-rt.soniox.com/transcribe-websocket",
				Model:    "stt-rt-v4",
			},
		},
		Dictation: DictationConfig{
			MinChunkMS:       150,
			AutoPasteDelayMS: 80,
			WarmWindowMin:    0,
			SampleRate:       16000,
		},
		Inject: InjectConfig{
			Mode: "commit-only",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/openstt-events.db",
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
	overrideString(&cfg.RuntimeName, "OPENSTT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "OPENSTT_ENVIRONMENT")
	overrideString(&cfg.Gateway.Bind, "OPENSTT_GATEWAY_BIND")
	overrideInt(&cfg.Gateway.Port, "OPENSTT_GATEWAY_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "OPENSTT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OPENSTT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OPENSTT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "OPENSTT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "OPENSTT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "OPENSTT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "OPENSTT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "OPENSTT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "OPENSTT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "OPENSTT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "OPENSTT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "OPENSTT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "OPENSTT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Settings.Path, "OPENSTT_SETTINGS_PATH")
	overrideString(&cfg.Models.Dir, "OPENSTT_MODELS_DIR")
	overrideInt(&cfg.Native.Threads, "OPENSTT_NATIVE_THREADS")
	overrideString(&cfg.Native.Language, "OPENSTT_NATIVE_LANGUAGE")
	overrideString(&cfg.Sidecar.Command, "OPENSTT_SIDECAR_COMMAND")
	overrideInt(&cfg.Sidecar.Port, "OPENSTT_SIDECAR_PORT")
	overrideInt(&cfg.Sidecar.HealthTimeoutMS, "OPENSTT_SIDECAR_HEALTH_TIMEOUT_MS")
	overrideInt(&cfg.Sidecar.StartupTimeoutMS, "OPENSTT_SIDECAR_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Sidecar.RestartsPerMinute, "OPENSTT_SIDECAR_RESTARTS_PER_MINUTE")
	overrideInt(&cfg.Cloud.RequestTimeoutMS, "OPENSTT_CLOUD_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Cloud.MaxRetries, "OPENSTT_CLOUD_MAX_RETRIES")
	overrideString(&cfg.Cloud.ElevenLabs.Endpoint, "OPENSTT_CLOUD_ELEVENLABS_ENDPOINT")
	overrideString(&cfg.Cloud.ElevenLabs.Model, "OPENSTT_CLOUD_ELEVENLABS_MODEL")
	overrideString(&cfg.Cloud.BigModel.Endpoint, "OPENSTT_CLOUD_BIGMODEL_ENDPOINT")
	overrideString(&cfg.Cloud.BigModel.Model, "OPENSTT_CLOUD_BIGMODEL_MODEL")
	overrideString(&cfg.Cloud.Stream.Endpoint, "OPENSTT_CLOUD_STREAM_ENDPOINT")
	overrideString(&cfg.Cloud.Soniox.Endpoint, "OPENSTT_CLOUD_SONIOX_ENDPOINT")
	overrideString(&cfg.Cloud.Soniox.Model, "OPENSTT_CLOUD_SONIOX_MODEL")
	overrideInt(&cfg.Dictation.MinChunkMS, "OPENSTT_DICTATION_MIN_CHUNK_MS")
	overrideInt(&cfg.Dictation.AutoPasteDelayMS, "OPENSTT_DICTATION_AUTO_PASTE_DELAY_MS")
	overrideInt(&cfg.Dictation.WarmWindowMin, "OPENSTT_DICTATION_WARM_WINDOW_MIN")
	overrideString(&cfg.Dictation.CaptureCommand, "OPENSTT_DICTATION_CAPTURE_COMMAND")
	overrideInt(&cfg.Dictation.SampleRate, "OPENSTT_DICTATION_SAMPLE_RATE")
	overrideString(&cfg.Inject.Mode, "OPENSTT_INJECT_MODE")
	overrideString(&cfg.Inject.PasteCommand, "OPENSTT_INJECT_PASTE_COMMAND")
	overrideString(&cfg.Inject.TypeCommand, "OPENSTT_INJECT_TYPE_COMMAND")
	overrideString(&cfg.Inject.ClipboardCommand, "OPENSTT_INJECT_CLIPBOARD_COMMAND")
	overrideString(&cfg.EventStore.Path, "OPENSTT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "OPENSTT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "OPENSTT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "OPENSTT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "OPENSTT_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return errors.New("gateway.port must be between 1 and 65535")
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
	if cfg.Settings.Path == "" {
		return errors.New("settings.path must not be empty")
	}
	if cfg.Models.Dir == "" {
		return errors.New("models.dir must not be empty")
	}
	if cfg.Sidecar.Port <= 0 || cfg.Sidecar.Port > 65535 {
		return errors.New("sidecar.port must be between 1 and 65535")
	}
	if cfg.Sidecar.RestartsPerMinute <= 0 {
		return errors.New("sidecar.restarts_per_minute must be >= 1")
	}
	if cfg.Cloud.MaxRetries < 0 {
		return errors.New("cloud.max_retries must be >= 0")
	}
	if cfg.Dictation.MinChunkMS <= 0 {
		return errors.New("dictation.min_chunk_ms must be positive")
	}
	if cfg.Dictation.WarmWindowMin < 0 {
		return errors.New("dictation.warm_window_min must be >= 0")
	}
	if cfg.Dictation.SampleRate <= 0 {
		return errors.New("dictation.sample_rate must be positive")
	}
	switch cfg.Inject.Mode {
	case "incremental", "commit-only":
		// ok
	default:
		return errors.New("inject.mode must be one of incremental|commit-only")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
