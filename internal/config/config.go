package config

import (
	"errors"
	"fmt"
	"net/url"
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
	Deepgram    DeepgramConfig   `yaml:"deepgram"`
	Session     SessionConfig    `yaml:"session"`
	Ingress     IngressConfig    `yaml:"ingress"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DeepgramConfig describes the remote transcription endpoint. Every query
// parameter sent on the handshake comes from here.
type DeepgramConfig struct {
	Endpoint           string            `yaml:"endpoint"`
	Model              string            `yaml:"model"`
	Language           string            `yaml:"language"`
	Encoding           string            `yaml:"encoding"`
	SampleRate         int               `yaml:"sample_rate"`
	Channels           int               `yaml:"channels"`
	InterimResults     bool              `yaml:"interim_results"`
	EndpointingMS      int               `yaml:"endpointing_ms"`
	SmartFormat        bool              `yaml:"smart_format"`
	Punctuate          bool              `yaml:"punctuate"`
	Numerals           bool              `yaml:"numerals"`
	VADEvents          bool              `yaml:"vad_events"`
	ExtraParams        map[string]string `yaml:"extra_params"`
	CredentialEnv      string            `yaml:"credential_env"`
	DotenvPath         string            `yaml:"dotenv_path"`
	HandshakeTimeoutMS int               `yaml:"handshake_timeout_ms"`
}

type SessionConfig struct {
	QueueCapacity int    `yaml:"queue_capacity"`
	StartPolicy   string `yaml:"start_policy"` // reject, replace
}

type IngressConfig struct {
	Enabled      bool   `yaml:"enabled"`
	StartSubject string `yaml:"start_subject"`
	StopSubject  string `yaml:"stop_subject"`
	AudioSubject string `yaml:"audio_subject"`
}

const (
	StartPolicyReject  = "reject"
	StartPolicyReplace = "replace"
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-relay.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Deepgram: DeepgramConfig{
			Endpoint:           "wss://api.deepgram.com/v1/listen",
			Model:              "nova-2",
			Encoding:           "linear16",
			SampleRate:         48000,
			Channels:           1,
			InterimResults:     true,
			EndpointingMS:      300,
			SmartFormat:        true,
			Punctuate:          true,
			Numerals:           true,
			VADEvents:          true,
			CredentialEnv:      "DEEPGRAM_API_KEY",
			DotenvPath:         ".env",
			HandshakeTimeoutMS: 10000,
		},
		Session: SessionConfig{
			QueueCapacity: 100,
			StartPolicy:   StartPolicyReject,
		},
		Ingress: IngressConfig{
			Enabled:      true,
			StartSubject: "relay.session.start",
			StopSubject:  "relay.session.stop",
			AudioSubject: "relay.audio",
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Deepgram.Endpoint, "LOQA_DEEPGRAM_ENDPOINT")
	overrideString(&cfg.Deepgram.Model, "LOQA_DEEPGRAM_MODEL")
	overrideString(&cfg.Deepgram.Language, "LOQA_DEEPGRAM_LANGUAGE")
	overrideString(&cfg.Deepgram.Encoding, "LOQA_DEEPGRAM_ENCODING")
	overrideInt(&cfg.Deepgram.SampleRate, "LOQA_DEEPGRAM_SAMPLE_RATE")
	overrideInt(&cfg.Deepgram.Channels, "LOQA_DEEPGRAM_CHANNELS")
	overrideBool(&cfg.Deepgram.InterimResults, "LOQA_DEEPGRAM_INTERIM_RESULTS")
	overrideInt(&cfg.Deepgram.EndpointingMS, "LOQA_DEEPGRAM_ENDPOINTING_MS")
	overrideBool(&cfg.Deepgram.SmartFormat, "LOQA_DEEPGRAM_SMART_FORMAT")
	overrideBool(&cfg.Deepgram.Punctuate, "LOQA_DEEPGRAM_PUNCTUATE")
	overrideBool(&cfg.Deepgram.Numerals, "LOQA_DEEPGRAM_NUMERALS")
	overrideBool(&cfg.Deepgram.VADEvents, "LOQA_DEEPGRAM_VAD_EVENTS")
	overrideString(&cfg.Deepgram.CredentialEnv, "LOQA_DEEPGRAM_CREDENTIAL_ENV")
	overrideString(&cfg.Deepgram.DotenvPath, "LOQA_DEEPGRAM_DOTENV_PATH")
	overrideInt(&cfg.Deepgram.HandshakeTimeoutMS, "LOQA_DEEPGRAM_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Session.QueueCapacity, "LOQA_SESSION_QUEUE_CAPACITY")
	overrideString(&cfg.Session.StartPolicy, "LOQA_SESSION_START_POLICY")
	overrideBool(&cfg.Ingress.Enabled, "LOQA_INGRESS_ENABLED")
	overrideString(&cfg.Ingress.StartSubject, "LOQA_INGRESS_START_SUBJECT")
	overrideString(&cfg.Ingress.StopSubject, "LOQA_INGRESS_STOP_SUBJECT")
	overrideString(&cfg.Ingress.AudioSubject, "LOQA_INGRESS_AUDIO_SUBJECT")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
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
	if cfg.Ingress.Enabled && !cfg.Bus.Enabled {
		return errors.New("ingress requires bus.enabled")
	}
	if cfg.Ingress.Enabled {
		if cfg.Ingress.StartSubject == "" || cfg.Ingress.StopSubject == "" || cfg.Ingress.AudioSubject == "" {
			return errors.New("ingress subjects must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateDeepgram(cfg.Deepgram); err != nil {
		return err
	}
	if cfg.Session.QueueCapacity <= 0 {
		return errors.New("session.queue_capacity must be positive")
	}
	switch cfg.Session.StartPolicy {
	case StartPolicyReject, StartPolicyReplace:
	default:
		return errors.New("session.start_policy must be one of reject|replace")
	}
	return nil
}

func validateDeepgram(cfg DeepgramConfig) error {
	if cfg.Endpoint == "" {
		return errors.New("deepgram.endpoint must not be empty")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("deepgram.endpoint is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("deepgram.endpoint must use ws or wss")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("deepgram.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("deepgram.channels must be positive")
	}
	if cfg.EndpointingMS < 0 {
		return errors.New("deepgram.endpointing_ms must be >= 0")
	}
	if cfg.CredentialEnv == "" {
		return errors.New("deepgram.credential_env must not be empty")
	}
	if cfg.HandshakeTimeoutMS < 0 {
		return errors.New("deepgram.handshake_timeout_ms must be >= 0")
	}
	return nil
}
