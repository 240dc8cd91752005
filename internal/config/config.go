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
	Audio       AudioConfig      `yaml:"audio"`
	Model       ModelConfig      `yaml:"model"`
	Decoding    DecodingConfig   `yaml:"decoding"`
	Streaming   StreamingConfig  `yaml:"streaming"`
}

// BusConfig controls the NATS connection used to reach UI collaborators.
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

type AudioConfig struct {
	// Device is an input name or id; empty selects the system default.
	Device             string `yaml:"device"`
	ApplicationName    string `yaml:"application_name"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	ChunkDurationMS    int    `yaml:"chunk_duration_ms"`
	ResampleBlockSize  int    `yaml:"resample_block_size"`
	FileDecoderCommand string `yaml:"file_decoder_command"`
	PlaybackPaceMS     int    `yaml:"playback_pace_ms"`
}

// ModelConfig locates the model bundle. Explicit paths override the
// conventional names inside Directory.
type ModelConfig struct {
	Directory      string `yaml:"directory"`
	ConfigPath     string `yaml:"config_path"`
	WeightsPath    string `yaml:"weights_path"`
	TokenizerPath  string `yaml:"tokenizer_path"`
	MelFiltersPath string `yaml:"mel_filters_path"`
	Quantized      bool   `yaml:"quantized"`
}

type DecodingConfig struct {
	Task       string `yaml:"task"`
	Language   string `yaml:"language"`
	Timestamps bool   `yaml:"timestamps"`
	Verbose    bool   `yaml:"verbose"`
	// MaxInitialTimestampIndex bounds the first timestamp; nil leaves it free.
	MaxInitialTimestampIndex *int   `yaml:"max_initial_timestamp_index"`
	Seed                     uint64 `yaml:"seed"`
}

type StreamingConfig struct {
	WindowSeconds  int    `yaml:"window_seconds"`
	MinAudioMS     int    `yaml:"min_audio_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	Stabilizer     string `yaml:"stabilizer"`
	AutoStart      bool   `yaml:"auto_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
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
			Path:          "./data/loqa-stt-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			ApplicationName:   "loqa-stt",
			QueueCapacity:     16,
			ChunkDurationMS:   500,
			ResampleBlockSize: 1024,
			PlaybackPaceMS:    480,
		},
		Model: ModelConfig{
			Directory: "./models/whisper-tiny.en",
		},
		Decoding: DecodingConfig{
			Task:       "transcribe",
			Timestamps: true,
			Seed:       299792458,
		},
		Streaming: StreamingConfig{
			WindowSeconds:  30,
			MinAudioMS:     1000,
			PollIntervalMS: 200,
			Stabilizer:     "none",
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
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.ApplicationName, "LOQA_AUDIO_APPLICATION_NAME")
	overrideInt(&cfg.Audio.QueueCapacity, "LOQA_AUDIO_QUEUE_CAPACITY")
	overrideInt(&cfg.Audio.ChunkDurationMS, "LOQA_AUDIO_CHUNK_DURATION_MS")
	overrideInt(&cfg.Audio.ResampleBlockSize, "LOQA_AUDIO_RESAMPLE_BLOCK_SIZE")
	overrideString(&cfg.Audio.FileDecoderCommand, "LOQA_AUDIO_FILE_DECODER_COMMAND")
	overrideInt(&cfg.Audio.PlaybackPaceMS, "LOQA_AUDIO_PLAYBACK_PACE_MS")
	overrideString(&cfg.Model.Directory, "LOQA_MODEL_DIRECTORY")
	overrideString(&cfg.Model.ConfigPath, "LOQA_MODEL_CONFIG_PATH")
	overrideString(&cfg.Model.WeightsPath, "LOQA_MODEL_WEIGHTS_PATH")
	overrideString(&cfg.Model.TokenizerPath, "LOQA_MODEL_TOKENIZER_PATH")
	overrideString(&cfg.Model.MelFiltersPath, "LOQA_MODEL_MEL_FILTERS_PATH")
	overrideBool(&cfg.Model.Quantized, "LOQA_MODEL_QUANTIZED")
	overrideString(&cfg.Decoding.Task, "LOQA_DECODING_TASK")
	overrideString(&cfg.Decoding.Language, "LOQA_DECODING_LANGUAGE")
	overrideBool(&cfg.Decoding.Timestamps, "LOQA_DECODING_TIMESTAMPS")
	overrideBool(&cfg.Decoding.Verbose, "LOQA_DECODING_VERBOSE")
	overrideIntPtr(&cfg.Decoding.MaxInitialTimestampIndex, "LOQA_DECODING_MAX_INITIAL_TIMESTAMP_INDEX")
	overrideUint64(&cfg.Decoding.Seed, "LOQA_DECODING_SEED")
	overrideInt(&cfg.Streaming.WindowSeconds, "LOQA_STREAMING_WINDOW_SECONDS")
	overrideInt(&cfg.Streaming.MinAudioMS, "LOQA_STREAMING_MIN_AUDIO_MS")
	overrideInt(&cfg.Streaming.PollIntervalMS, "LOQA_STREAMING_POLL_INTERVAL_MS")
	overrideString(&cfg.Streaming.Stabilizer, "LOQA_STREAMING_STABILIZER")
	overrideBool(&cfg.Streaming.AutoStart, "LOQA_STREAMING_AUTO_START")
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

// overrideIntPtr clears the target when the variable is set but empty.
func overrideIntPtr(target **int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	if strings.TrimSpace(value) == "" {
		*target = nil
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*target = &parsed
	}
}

func overrideUint64(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.Audio.QueueCapacity <= 0 {
		return errors.New("audio.queue_capacity must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Audio.ResampleBlockSize <= 0 {
		return errors.New("audio.resample_block_size must be positive")
	}
	if cfg.Audio.PlaybackPaceMS < 0 {
		return errors.New("audio.playback_pace_ms must be >= 0")
	}
	if cfg.Model.Directory == "" && (cfg.Model.ConfigPath == "" || cfg.Model.WeightsPath == "" || cfg.Model.TokenizerPath == "") {
		return errors.New("model.directory must be set unless config, weights and tokenizer paths are all given")
	}
	switch cfg.Decoding.Task {
	case "transcribe", "translate":
	default:
		return errors.New("decoding.task must be one of transcribe|translate")
	}
	if idx := cfg.Decoding.MaxInitialTimestampIndex; idx != nil && *idx < 0 {
		return errors.New("decoding.max_initial_timestamp_index must be >= 0")
	}
	if cfg.Streaming.WindowSeconds <= 0 || cfg.Streaming.WindowSeconds > 30 {
		return errors.New("streaming.window_seconds must be between 1 and 30")
	}
	if cfg.Streaming.MinAudioMS <= 0 {
		return errors.New("streaming.min_audio_ms must be positive")
	}
	if cfg.Streaming.MinAudioMS >= cfg.Streaming.WindowSeconds*1000 {
		return errors.New("streaming.min_audio_ms must be shorter than the window")
	}
	if cfg.Streaming.PollIntervalMS <= 0 {
		return errors.New("streaming.poll_interval_ms must be positive")
	}
	switch cfg.Streaming.Stabilizer {
	case "none", "local_agreement":
	default:
		return errors.New("streaming.stabilizer must be one of none|local_agreement")
	}
	return nil
}
