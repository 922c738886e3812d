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
	LogFormat    string `yaml:"log_format"` // json, text
	LogFile      string `yaml:"log_file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Kokoro      KokoroConfig      `yaml:"kokoro"`
	Engine      EngineConfig      `yaml:"engine"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Bus         BusConfig         `yaml:"bus"`
}

// KokoroConfig holds the synthesis parameters reported by /health.
type KokoroConfig struct {
	LangCode      string `yaml:"lang_code"`
	Voice         string `yaml:"voice"`
	SampleRate    int    `yaml:"sample_rate"`
	MaxTextLength int    `yaml:"max_text_length"`
}

type EngineConfig struct {
	Mode            string         `yaml:"mode"` // mock, exec, worker, sherpa
	Command         string         `yaml:"command"`
	Processes       int            `yaml:"processes"`
	WarmupText      string         `yaml:"warmup_text"`
	StartTimeoutMS  int            `yaml:"start_timeout_ms"`
	ModelDir        string         `yaml:"model_dir"`
	Provider        string         `yaml:"provider"`
	NumThreads      int            `yaml:"num_threads"`
	Speed           float64        `yaml:"speed"`
	Speakers        map[string]int `yaml:"speakers"`
	ChunkDurationMS int            `yaml:"chunk_duration_ms"`
}

type ConcurrencyConfig struct {
	MaxInflight      int `yaml:"max_inflight"`
	MaxQueue         int `yaml:"max_queue"`
	PoolSize         int `yaml:"pool_size"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
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
	Subject        string   `yaml:"subject"`
	QueueGroup     string   `yaml:"queue_group"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8880,
			MaxBodyBytes:      1 << 20,
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			LogMaxSizeMB: 64,
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Kokoro: KokoroConfig{
			LangCode:      "a",
			Voice:         "af_heart",
			SampleRate:    24000,
			MaxTextLength: 5000,
		},
		Engine: EngineConfig{
			Mode:            "mock",
			Processes:       1,
			WarmupText:      "warmup",
			StartTimeoutMS:  60000,
			Provider:        "cpu",
			NumThreads:      2,
			Speed:           1.0,
			ChunkDurationMS: 400,
		},
		Concurrency: ConcurrencyConfig{
			MaxInflight: 1,
			MaxQueue:    0,
			PoolSize:    4,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "tts.request",
			QueueGroup:     "loqa-tts",
		},
	}
}

// Load reads the YAML file at path (if any) on top of Default and then
// applies environment overrides. A missing file is an error unless
// optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && optional:
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}
	e.overrideString(&cfg.Kokoro.LangCode, "KOKORO_LANG_CODE")
	e.overrideString(&cfg.Kokoro.Voice, "KOKORO_VOICE")
	e.overrideInt(&cfg.Kokoro.SampleRate, "KOKORO_SAMPLE_RATE")
	e.overrideInt(&cfg.Kokoro.MaxTextLength, "KOKORO_MAX_TEXT_LENGTH")
	e.overrideInt(&cfg.Concurrency.MaxInflight, "MAX_INFLIGHT_PER_WORKER")
	e.overrideInt(&cfg.Concurrency.MaxQueue, "MAX_QUEUE_PER_WORKER")
	e.overrideInt(&cfg.Concurrency.PoolSize, "LOQA_TTS_POOL_SIZE")
	e.overrideInt(&cfg.Concurrency.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	e.overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	e.overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	e.overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	e.overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	e.overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_LOG_LEVEL")
	e.overrideString(&cfg.Telemetry.LogFormat, "LOQA_TTS_LOG_FORMAT")
	e.overrideString(&cfg.Telemetry.LogFile, "LOQA_TTS_LOG_FILE")
	e.overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_OTLP_ENDPOINT")
	e.overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_OTLP_INSECURE")
	e.overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTS_TRACE_STDOUT")
	e.overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	e.overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	e.overrideInt(&cfg.Engine.Processes, "LOQA_TTS_ENGINE_PROCESSES")
	e.overrideString(&cfg.Engine.WarmupText, "LOQA_TTS_ENGINE_WARMUP_TEXT")
	e.overrideString(&cfg.Engine.ModelDir, "LOQA_TTS_ENGINE_MODEL_DIR")
	e.overrideString(&cfg.Engine.Provider, "LOQA_TTS_ENGINE_PROVIDER")
	e.overrideInt(&cfg.Engine.NumThreads, "LOQA_TTS_ENGINE_THREADS")
	e.overrideFloat(&cfg.Engine.Speed, "LOQA_TTS_ENGINE_SPEED")
	e.overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	e.overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	e.overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	e.overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	e.overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	e.overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	e.overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	e.overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	e.overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	e.overrideString(&cfg.Bus.Subject, "LOQA_TTS_BUS_SUBJECT")
	e.overrideString(&cfg.Bus.QueueGroup, "LOQA_TTS_BUS_QUEUE_GROUP")
	return errors.Join(e.errs...)
}

// envReader applies overrides and collects parse failures so a bad value
// fails startup instead of being silently ignored.
type envReader struct {
	errs []error
}

func (e *envReader) overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func (e *envReader) overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", envKey, value))
			return
		}
		*target = parsed
	}
}

func (e *envReader) overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", envKey, value))
			return
		}
		*target = parsed
	}
}

func (e *envReader) overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", envKey, value))
			return
		}
		*target = parsed
	}
}

func (e *envReader) overrideStringSlice(target *[]string, envKey string) {
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
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if strings.TrimSpace(cfg.Kokoro.LangCode) == "" {
		return errors.New("kokoro.lang_code must not be empty")
	}
	if strings.TrimSpace(cfg.Kokoro.Voice) == "" {
		return errors.New("kokoro.voice must not be empty")
	}
	if cfg.Kokoro.SampleRate <= 0 {
		return errors.New("kokoro.sample_rate must be positive")
	}
	if cfg.Kokoro.MaxTextLength <= 0 {
		return errors.New("kokoro.max_text_length must be positive")
	}
	if cfg.Concurrency.MaxInflight <= 0 {
		return errors.New("concurrency.max_inflight must be >= 1")
	}
	if cfg.Concurrency.MaxQueue < 0 {
		return errors.New("concurrency.max_queue must be >= 0")
	}
	if cfg.Concurrency.PoolSize <= 0 {
		return errors.New("concurrency.pool_size must be >= 1")
	}
	if cfg.Concurrency.RequestTimeoutMS < 0 {
		return errors.New("concurrency.request_timeout_ms must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock":
		if cfg.Engine.ChunkDurationMS <= 0 {
			return errors.New("engine.chunk_duration_ms must be positive when mode=mock")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "worker":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=worker")
		}
		if cfg.Engine.Processes <= 0 {
			return errors.New("engine.processes must be >= 1 when mode=worker")
		}
	case "sherpa":
		if cfg.Engine.ModelDir == "" {
			return errors.New("engine.model_dir must be set when mode=sherpa")
		}
		if cfg.Engine.NumThreads <= 0 {
			return errors.New("engine.num_threads must be >= 1 when mode=sherpa")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|worker|sherpa")
	}
	if cfg.Engine.Speed <= 0 {
		return errors.New("engine.speed must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 (or -1 for random) when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
	}
	return nil
}
