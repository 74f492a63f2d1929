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
	TraceStdout  bool   `yaml:"trace_stdout"`

	// TraceSampleRatio applies to root spans; children follow their parent.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	Service     ServiceConfig   `yaml:"service"`
	Capture     CaptureConfig   `yaml:"capture"`
	Tracking    TrackingConfig  `yaml:"tracking"`
	Cache       CacheConfig     `yaml:"cache"`
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

// ServiceConfig locates the remote recitation tracking service.
type ServiceConfig struct {
	BaseURL          string `yaml:"base_url"`
	LivePath         string `yaml:"live_path"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string  `yaml:"mode"` // exec, wav, tone
	Command         string  `yaml:"command"`
	SourceRate      int     `yaml:"source_rate"`
	SampleRate      int     `yaml:"sample_rate"`
	CallbackSamples int     `yaml:"callback_samples"`
	QueueSize       int     `yaml:"queue_size"`
	ProbeTimeoutMS  int     `yaml:"probe_timeout_ms"`
	WAVPath         string  `yaml:"wav_path"`
	Loop            bool    `yaml:"loop"`
	Realtime        bool    `yaml:"realtime"`
	ToneHz          float64 `yaml:"tone_hz"`
}

type TrackingConfig struct {
	AutoStart   bool            `yaml:"auto_start"`
	WindowSec   int             `yaml:"window_sec"`
	TargetAyahs int             `yaml:"target_ayahs"`
	EventBuffer int             `yaml:"event_buffer"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Enabled           bool `yaml:"enabled"`
	InitialIntervalMS int  `yaml:"initial_interval_ms"`
	MaxIntervalMS     int  `yaml:"max_interval_ms"`
	MaxTries          int  `yaml:"max_tries"`
}

// CacheConfig controls the local surah lookup cache.
type CacheConfig struct {
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"` // ephemeral, persistent
	TTLDays int    `yaml:"ttl_days"`
}

func Default() Config {
	return Config{
		RuntimeName: "tilawa",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Service: ServiceConfig{
			BaseURL:          "http://localhost:8000",
			LivePath:         "/ws/live",
			ConnectTimeoutMS: 5000,
			WriteTimeoutMS:   2000,
			RequestTimeoutMS: 60000,
		},
		Capture: CaptureConfig{
			Mode:            "exec",
			Command:         "ffmpeg -hide_banner -loglevel error -f pulse -i default -ac 1 -ar 48000 -f f32le -",
			SourceRate:      48000,
			SampleRate:      16000,
			CallbackSamples: 4096,
			QueueSize:       32,
			ProbeTimeoutMS:  3000,
			Realtime:        true,
			ToneHz:          220,
		},
		Tracking: TrackingConfig{
			AutoStart:   true,
			WindowSec:   14,
			TargetAyahs: 12,
			EventBuffer: 64,
			Reconnect: ReconnectConfig{
				Enabled:           false,
				InitialIntervalMS: 500,
				MaxIntervalMS:     15000,
				MaxTries:          8,
			},
		},
		Cache: CacheConfig{
			Path:    "./data/tilawa-cache.db",
			Mode:    "persistent",
			TTLDays: 30,
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
	overrideString(&cfg.RuntimeName, "TILAWA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TILAWA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TILAWA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TILAWA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TILAWA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TILAWA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TILAWA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "TILAWA_TELEMETRY_TRACE_STDOUT")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "TILAWA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "TILAWA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TILAWA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TILAWA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TILAWA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TILAWA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TILAWA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TILAWA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TILAWA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TILAWA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Service.BaseURL, "TILAWA_SERVICE_BASE_URL")
	overrideString(&cfg.Service.LivePath, "TILAWA_SERVICE_LIVE_PATH")
	overrideInt(&cfg.Service.ConnectTimeoutMS, "TILAWA_SERVICE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Service.WriteTimeoutMS, "TILAWA_SERVICE_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Service.RequestTimeoutMS, "TILAWA_SERVICE_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "TILAWA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "TILAWA_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SourceRate, "TILAWA_CAPTURE_SOURCE_RATE")
	overrideInt(&cfg.Capture.SampleRate, "TILAWA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.CallbackSamples, "TILAWA_CAPTURE_CALLBACK_SAMPLES")
	overrideInt(&cfg.Capture.QueueSize, "TILAWA_CAPTURE_QUEUE_SIZE")
	overrideInt(&cfg.Capture.ProbeTimeoutMS, "TILAWA_CAPTURE_PROBE_TIMEOUT_MS")
	overrideString(&cfg.Capture.WAVPath, "TILAWA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Loop, "TILAWA_CAPTURE_LOOP")
	overrideBool(&cfg.Capture.Realtime, "TILAWA_CAPTURE_REALTIME")
	overrideFloat(&cfg.Capture.ToneHz, "TILAWA_CAPTURE_TONE_HZ")
	overrideBool(&cfg.Tracking.AutoStart, "TILAWA_TRACKING_AUTO_START")
	overrideInt(&cfg.Tracking.WindowSec, "TILAWA_TRACKING_WINDOW_SEC")
	overrideInt(&cfg.Tracking.TargetAyahs, "TILAWA_TRACKING_TARGET_AYAHS")
	overrideInt(&cfg.Tracking.EventBuffer, "TILAWA_TRACKING_EVENT_BUFFER")
	overrideBool(&cfg.Tracking.Reconnect.Enabled, "TILAWA_TRACKING_RECONNECT_ENABLED")
	overrideInt(&cfg.Tracking.Reconnect.InitialIntervalMS, "TILAWA_TRACKING_RECONNECT_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.Tracking.Reconnect.MaxIntervalMS, "TILAWA_TRACKING_RECONNECT_MAX_INTERVAL_MS")
	overrideInt(&cfg.Tracking.Reconnect.MaxTries, "TILAWA_TRACKING_RECONNECT_MAX_TRIES")
	overrideString(&cfg.Cache.Path, "TILAWA_CACHE_PATH")
	overrideString(&cfg.Cache.Mode, "TILAWA_CACHE_MODE")
	overrideInt(&cfg.Cache.TTLDays, "TILAWA_CACHE_TTL_DAYS")
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

// Validate reports the first configuration error found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
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
	u, err := url.Parse(cfg.Service.BaseURL)
	if err != nil || u.Host == "" {
		return errors.New("service.base_url must be an absolute URL")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("service.base_url scheme must be one of http|https|ws|wss")
	}
	if !strings.HasPrefix(cfg.Service.LivePath, "/") {
		return errors.New("service.live_path must start with /")
	}
	if cfg.Service.ConnectTimeoutMS <= 0 {
		return errors.New("service.connect_timeout_ms must be positive")
	}
	if cfg.Service.WriteTimeoutMS <= 0 {
		return errors.New("service.write_timeout_ms must be positive")
	}
	switch cfg.Capture.Mode {
	case "exec":
		if strings.TrimSpace(cfg.Capture.Command) == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
		if cfg.Capture.SourceRate <= 0 {
			return errors.New("capture.source_rate must be positive when mode=exec")
		}
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when mode=wav")
		}
	case "tone":
		if cfg.Capture.ToneHz <= 0 {
			return errors.New("capture.tone_hz must be positive when mode=tone")
		}
	default:
		return errors.New("capture.mode must be one of exec|wav|tone")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.CallbackSamples <= 0 {
		return errors.New("capture.callback_samples must be positive")
	}
	if cfg.Capture.QueueSize <= 0 {
		return errors.New("capture.queue_size must be >= 1")
	}
	if cfg.Tracking.WindowSec <= 0 {
		return errors.New("tracking.window_sec must be positive")
	}
	if cfg.Tracking.TargetAyahs <= 0 {
		return errors.New("tracking.target_ayahs must be positive")
	}
	if cfg.Tracking.EventBuffer <= 0 {
		return errors.New("tracking.event_buffer must be >= 1")
	}
	if cfg.Tracking.Reconnect.Enabled {
		r := cfg.Tracking.Reconnect
		if r.InitialIntervalMS <= 0 {
			return errors.New("tracking.reconnect.initial_interval_ms must be positive")
		}
		if r.MaxIntervalMS < r.InitialIntervalMS {
			return errors.New("tracking.reconnect.max_interval_ms must be >= initial interval")
		}
		if r.MaxTries < 0 {
			return errors.New("tracking.reconnect.max_tries must be >= 0")
		}
	}
	switch cfg.Cache.Mode {
	case "ephemeral":
	case "persistent":
		if cfg.Cache.Path == "" {
			return errors.New("cache.path must not be empty when mode=persistent")
		}
	default:
		return errors.New("cache.mode must be one of ephemeral|persistent")
	}
	if cfg.Cache.TTLDays < 0 {
		return errors.New("cache.ttl_days must be >= 0")
	}
	return nil
}
