// Package config loads the translate-api application configuration: an
// optional .env file, defaults for every leaf, and a TRANSLATE_-prefixed
// environment overlay. Sections in overlay variable names are separated by
// a double underscore, e.g. TRANSLATE_BATCHING__MAX_BATCH_MS=250.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix marks environment variables that participate in the overlay.
const EnvPrefix = "TRANSLATE_"

// Application config structure
type AppConfig struct {
	Name            string `mapstructure:"service_name" validate:"required"`
	Version         string `mapstructure:"version" validate:"required"`
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" validate:"required"`
	LogLevel        string `mapstructure:"log_level" validate:"required"`
	Environment     string `mapstructure:"environment" validate:"required"`
	DefaultProvider string `mapstructure:"default_provider" validate:"required"`

	Batching  BatchingConfig  `mapstructure:"batching"`
	Buffering BufferingConfig `mapstructure:"buffering"`
	Control   ControlConfig   `mapstructure:"control"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Recording RecordingConfig `mapstructure:"recording"`

	Providers map[string]ProviderConfig `mapstructure:"providers" validate:"dive"`
}

// Addr is the listen address for the HTTP server.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BatchingConfig tunes the per-participant audio batcher. Disabled batching
// degenerates to one commit per inbound frame.
type BatchingConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	MaxBatchMS          int64   `mapstructure:"max_batch_ms" validate:"min=0"`
	MaxBatchBytes       int     `mapstructure:"max_batch_bytes" validate:"min=0"`
	IdleTimeoutMS       int64   `mapstructure:"idle_timeout_ms" validate:"min=0"`
	SilenceRMSThreshold float64 `mapstructure:"silence_rms_threshold" validate:"min=0"`
}

// BufferingConfig bounds the bus subscription queues.
type BufferingConfig struct {
	IngressQueueMax uint   `mapstructure:"ingress_queue_max"`
	EgressQueueMax  uint   `mapstructure:"egress_queue_max"`
	OverflowPolicy  string `mapstructure:"overflow_policy" validate:"omitempty,oneof=drop_oldest drop_newest"`
}

// ControlConfig tunes the playback and input state machines.
type ControlConfig struct {
	PlaybackIdleTimeoutMS int64 `mapstructure:"playback_idle_timeout_ms" validate:"min=0"`
	VoiceHysteresisMS     int64 `mapstructure:"voice_hysteresis_ms" validate:"min=0"`
	SilenceThresholdMS    int64 `mapstructure:"silence_threshold_ms" validate:"min=0"`
	TickMS                int64 `mapstructure:"tick_ms" validate:"min=0"`
}

// AudioConfig fixes the session-side PCM rates. Inbound frames and provider
// audio at other rates are resampled to these.
type AudioConfig struct {
	InputSampleRateHz  int `mapstructure:"input_sample_rate_hz" validate:"min=0"`
	OutputSampleRateHz int `mapstructure:"output_sample_rate_hz" validate:"min=0"`
}

// CaptureConfig enables the raw wire-frame dump, one JSONL file per session.
type CaptureConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
}

// RecordingConfig enables the two-track session WAV recorder.
type RecordingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
}

// ProviderConfig is one entry of the providers map. Settings is an opaque
// bag passed through to the adapter.
type ProviderConfig struct {
	Type     string                 `mapstructure:"type" validate:"required"`
	Endpoint string                 `mapstructure:"endpoint"`
	APIKey   string                 `mapstructure:"api_key"`
	Region   string                 `mapstructure:"region"`
	Model    string                 `mapstructure:"model"`
	Settings map[string]interface{} `mapstructure:"settings"`
}

// reading config and initializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()
	if err := vConfig.ReadInConfig(); err != nil {
		log.Printf("no config file, reading from env variables")
	}

	setDefault(vConfig)
	if err := ApplyEnvOverlay(vConfig, os.Environ()); err != nil {
		return nil, err
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "translate-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9100)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("DEFAULT_PROVIDER", "mock")

	v.SetDefault("BATCHING__ENABLED", true)
	v.SetDefault("BATCHING__MAX_BATCH_MS", 200)
	v.SetDefault("BATCHING__MAX_BATCH_BYTES", 65536)
	v.SetDefault("BATCHING__IDLE_TIMEOUT_MS", 500)
	v.SetDefault("BATCHING__SILENCE_RMS_THRESHOLD", 50.0)

	v.SetDefault("BUFFERING__INGRESS_QUEUE_MAX", 512)
	v.SetDefault("BUFFERING__EGRESS_QUEUE_MAX", 512)
	v.SetDefault("BUFFERING__OVERFLOW_POLICY", "drop_newest")

	v.SetDefault("CONTROL__PLAYBACK_IDLE_TIMEOUT_MS", 500)
	v.SetDefault("CONTROL__VOICE_HYSTERESIS_MS", 100)
	v.SetDefault("CONTROL__SILENCE_THRESHOLD_MS", 350)
	v.SetDefault("CONTROL__TICK_MS", 50)

	v.SetDefault("AUDIO__INPUT_SAMPLE_RATE_HZ", 16000)
	v.SetDefault("AUDIO__OUTPUT_SAMPLE_RATE_HZ", 16000)

	v.SetDefault("CAPTURE__ENABLED", false)
	v.SetDefault("CAPTURE__DIRECTORY", "/var/tmp/translate/capture")
	v.SetDefault("RECORDING__ENABLED", false)
	v.SetDefault("RECORDING__DIRECTORY", "/var/tmp/translate/recordings")

	v.SetDefault("PROVIDERS__MOCK__TYPE", "mock")
	v.SetDefault("PROVIDERS__OPENAI__TYPE", "openai_realtime")
	v.SetDefault("PROVIDERS__OPENAI__ENDPOINT", "wss://api.openai.com/v1/realtime")
	v.SetDefault("PROVIDERS__OPENAI__MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("PROVIDERS__OPENAI__API_KEY", "")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}

// ApplyEnvOverlay copies TRANSLATE_-prefixed variables from environ (as
// returned by os.Environ) onto configuration leaves. Scalar leaves only:
// booleans accept true/yes/1/on and false/no/0/off, numerics convert using
// the existing value's type, and an empty, "null" or "none" value clears
// the leaf. List- or section-valued targets abort startup.
func ApplyEnvOverlay(v *viper.Viper, environ []string) error {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, raw := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		if path == "" {
			continue
		}

		if isClearValue(raw) {
			v.Set(path, nil)
			continue
		}

		value, err := convertOverlayValue(v.Get(path), raw)
		if err != nil {
			return fmt.Errorf("config: environment overlay %s: %w", name, err)
		}
		v.Set(path, value)
	}
	return nil
}

func isClearValue(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "null", "none":
		return true
	}
	return false
}

// convertOverlayValue coerces raw to the type of the value already present
// at the target leaf. A missing leaf stays a string.
func convertOverlayValue(existing interface{}, raw string) (interface{}, error) {
	switch existing.(type) {
	case nil, string:
		return raw, nil
	case bool:
		return parseOverlayBool(raw)
	case int, int32, int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", raw)
		}
		return n, nil
	case uint, uint32, uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as unsigned integer", raw)
		}
		return n, nil
	case float32, float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as number", raw)
		}
		return f, nil
	case []interface{}, []string:
		return nil, fmt.Errorf("list-valued keys are not overridable from the environment")
	case map[string]interface{}:
		return nil, fmt.Errorf("target is a section, not a scalar leaf")
	default:
		return nil, fmt.Errorf("unsupported target type %T", existing)
	}
}

func parseOverlayBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("cannot parse %q as boolean", raw)
}
