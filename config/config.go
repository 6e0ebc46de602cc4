// Package config loads runtime options. Sources are applied in order:
// built-in defaults, an optional YAML file, a .env file and finally the
// process environment (SORTER_* keys).
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"appletrainer/neuralnet"
)

// EnvPrefix prefixes every environment key, e.g. SORTER_MAX_BUFFERS.
const EnvPrefix = "SORTER_"

type Config struct {
	ModelLoadTimeoutMs         int   `yaml:"model_load_timeout_ms"`
	MaxLoadRetries             int   `yaml:"max_load_retries"`
	RetryBackoffMs             int   `yaml:"retry_backoff_ms"`
	PredictionDefaultTimeoutMs int   `yaml:"prediction_default_timeout_ms"`
	MaxBuffers                 int   `yaml:"max_buffers"`
	MaxBufferBytes             int64 `yaml:"max_buffer_bytes"`
	WarningBuffers             int   `yaml:"warning_buffers"`
	WarningBufferBytes         int64 `yaml:"warning_buffer_bytes"`
	AlertCooldownMs            int   `yaml:"alert_cooldown_ms"`

	BundledModelPath   string `yaml:"bundled_model_path"`
	RemoteModelURL     string `yaml:"remote_model_url"`
	FeatureOutput      string `yaml:"feature_output"`
	InputName          string `yaml:"input_name"`
	OnnxruntimeLibrary string `yaml:"onnxruntime_library"`

	MonitorIntervalMs   int    `yaml:"monitor_interval_ms"`
	HistoryCapacity     int    `yaml:"history_capacity"`
	FetchTimeoutMs      int    `yaml:"fetch_timeout_ms"`
	FetchRetries        int    `yaml:"fetch_retries"`
	FetchRetryBackoffMs int    `yaml:"fetch_retry_backoff_ms"`
	HeadActivation      string `yaml:"head_activation"`
	Seed                int64  `yaml:"seed"`

	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	ListenAddr string `yaml:"listen_addr"`

	// ClassifyRate caps /classify requests per second; 0 disables the limit.
	ClassifyRate  float64 `yaml:"classify_rate"`
	ClassifyBurst int     `yaml:"classify_burst"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ModelLoadTimeoutMs:         30000,
		MaxLoadRetries:             3,
		RetryBackoffMs:             2000,
		PredictionDefaultTimeoutMs: 1000,
		MaxBuffers:                 150,
		MaxBufferBytes:             150 * 1024 * 1024,
		WarningBuffers:             100,
		WarningBufferBytes:         100 * 1024 * 1024,
		AlertCooldownMs:            30000,

		BundledModelPath: "models/feature_extractor.onnx",
		FeatureOutput:    "features",

		MonitorIntervalMs:   5000,
		HistoryCapacity:     20,
		FetchTimeoutMs:      10000,
		FetchRetries:        2,
		FetchRetryBackoffMs: 100,
		HeadActivation:      "relu",

		LogLevel:   "info",
		LogFormat:  "json",
		ListenAddr: ":8080",

		ClassifyRate:  20,
		ClassifyBurst: 5,
	}
}

// Overrides captures command line values. Zero values are ignored.
type Overrides struct {
	BundledModelPath string
	RemoteModelURL   string
	ListenAddr       string
	LogLevel         string
	LogFormat        string
	Seed             int64
}

// Load builds a Config from path (skipped when empty) and envFile (".env"
// when empty; a missing file is not an error), then validates it.
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	fileEnv, err := godotenv.Read(envFile)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "read %s", envFile)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// env reads typed values and remembers the first malformed one.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) num(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *env) num64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *env) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := &env{lookup: lookup}
	e.num("MODEL_LOAD_TIMEOUT_MS", &c.ModelLoadTimeoutMs)
	e.num("MAX_LOAD_RETRIES", &c.MaxLoadRetries)
	e.num("RETRY_BACKOFF_MS", &c.RetryBackoffMs)
	e.num("PREDICTION_DEFAULT_TIMEOUT_MS", &c.PredictionDefaultTimeoutMs)
	e.num("MAX_BUFFERS", &c.MaxBuffers)
	e.num64("MAX_BUFFER_BYTES", &c.MaxBufferBytes)
	e.num("WARNING_BUFFERS", &c.WarningBuffers)
	e.num64("WARNING_BUFFER_BYTES", &c.WarningBufferBytes)
	e.num("ALERT_COOLDOWN_MS", &c.AlertCooldownMs)
	e.str("BUNDLED_MODEL_PATH", &c.BundledModelPath)
	e.str("REMOTE_MODEL_URL", &c.RemoteModelURL)
	e.str("FEATURE_OUTPUT", &c.FeatureOutput)
	e.str("INPUT_NAME", &c.InputName)
	e.str("ONNXRUNTIME_LIBRARY", &c.OnnxruntimeLibrary)
	e.num("MONITOR_INTERVAL_MS", &c.MonitorIntervalMs)
	e.num("HISTORY_CAPACITY", &c.HistoryCapacity)
	e.num("FETCH_TIMEOUT_MS", &c.FetchTimeoutMs)
	e.num("FETCH_RETRIES", &c.FetchRetries)
	e.num("FETCH_RETRY_BACKOFF_MS", &c.FetchRetryBackoffMs)
	e.str("HEAD_ACTIVATION", &c.HeadActivation)
	e.num64("SEED", &c.Seed)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
	e.str("LISTEN_ADDR", &c.ListenAddr)
	e.float("CLASSIFY_RATE", &c.ClassifyRate)
	e.num("CLASSIFY_BURST", &c.ClassifyBurst)
	return e.err
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.BundledModelPath != "" {
		c.BundledModelPath = o.BundledModelPath
	}
	if o.RemoteModelURL != "" {
		c.RemoteModelURL = o.RemoteModelURL
	}
	if o.ListenAddr != "" {
		c.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"model_load_timeout_ms", int64(c.ModelLoadTimeoutMs)},
		{"max_load_retries", int64(c.MaxLoadRetries)},
		{"prediction_default_timeout_ms", int64(c.PredictionDefaultTimeoutMs)},
		{"max_buffers", int64(c.MaxBuffers)},
		{"max_buffer_bytes", c.MaxBufferBytes},
		{"warning_buffers", int64(c.WarningBuffers)},
		{"warning_buffer_bytes", c.WarningBufferBytes},
		{"alert_cooldown_ms", int64(c.AlertCooldownMs)},
		{"monitor_interval_ms", int64(c.MonitorIntervalMs)},
		{"history_capacity", int64(c.HistoryCapacity)},
		{"fetch_timeout_ms", int64(c.FetchTimeoutMs)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Errorf("%s must be > 0 (got %d)", p.name, p.v)
		}
	}
	nonNegative := []struct {
		name string
		v    int
	}{
		{"retry_backoff_ms", c.RetryBackoffMs},
		{"fetch_retries", c.FetchRetries},
		{"fetch_retry_backoff_ms", c.FetchRetryBackoffMs},
	}
	for _, p := range nonNegative {
		if p.v < 0 {
			return errors.Errorf("%s must be >= 0 (got %d)", p.name, p.v)
		}
	}
	if c.ClassifyRate < 0 {
		return errors.Errorf("classify_rate must be >= 0 (got %v)", c.ClassifyRate)
	}
	if c.ClassifyRate > 0 && c.ClassifyBurst <= 0 {
		return errors.Errorf("classify_burst must be > 0 when classify_rate is set (got %d)", c.ClassifyBurst)
	}
	if c.WarningBuffers > c.MaxBuffers {
		return errors.Errorf("warning_buffers (%d) exceeds max_buffers (%d)", c.WarningBuffers, c.MaxBuffers)
	}
	if c.WarningBufferBytes > c.MaxBufferBytes {
		return errors.Errorf("warning_buffer_bytes (%d) exceeds max_buffer_bytes (%d)", c.WarningBufferBytes, c.MaxBufferBytes)
	}
	if c.BundledModelPath == "" && c.RemoteModelURL == "" {
		return errors.New("at least one of bundled_model_path and remote_model_url must be set")
	}
	if _, err := neuralnet.ParseActivation(c.HeadActivation); err != nil {
		return errors.Wrap(err, "head_activation")
	}
	if c.FeatureOutput == "" {
		return errors.New("feature_output must be set")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errors.Errorf("log_format must be json or console (got %q)", c.LogFormat)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) ModelLoadTimeout() time.Duration  { return ms(c.ModelLoadTimeoutMs) }
func (c *Config) RetryBackoff() time.Duration      { return ms(c.RetryBackoffMs) }
func (c *Config) PredictionTimeout() time.Duration { return ms(c.PredictionDefaultTimeoutMs) }
func (c *Config) AlertCooldown() time.Duration     { return ms(c.AlertCooldownMs) }
func (c *Config) MonitorInterval() time.Duration   { return ms(c.MonitorIntervalMs) }
func (c *Config) FetchTimeout() time.Duration      { return ms(c.FetchTimeoutMs) }
func (c *Config) FetchRetryBackoff() time.Duration { return ms(c.FetchRetryBackoffMs) }
