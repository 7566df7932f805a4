// Package config loads service configuration from the environment and an
// optional YAML file. Environment variables win over file values.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Serial        SerialConfig        `yaml:"serial"`
	Decoder       DecoderConfig       `yaml:"decoder"`
	Ring          RingConfig          `yaml:"ring"`
	Segmentation  SegmentationConfig  `yaml:"segmentation"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	STT           STTConfig           `yaml:"stt"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds service identity and listener ports.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	SessionID   string `yaml:"session_id"`
	GRPCPort    string `yaml:"grpc_port"`
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// SerialConfig describes the capture device.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	SendStart   bool          `yaml:"send_start"`
}

// DecoderConfig bounds accepted frame lengths.
type DecoderConfig struct {
	MaxSamples      int `yaml:"max_samples"`
	ExpectedSamples int `yaml:"expected_samples"`
}

// RingConfig sizes the display ring.
type RingConfig struct {
	Capacity int `yaml:"capacity"`
}

// SegmentationConfig tunes voice segmentation. It is hot-reloadable.
type SegmentationConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	SilenceLimit    int     `yaml:"silence_limit"`
	Window          int     `yaml:"window"`
	MaxSamples      int     `yaml:"max_samples"`
}

// ClassifierConfig tunes the keyword heuristic. It is hot-reloadable.
type ClassifierConfig struct {
	MinSamples            int     `yaml:"min_samples"`
	EnergyThreshold       float64 `yaml:"energy_threshold"`
	ZeroCrossingThreshold int     `yaml:"zero_crossing_threshold"`
	LabelA                string  `yaml:"label_a"`
	LabelB                string  `yaml:"label_b"`
}

// STTConfig selects the downstream recognizer.
type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Provider       string `yaml:"provider"` // mock, google
	LanguageCode   string `yaml:"language_code"`
	SampleRateHz   int    `yaml:"sample_rate_hz"`
	AudioEncoding  string `yaml:"audio_encoding"`
	InterimResults bool   `yaml:"interim_results"`
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	TopicSegments    string   `yaml:"topic_segments"`
	TopicTranscripts string   `yaml:"topic_transcripts"`
	TopicStats       string   `yaml:"topic_stats"`
	Principal        string   `yaml:"principal"`
}

// RecorderConfig controls WAV output of finished segments.
type RecorderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	SampleRateHz int    `yaml:"sample_rate_hz"`
}

// ObservabilityConfig holds logging and stats settings.
type ObservabilityConfig struct {
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Tuning is the hot-reloadable subset of the configuration.
type Tuning struct {
	Segmentation SegmentationConfig
	Classifier   ClassifierConfig
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:   "svc-serial-voice-ingress",
			SessionID:   "capture",
			GRPCPort:    "50051",
			HTTPPort:    "8080",
			MetricsPort: "9090",
		},
		Serial: SerialConfig{
			Port:        "/dev/ttyUSB0",
			BaudRate:    921600,
			ReadTimeout: time.Second,
			SendStart:   true,
		},
		Decoder: DecoderConfig{
			MaxSamples: 4096,
		},
		Ring: RingConfig{
			Capacity: 5000,
		},
		Segmentation: SegmentationConfig{
			EnergyThreshold: 1000,
			SilenceLimit:    10,
		},
		Classifier: ClassifierConfig{
			MinSamples:            1000,
			EnergyThreshold:       1000,
			ZeroCrossingThreshold: 100,
			LabelA:                "word-class-A",
			LabelB:                "word-class-B",
		},
		STT: STTConfig{
			Provider:      "mock",
			LanguageCode:  "en-US",
			SampleRateHz:  8000,
			AudioEncoding: "LINEAR16",
		},
		Kafka: KafkaConfig{
			Brokers:          []string{"localhost:9092"},
			TopicSegments:    "voice.segments",
			TopicTranscripts: "voice.transcripts",
			TopicStats:       "voice.decoder.stats",
		},
		Recorder: RecorderConfig{
			Dir:          "recordings",
			SampleRateHz: 8000,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			StatsInterval: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func Load() (*Configuration, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Configuration, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader overlays YAML from r onto the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Configuration, error) {
	cfg := Defaults()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Configuration) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// applyEnv overrides cfg with any environment variables that are set.
// Unparseable values keep the current setting.
func applyEnv(cfg *Configuration) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.SessionID = envOrDefault("SESSION_ID", s.SessionID)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.MetricsPort = envOrDefault("METRICS_PORT", s.MetricsPort)

	sp := &cfg.Serial
	sp.Port = envOrDefault("SERIAL_PORT", sp.Port)
	sp.BaudRate = envOrDefaultInt("SERIAL_BAUD_RATE", sp.BaudRate)
	sp.ReadTimeout = envOrDefaultDuration("SERIAL_READ_TIMEOUT", sp.ReadTimeout)
	sp.SendStart = envOrDefaultBool("SERIAL_SEND_START", sp.SendStart)

	cfg.Decoder.MaxSamples = envOrDefaultInt("DECODER_MAX_SAMPLES", cfg.Decoder.MaxSamples)
	cfg.Decoder.ExpectedSamples = envOrDefaultInt("DECODER_EXPECTED_SAMPLES", cfg.Decoder.ExpectedSamples)

	cfg.Ring.Capacity = envOrDefaultInt("RING_CAPACITY", cfg.Ring.Capacity)

	seg := &cfg.Segmentation
	seg.EnergyThreshold = envOrDefaultFloat("SEGMENT_ENERGY_THRESHOLD", seg.EnergyThreshold)
	seg.SilenceLimit = envOrDefaultInt("SEGMENT_SILENCE_LIMIT", seg.SilenceLimit)
	seg.Window = envOrDefaultInt("SEGMENT_WINDOW", seg.Window)
	seg.MaxSamples = envOrDefaultInt("SEGMENT_MAX_SAMPLES", seg.MaxSamples)

	cl := &cfg.Classifier
	cl.MinSamples = envOrDefaultInt("CLASSIFIER_MIN_SAMPLES", cl.MinSamples)
	cl.EnergyThreshold = envOrDefaultFloat("CLASSIFIER_ENERGY_THRESHOLD", cl.EnergyThreshold)
	cl.ZeroCrossingThreshold = envOrDefaultInt("CLASSIFIER_ZC_THRESHOLD", cl.ZeroCrossingThreshold)
	cl.LabelA = envOrDefault("CLASSIFIER_LABEL_A", cl.LabelA)
	cl.LabelB = envOrDefault("CLASSIFIER_LABEL_B", cl.LabelB)

	st := &cfg.STT
	st.Enabled = envOrDefaultBool("STT_ENABLED", st.Enabled)
	st.Provider = envOrDefault("STT_PROVIDER", st.Provider)
	st.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", st.LanguageCode)
	st.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", st.SampleRateHz)
	st.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", st.AudioEncoding)
	st.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", st.InterimResults)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicSegments = envOrDefault("KAFKA_TOPIC_SEGMENTS", k.TopicSegments)
	k.TopicTranscripts = envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", k.TopicTranscripts)
	k.TopicStats = envOrDefault("KAFKA_TOPIC_STATS", k.TopicStats)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	r := &cfg.Recorder
	r.Enabled = envOrDefaultBool("RECORDER_ENABLED", r.Enabled)
	r.Dir = envOrDefault("RECORDER_DIR", r.Dir)
	r.SampleRateHz = envOrDefaultInt("RECORDER_SAMPLE_RATE_HZ", r.SampleRateHz)

	o := &cfg.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.StatsInterval = envOrDefaultDuration("STATS_INTERVAL", o.StatsInterval)
}

// Validate reports every inconsistent field, joined, each wrapping ErrInvalid.
func (c *Configuration) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	if c.Serial.BaudRate <= 0 {
		bad("serial.baud_rate", "must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Serial.ReadTimeout <= 0 {
		bad("serial.read_timeout", "must be positive, got %v", c.Serial.ReadTimeout)
	}
	if c.Decoder.MaxSamples < 0 || c.Decoder.MaxSamples > 0xFFFF {
		bad("decoder.max_samples", "must be in [0, 65535], got %d", c.Decoder.MaxSamples)
	}
	if c.Decoder.ExpectedSamples < 0 {
		bad("decoder.expected_samples", "must not be negative, got %d", c.Decoder.ExpectedSamples)
	}
	if c.Ring.Capacity < 1 {
		bad("ring.capacity", "must be at least 1, got %d", c.Ring.Capacity)
	}
	if err := c.Tuning().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.STT.Provider {
	case "mock", "google":
	default:
		bad("stt.provider", "must be mock or google, got %q", c.STT.Provider)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		bad("kafka.brokers", "required when kafka is enabled")
	}
	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		bad("recorder.dir", "required when the recorder is enabled")
	}
	return errors.Join(errs...)
}

// Tuning returns the hot-reloadable subset.
func (c *Configuration) Tuning() Tuning {
	return Tuning{
		Segmentation: c.Segmentation,
		Classifier:   c.Classifier,
	}
}

// Validate checks the thresholds.
func (t Tuning) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}
	if t.Segmentation.EnergyThreshold < 0 {
		bad("segmentation.energy_threshold", "must not be negative, got %v", t.Segmentation.EnergyThreshold)
	}
	if t.Segmentation.SilenceLimit < 1 {
		bad("segmentation.silence_limit", "must be at least 1, got %d", t.Segmentation.SilenceLimit)
	}
	if t.Segmentation.Window < 0 {
		bad("segmentation.window", "must not be negative, got %d", t.Segmentation.Window)
	}
	if t.Segmentation.MaxSamples < 0 {
		bad("segmentation.max_samples", "must not be negative, got %d", t.Segmentation.MaxSamples)
	}
	if t.Classifier.MinSamples < 1 {
		bad("classifier.min_samples", "must be at least 1, got %d", t.Classifier.MinSamples)
	}
	if t.Classifier.EnergyThreshold < 0 {
		bad("classifier.energy_threshold", "must not be negative, got %v", t.Classifier.EnergyThreshold)
	}
	if t.Classifier.ZeroCrossingThreshold < 0 {
		bad("classifier.zero_crossing_threshold", "must not be negative, got %d", t.Classifier.ZeroCrossingThreshold)
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
