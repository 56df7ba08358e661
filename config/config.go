package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/caarlos0/env/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	yaml "gopkg.in/yaml.v3"
)

const DefaultInterval = 30 * time.Second

var (
	youtubeAPIKey   = kingpin.Flag("youtube.api-key", "API key used by streams that do not define one.").Default("").String()
	youtubeInterval = kingpin.Flag("youtube.interval", "Delay between two checks of a stream, overrides the config file.").Default("0s").Duration()

	ErrNoStreams       = errors.New("no streams defined in config")
	ErrDuplicateStream = errors.New("duplicate stream name")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Error is a startup configuration error. It is always fatal.
type Error struct {
	Stream string
	Err    error
}

func (e *Error) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: stream %q: %v", e.Stream, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// youtube_exporter config
type Config struct {
	YouTube YouTube `yaml:"youtube"`
}

type YouTube struct {
	// delay between two checks of the same stream
	Interval time.Duration `yaml:"interval"`
	// ordered list of streams to monitor
	Streams []Stream `yaml:"streams"`
}

// Stream identifies one channel and video pair. Name is the stream label
// and must be unique.
type Stream struct {
	Name        string `yaml:"name"`
	ChannelName string `yaml:"channel_name"`
	ChannelID   string `yaml:"channel_id"`
	VideoID     string `yaml:"video_id"`
	APIKey      string `yaml:"api_key"`
	Environment string `yaml:"environment"`
}

// Defaults fill stream fields left empty in the config file.
type Defaults struct {
	APIKey      string `env:"YOUTUBE_API_KEY"`
	Environment string `env:"YOUTUBE_ENVIRONMENT" envDefault:"Production"`
}

// LoadDefaults reads Defaults from the environment.
func LoadDefaults() (Defaults, error) {
	var d Defaults
	if err := env.Parse(&d); err != nil {
		return Defaults{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return d, nil
}

// Parse decodes a config document, rejecting unknown fields.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return c, nil
}

// ApplyDefaults fills empty stream fields and the interval.
func (c *Config) ApplyDefaults(d Defaults) {
	if c.YouTube.Interval == 0 {
		c.YouTube.Interval = DefaultInterval
	}

	for i := range c.YouTube.Streams {
		s := &c.YouTube.Streams[i]
		if s.APIKey == "" {
			s.APIKey = d.APIKey
		}
		if s.Environment == "" {
			s.Environment = d.Environment
		}
		if s.ChannelName == "" {
			s.ChannelName = s.Name
		}
	}
}

// Validate checks the invariants monitors rely on.
func (c *Config) Validate() error {
	if c.YouTube.Interval <= 0 {
		return &Error{Err: ErrInvalidInterval}
	}

	if len(c.YouTube.Streams) == 0 {
		return &Error{Err: ErrNoStreams}
	}

	seen := make(map[string]bool, len(c.YouTube.Streams))
	for i, s := range c.YouTube.Streams {
		if s.Name == "" {
			return &Error{Stream: fmt.Sprintf("#%d", i), Err: fmt.Errorf("%w: name", ErrMissingField)}
		}

		if seen[s.Name] {
			return &Error{Stream: s.Name, Err: ErrDuplicateStream}
		}
		seen[s.Name] = true

		for _, f := range []struct{ field, value string }{
			{"channel_id", s.ChannelID},
			{"video_id", s.VideoID},
			{"api_key", s.APIKey},
		} {
			if f.value == "" {
				return &Error{Stream: s.Name, Err: fmt.Errorf("%w: %s", ErrMissingField, f.field)}
			}
		}
	}

	return nil
}

// safeconfig is used as a wrapper around config to track the outcome of the
// last load
type SafeConfig struct {
	sync.RWMutex

	C                   *Config
	configReloadSuccess prometheus.Gauge
	configReloadSeconds prometheus.Gauge
}

func NewSafeConfig(reg prometheus.Registerer) *SafeConfig {
	configReloadSuccess := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "youtube_exporter",
		Name:      "config_last_reload_successful",
		Help:      "YouTube exporter config loaded successfully.",
	})

	configReloadSeconds := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "youtube_exporter",
		Name:      "config_last_reload_success_timestamp_seconds",
		Help:      "Timestamp of the last successful configuration reload.",
	})
	return &SafeConfig{C: &Config{}, configReloadSuccess: configReloadSuccess, configReloadSeconds: configReloadSeconds}
}

// Get returns the current config.
func (sc *SafeConfig) Get() *Config {
	sc.RLock()
	defer sc.RUnlock()
	return sc.C
}

func (sc *SafeConfig) ReloadConfig(confFile string, logger *slog.Logger) (err error) {
	defer func() {
		if err != nil {
			sc.configReloadSuccess.Set(0)
		} else {
			sc.configReloadSuccess.Set(1)
			sc.configReloadSeconds.SetToCurrentTime()
		}
	}()

	yamlReader, err := os.Open(confFile)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	defer yamlReader.Close()

	c, err := Parse(yamlReader)
	if err != nil {
		return err
	}

	d, err := LoadDefaults()
	if err != nil {
		return err
	}

	// if flags then override config
	if youtubeAPIKey != nil && *youtubeAPIKey != "" {
		d.APIKey = *youtubeAPIKey
	}

	if youtubeInterval != nil && *youtubeInterval > 0 {
		c.YouTube.Interval = *youtubeInterval
	}

	c.ApplyDefaults(d)

	if err = c.Validate(); err != nil {
		return err
	}

	logger.Info("loaded config", "file", confFile, "streams", len(c.YouTube.Streams), "interval", c.YouTube.Interval)

	sc.Lock()
	sc.C = c
	sc.Unlock()

	return nil
}
