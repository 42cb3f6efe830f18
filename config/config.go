// Package config loads the falcon YAML configuration, applies defaults and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gebegb3j/falcon/phy"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

const (
	defaultRecursionDepth    = 99
	defaultThreshold         = 5
	defaultWindow            = 200
	defaultLifetime          = 400
	defaultLogRetentionDays  = 7
	defaultLogDir            = "data/logs"
	defaultRecorderPath      = "data/records/dci.db"
	defaultRecorderQueue     = 10000
	defaultRecorderBatch     = 256
	defaultRecorderInterval  = 500
	defaultBusyTimeoutMS     = 2000
	defaultTrackerStorePath  = "data/tracker"
	defaultMQTTTopic         = "falcon/dci"
	defaultMQTTClientPrefix  = "falcon"
	defaultMetricsListen     = "127.0.0.1:9464"
	defaultRebalanceMinShare = 0.05
)

// Config is the complete falcon configuration.
type Config struct {
	Search       SearchConfig       `yaml:"search"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Logging      LoggingConfig      `yaml:"logging"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	TrackerStore TrackerStoreConfig `yaml:"tracker_store"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Metrics      MetricsConfig      `yaml:"metrics"`

	// LoadedFrom is the file or directory the configuration came from; empty
	// when only defaults apply.
	LoadedFrom string `yaml:"-"`
}

// SearchConfig controls the blind search engine. Pointer fields distinguish
// "unset" from an explicit zero, which disables the feature.
type SearchConfig struct {
	MaxRecursionDepth   *int     `yaml:"max_recursion_depth"`
	DisambiguationDepth *int     `yaml:"disambiguation_depth"`
	ShortcutDiscovery   *bool    `yaml:"shortcut_discovery"`
	PrimaryFormats      []string `yaml:"primary_formats"`
	SecondaryFormats    []string `yaml:"secondary_formats"`
	SkipSecondary       bool     `yaml:"skip_secondary"`
	// RebalanceEvery moves frequent formats into the primary set every N
	// subframes; 0 keeps the configured sets.
	RebalanceEvery    int     `yaml:"rebalance_every"`
	RebalanceMinShare float64 `yaml:"rebalance_min_share"`
	Trace             bool    `yaml:"trace"`
}

// TrackerConfig controls RNTI validation and aging.
type TrackerConfig struct {
	Threshold uint32   `yaml:"threshold"`
	Window    uint32   `yaml:"window"`
	Lifetime  uint32   `yaml:"lifetime"`
	Evergreen []string `yaml:"evergreen"`
	Forbidden []uint16 `yaml:"forbidden"`
}

// LoggingConfig controls the optional daily log files.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// RecorderConfig controls SQLite persistence of accepted DCIs.
type RecorderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DBPath          string `yaml:"db_path"`
	QueueSize       int    `yaml:"queue_size"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMS int    `yaml:"batch_interval_ms"`
	BusyTimeoutMS   int    `yaml:"busy_timeout_ms"`
}

// TrackerStoreConfig controls the Pebble snapshot of the tracker active set.
type TrackerStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig controls publication of per-subframe results.
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	Topic          string `yaml:"topic"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	QoS            byte   `yaml:"qos"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	return cfg
}

// Load reads a YAML file, or every *.yaml/*.yml file of a directory merged in
// lexical order, then applies defaults and validates. A missing path yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	path = strings.TrimSpace(path)
	if path != "" {
		files, err := configFiles(path)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", file, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", file, err)
			}
		}
		if len(files) > 0 {
			cfg.LoadedFrom = path
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("config: %s not found, using defaults", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) normalize() {
	s := &c.Search
	if s.MaxRecursionDepth == nil {
		s.MaxRecursionDepth = intPtr(defaultRecursionDepth)
	}
	if s.DisambiguationDepth == nil {
		s.DisambiguationDepth = intPtr(*s.MaxRecursionDepth)
	}
	if s.ShortcutDiscovery == nil {
		enabled := true
		s.ShortcutDiscovery = &enabled
	}
	if len(s.PrimaryFormats) == 0 && len(s.SecondaryFormats) == 0 {
		s.PrimaryFormats = []string{"0", "1", "1A", "2A"}
		s.SecondaryFormats = []string{"1B", "1C", "2"}
	}
	if s.RebalanceMinShare <= 0 {
		s.RebalanceMinShare = defaultRebalanceMinShare
	}

	t := &c.Tracker
	if t.Threshold == 0 {
		t.Threshold = defaultThreshold
	}
	if t.Window == 0 {
		t.Window = defaultWindow
	}
	if t.Lifetime == 0 {
		t.Lifetime = defaultLifetime
	}
	if t.Evergreen == nil {
		t.Evergreen = []string{"1A", "1C"}
	}

	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = defaultLogDir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}

	r := &c.Recorder
	if strings.TrimSpace(r.DBPath) == "" {
		r.DBPath = defaultRecorderPath
	}
	if r.QueueSize <= 0 {
		r.QueueSize = defaultRecorderQueue
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultRecorderBatch
	}
	if r.BatchIntervalMS <= 0 {
		r.BatchIntervalMS = defaultRecorderInterval
	}
	if r.BusyTimeoutMS <= 0 {
		r.BusyTimeoutMS = defaultBusyTimeoutMS
	}

	if strings.TrimSpace(c.TrackerStore.Path) == "" {
		c.TrackerStore.Path = defaultTrackerStorePath
	}

	if strings.TrimSpace(c.MQTT.Topic) == "" {
		c.MQTT.Topic = defaultMQTTTopic
	}
	if strings.TrimSpace(c.MQTT.ClientIDPrefix) == "" {
		c.MQTT.ClientIDPrefix = defaultMQTTClientPrefix
	}

	if strings.TrimSpace(c.Metrics.Listen) == "" {
		c.Metrics.Listen = defaultMetricsListen
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	s := c.Search
	if s.MaxRecursionDepth != nil && *s.MaxRecursionDepth < 0 {
		return fmt.Errorf("%w: search.max_recursion_depth must be >= 0", ErrInvalid)
	}
	if s.DisambiguationDepth != nil && *s.DisambiguationDepth < 0 {
		return fmt.Errorf("%w: search.disambiguation_depth must be >= 0", ErrInvalid)
	}
	if s.RebalanceEvery < 0 {
		return fmt.Errorf("%w: search.rebalance_every must be >= 0", ErrInvalid)
	}
	if s.RebalanceMinShare > 1 {
		return fmt.Errorf("%w: search.rebalance_min_share must be <= 1", ErrInvalid)
	}
	primary, secondary, err := c.Formats()
	if err != nil {
		return err
	}
	if len(primary) == 0 {
		return fmt.Errorf("%w: search.primary_formats is empty", ErrInvalid)
	}
	seen := make(map[phy.Format]bool)
	for _, f := range append(primary, secondary...) {
		if seen[f] {
			return fmt.Errorf("%w: format %s listed twice", ErrInvalid, f)
		}
		seen[f] = true
	}
	if _, err := c.EvergreenFormats(); err != nil {
		return err
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}
	return nil
}

// Formats parses the primary and secondary format lists.
func (c *Config) Formats() (primary, secondary []phy.Format, err error) {
	if primary, err = parseFormats("search.primary_formats", c.Search.PrimaryFormats); err != nil {
		return nil, nil, err
	}
	if secondary, err = parseFormats("search.secondary_formats", c.Search.SecondaryFormats); err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

// EvergreenFormats parses the formats whose broadcast RNTIs never expire.
func (c *Config) EvergreenFormats() ([]phy.Format, error) {
	return parseFormats("tracker.evergreen", c.Tracker.Evergreen)
}

func parseFormats(key string, names []string) ([]phy.Format, error) {
	out := make([]phy.Format, 0, len(names))
	for _, name := range names {
		f, err := phy.ParseFormat(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Print logs a one-line summary per section.
func (c *Config) Print() {
	s := c.Search
	log.Printf("Search: depth=%d disambiguation=%d shortcut=%t primary=%s secondary=%s skip_secondary=%t",
		*s.MaxRecursionDepth, *s.DisambiguationDepth, *s.ShortcutDiscovery,
		strings.Join(s.PrimaryFormats, ","), strings.Join(s.SecondaryFormats, ","), s.SkipSecondary)
	log.Printf("Tracker: threshold=%d window=%d lifetime=%d evergreen=%s forbidden=%d",
		c.Tracker.Threshold, c.Tracker.Window, c.Tracker.Lifetime, strings.Join(c.Tracker.Evergreen, ","), len(c.Tracker.Forbidden))
	if c.Recorder.Enabled {
		log.Printf("Recorder: %s (queue=%d batch=%d)", c.Recorder.DBPath, c.Recorder.QueueSize, c.Recorder.BatchSize)
	}
	if c.TrackerStore.Enabled {
		log.Printf("Tracker store: %s", c.TrackerStore.Path)
	}
	if c.MQTT.Enabled {
		log.Printf("MQTT: %s (topic %s, qos %d)", c.MQTT.Broker, c.MQTT.Topic, c.MQTT.QoS)
	}
	if c.Metrics.Enabled {
		log.Printf("Metrics: %s", c.Metrics.Listen)
	}
}

func intPtr(v int) *int {
	return &v
}
