// Package config manages Courier configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with yaml scalar parsing ("5s", "250ms").
type Duration time.Duration

// UnmarshalYAML parses a yaml scalar into a duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// WorkerSetting encapsulates worker-count configuration allowing both numeric
// and symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for worker counts.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

// Count returns the effective worker count derived from the setting.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case workerDefault, workerUnset:
		return 4
	default:
		return 4
	}
}

// PresenceConfig controls outbound presence fan-out.
type PresenceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FederationConfig tunes the outbound dispatcher.
type FederationConfig struct {
	// RRTransactionsPerRoomPerSecond bounds the read-receipt flush frequency
	// per room. Must be positive.
	RRTransactionsPerRoomPerSecond float64 `yaml:"rrTransactionsPerRoomPerSecond"`
	// FanoutWorkers bounds cross-room parallelism in the event loop.
	FanoutWorkers WorkerSetting `yaml:"fanoutWorkers"`
	// BackgroundWorkers sizes the shared background task pool.
	BackgroundWorkers WorkerSetting `yaml:"backgroundWorkers"`
}

// DatabaseConfig points at the durable event store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ReplicationConfig points at the upstream replication fan.
type ReplicationConfig struct {
	URL string `yaml:"url"`
}

// TransportConfig configures outbound transaction delivery.
type TransportConfig struct {
	// Scheme used for destination base URLs, http or https.
	Scheme string `yaml:"scheme"`
	// Timeout applied to each transaction request.
	Timeout Duration `yaml:"timeout"`
	// MaxRetryElapsed bounds the per-transaction retry window.
	MaxRetryElapsed Duration `yaml:"maxRetryElapsed"`
	// TransactionsPerSecond caps the per-destination transaction rate.
	TransactionsPerSecond float64 `yaml:"transactionsPerSecond"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the Courier configuration tree loaded from defaults and overrides.
type Settings struct {
	ServerName  string            `yaml:"serverName"`
	Presence    PresenceConfig    `yaml:"presence"`
	Federation  FederationConfig  `yaml:"federation"`
	Database    DatabaseConfig    `yaml:"database"`
	Replication ReplicationConfig `yaml:"replication"`
	Transport   TransportConfig   `yaml:"transport"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the default Courier configuration.
func Default() Settings {
	return Settings{
		ServerName: "",
		Presence:   PresenceConfig{Enabled: true},
		Federation: FederationConfig{
			RRTransactionsPerRoomPerSecond: 50,
			FanoutWorkers:                  WorkerSetting{},
			BackgroundWorkers:              WorkerSetting{},
		},
		Database:    DatabaseConfig{DSN: ""},
		Replication: ReplicationConfig{URL: ""},
		Transport: TransportConfig{
			Scheme:                "https",
			Timeout:               Duration(30 * time.Second),
			MaxRetryElapsed:       Duration(time.Minute),
			TransactionsPerSecond: 10,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "courier"},
	}
}

// Load reads settings from the yaml file at path, layered over defaults.
// The boolean reports whether a file was found.
func Load(path string) (Settings, bool, error) {
	settings := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, false, nil
		}
		return settings, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, true, err
	}
	return settings, true, nil
}

// Validate checks invariants the dispatcher depends on.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ServerName) == "" {
		return fmt.Errorf("config: serverName is required")
	}
	if s.Federation.RRTransactionsPerRoomPerSecond <= 0 {
		return fmt.Errorf("config: federation.rrTransactionsPerRoomPerSecond must be > 0")
	}
	switch s.Transport.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: transport.scheme must be http or https, got %q", s.Transport.Scheme)
	}
	if s.Transport.TransactionsPerSecond <= 0 {
		return fmt.Errorf("config: transport.transactionsPerSecond must be > 0")
	}
	return nil
}

// RRTransactionIntervalPerRoom derives the per-room receipt flush interval
// from the configured transaction frequency.
func (s Settings) RRTransactionIntervalPerRoom() time.Duration {
	persec := s.Federation.RRTransactionsPerRoomPerSecond
	if persec <= 0 {
		persec = 50
	}
	return time.Duration(float64(time.Second) / persec)
}
