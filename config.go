package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/radio_observer/fits"
	"github.com/cwsl/radio_observer/frontend"
	"github.com/cwsl/radio_observer/recorder"
	"github.com/cwsl/radio_observer/spectrogram"
)

// Config represents the application configuration
type Config struct {
	Station    StationConfig      `yaml:"station"`
	Frontend   FrontendConfig     `yaml:"frontend"`
	FFT        FFTConfig          `yaml:"fft"`
	Buffer     BufferConfig       `yaml:"buffer"`
	Recorders  []recorder.Options `yaml:"recorders"`
	Status     StatusConfig       `yaml:"status"`
	Prometheus PrometheusConfig   `yaml:"prometheus"`
	MQTT       MQTTConfig         `yaml:"mqtt"`
	Catalog    CatalogConfig      `yaml:"catalog"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// StationConfig identifies the receiving station
type StationConfig struct {
	Name     string `yaml:"name"`     // Origin used in file names and FITS headers
	Location string `yaml:"location"` // Free text, reported on /status
}

// FrontendConfig selects where I/Q samples come from
type FrontendConfig struct {
	Type        string `yaml:"type"`         // wav, raw, tcp or rtp
	Path        string `yaml:"path"`         // wav/raw input file, "-" for stdin
	Address     string `yaml:"address"`      // tcp host:port or rtp group:port
	Interface   string `yaml:"interface"`    // rtp multicast interface
	SampleRate  int    `yaml:"sample_rate"`  // Required for raw, tcp and rtp
	SSRC        uint32 `yaml:"ssrc"`         // rtp stream filter, 0 accepts any
	Payload     string `yaml:"payload"`      // rtp payload: s16be or f32le
	Start       string `yaml:"start"`        // RFC 3339 time of the first sample (wav/raw replay)
	DialTimeout int    `yaml:"dial_timeout"` // tcp connect timeout in seconds (default: 10)

	start time.Time
}

// FFTConfig contains spectral processing settings
type FFTConfig struct {
	Bins         int     `yaml:"bins"`           // FFT size (default: 32768)
	Overlap      int     `yaml:"overlap"`        // Samples shared by consecutive windows (default: 24576)
	Window       string  `yaml:"window"`         // hann, hamming, blackman, blackmanharris, rectangular
	IQGain       float64 `yaml:"iq_gain"`        // Q branch gain correction
	IQPhaseShift int     `yaml:"iq_phase_shift"` // Q branch delay in samples
}

// BufferConfig contains spectrogram buffer sizing settings
type BufferConfig struct {
	SafetyFactor  float64 `yaml:"safety_factor"`   // Multiplier on the largest recorder request (default: 2.0)
	ChunkMB       int     `yaml:"chunk_mb"`        // Allocation chunk size in MiB (default: 64)
	MaxMemoryMB   int     `yaml:"max_memory_mb"`   // Refuse streams needing more, 0 = no limit
	SkipHostCheck bool    `yaml:"skip_host_check"` // Do not compare against available host memory
	Policy        string  `yaml:"overwrite_policy"` // detect (default) or refuse

	policy spectrogram.Policy
}

// StatusConfig contains the HTTP status server settings
type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`    // Listen address (default: :8080)
	WebSocket bool   `yaml:"websocket"` // Serve /ws/bolids live feed
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Enable/disable /metrics
	AllowedHosts []string `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics (empty = allow all)

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Metrics publishing interval in seconds, 0 disables metrics
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// CatalogConfig contains the SQLite event catalog settings
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Database file (default: bolids.db)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Station.Name == "" {
		c.Station.Name = "observer"
	}
	if c.Frontend.Type == "" {
		c.Frontend.Type = "wav"
	}
	if c.Frontend.Payload == "" {
		c.Frontend.Payload = frontend.PayloadS16BE
	}
	if c.Frontend.DialTimeout == 0 {
		c.Frontend.DialTimeout = 10
	}
	if c.FFT.Bins == 0 {
		c.FFT.Bins = 32768
		if c.FFT.Overlap == 0 {
			c.FFT.Overlap = 24576
		}
	}
	if c.FFT.Window == "" {
		c.FFT.Window = "hann"
	}
	if c.Buffer.SafetyFactor == 0 {
		c.Buffer.SafetyFactor = 2.0
	}
	if c.Buffer.ChunkMB == 0 {
		c.Buffer.ChunkMB = 64
	}
	if c.Buffer.Policy == "" {
		c.Buffer.Policy = spectrogram.PolicyDetect.String()
	}
	// A station without recorders still detects bolids
	if len(c.Recorders) == 0 {
		c.Recorders = []recorder.Options{{Type: "bolid", OutputDir: "bolids"}}
	}
	if c.Status.Listen == "" {
		c.Status.Listen = ":8080"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "radio_observer"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "bolids.db"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Frontend.Type {
	case "wav":
		if c.Frontend.Path == "" {
			return fmt.Errorf("frontend.path is required for wav input")
		}
	case "raw":
		if c.Frontend.Path == "" {
			return fmt.Errorf("frontend.path is required for raw input")
		}
	case "tcp", "rtp":
		if c.Frontend.Address == "" {
			return fmt.Errorf("frontend.address is required for %s input", c.Frontend.Type)
		}
	default:
		return fmt.Errorf("unknown frontend.type: %s", c.Frontend.Type)
	}
	if c.Frontend.Type != "wav" && c.Frontend.SampleRate <= 0 {
		return fmt.Errorf("frontend.sample_rate is required for %s input", c.Frontend.Type)
	}
	if c.Frontend.Payload != frontend.PayloadS16BE && c.Frontend.Payload != frontend.PayloadF32LE {
		return fmt.Errorf("unknown frontend.payload: %s", c.Frontend.Payload)
	}
	if c.Frontend.Start != "" {
		t, err := time.Parse(time.RFC3339Nano, c.Frontend.Start)
		if err != nil {
			return fmt.Errorf("invalid frontend.start: %w", err)
		}
		c.Frontend.start = t.UTC()
	}

	if c.FFT.Bins < 2 {
		return fmt.Errorf("fft.bins must be at least 2")
	}
	if c.FFT.Overlap < 0 || c.FFT.Overlap >= c.FFT.Bins {
		return fmt.Errorf("fft.overlap must be between 0 and fft.bins-1")
	}

	if c.Buffer.SafetyFactor < 1 {
		return fmt.Errorf("buffer.safety_factor must be at least 1")
	}
	if c.Buffer.ChunkMB < 0 || c.Buffer.MaxMemoryMB < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	policy, err := spectrogram.ParsePolicy(c.Buffer.Policy)
	if err != nil {
		return fmt.Errorf("invalid buffer.overwrite_policy: %w", err)
	}
	c.Buffer.policy = policy

	registry := recorder.DefaultRegistry()
	names := make(map[string]bool)
	for i, r := range c.Recorders {
		if !registry.Exists(r.Type) {
			return fmt.Errorf("recorders[%d]: unknown type %q", i, r.Type)
		}
		if _, err := fits.ParseCompression(r.Compression); err != nil {
			return fmt.Errorf("recorders[%d]: %w", i, err)
		}
		name := r.Name
		if name == "" {
			name = r.OutputType
		}
		if name != "" {
			if names[name] {
				return fmt.Errorf("recorders[%d]: duplicate name %q", i, name)
			}
			names[name] = true
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.PublishInterval < 0 {
			return fmt.Errorf("mqtt.publish_interval must not be negative")
		}
	}
	if c.Prometheus.Enabled && !c.Status.Enabled {
		return fmt.Errorf("prometheus requires the status server (status.enabled)")
	}
	return nil
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		ipStr = strings.TrimSpace(ipStr)
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		// Try parsing as a single IP address
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			ip, bits = ip.To4(), 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address may read /metrics
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range pc.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
