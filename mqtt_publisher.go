package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/radio_observer/events"
)

// MQTTPublisher publishes detected bolids and periodic metrics to a broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	station  StationConfig
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// BolidPayload is the message published for every detected bolid
type BolidPayload struct {
	Station  string       `json:"station"`
	Location string       `json:"location,omitempty"`
	Bolid    events.Bolid `json:"bolid"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "radio_observer_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	// Load CA certificate if provided
	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	// Load client certificate and key if provided
	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, station StationConfig, gatherer prometheus.Gatherer) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		station:  station,
		gatherer: gatherer,
	}, nil
}

// Subscribe publishes every bolid on bus. The listener runs on the producer
// goroutine, so the broker round trip happens in its own goroutine.
func (mp *MQTTPublisher) Subscribe(bus *events.Bus[events.Bolid]) {
	bus.Subscribe(mp.PublishBolid)
}

// PublishBolid publishes one event asynchronously
func (mp *MQTTPublisher) PublishBolid(ev events.Bolid) {
	data, err := json.Marshal(newBolidPayload(mp.station, ev))
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal bolid %s: %v", ev.ID, err)
		return
	}

	topic := mp.config.TopicPrefix + "/bolid"
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish bolid to %s: %v", topic, token.Error())
		} else if DebugMode {
			log.Printf("DEBUG: MQTT published bolid %s to %s", ev.ID, topic)
		}
	}()
}

func newBolidPayload(station StationConfig, ev events.Bolid) BolidPayload {
	return BolidPayload{Station: station.Name, Location: station.Location, Bolid: ev}
}

// StartPublisher starts the periodic metrics publisher
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	if mp.config.PublishInterval <= 0 || mp.gatherer == nil {
		return
	}
	go mp.startMetricsPublisher(ctx)
}

// startMetricsPublisher publishes aggregate metrics at the configured interval
func (mp *MQTTPublisher) startMetricsPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			return
		case <-ticker.C:
			mp.publishAllMetrics()
		}
	}
}

// publishAllMetrics gathers the registry and publishes one message per group
func (mp *MQTTPublisher) publishAllMetrics() {
	metricFamilies, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	for group, metrics := range groupMetrics(metricFamilies) {
		mp.publish(fmt.Sprintf("%s/%s", mp.config.TopicPrefix, group), MetricPayload{
			Timestamp: timestamp,
			Metrics:   metrics,
			Labels:    map[string]string{"station": mp.station.Name},
		})
	}
}

// groupMetrics sorts observer metrics into topics: per-recorder metrics go
// to recorder/<name>, per-store metrics to store/<name>, everything else
// prefixed observer_ to system and the remaining collectors to resources.
func groupMetrics(families []*dto.MetricFamily) map[string]map[string]float64 {
	groups := make(map[string]map[string]float64)
	add := func(group, name string, v float64) {
		if groups[group] == nil {
			groups[group] = make(map[string]float64)
		}
		groups[group][name] = v
	}

	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			short := strings.TrimPrefix(name, "observer_")
			switch {
			case labels["recorder"] != "":
				add("recorder/"+labels["recorder"], short, value)
			case labels["store"] != "":
				add("store/"+labels["store"], short, value)
			case strings.HasPrefix(name, "observer_"):
				add("system", short, value)
			case len(labels) == 0:
				add("resources", name, value)
			}
		}
	}
	return groups
}

func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect closes the broker connection
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
