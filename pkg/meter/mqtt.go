package meter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT meter source.
type MQTTOptions struct {
	Broker      string
	Username    string
	Password    string
	ImportTopic string
	ExportTopic string
}

// MQTTSource subscribes to counter topics and serves the most recent
// retained values. Read fails until the first import message arrives.
type MQTTSource struct {
	client      mqtt.Client
	importTopic string
	exportTopic string

	mu        sync.Mutex
	importKWH float64
	exportKWH float64
	hasImport bool
	lastSeen  time.Time
}

// NewMQTTSource connects to the broker and subscribes to the counter topics.
func NewMQTTSource(o MQTTOptions) (*MQTTSource, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if o.ImportTopic == "" {
		return nil, fmt.Errorf("mqtt import topic is required")
	}

	s := &MQTTSource{importTopic: o.ImportTopic, exportTopic: o.ExportTopic}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", o.Broker))
	opts.SetClientID("tnbcalc")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		c.Subscribe(o.ImportTopic, 1, s.onImport)
		if o.ExportTopic != "" {
			c.Subscribe(o.ExportTopic, 1, s.onExport)
		}
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	return s, nil
}

func parsePayload(b []byte) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}

func (s *MQTTSource) onImport(_ mqtt.Client, m mqtt.Message) {
	v, err := parsePayload(m.Payload())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.importKWH = v
	s.hasImport = true
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *MQTTSource) onExport(_ mqtt.Client, m mqtt.Message) {
	v, err := parsePayload(m.Payload())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.exportKWH = v
	s.mu.Unlock()
}

// Read returns the most recent counter values seen on the topics.
func (s *MQTTSource) Read(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasImport {
		return Reading{}, ErrUnavailable{Entity: s.importTopic, Reason: "no message received yet"}
	}
	return Reading{ImportKWH: s.importKWH, ExportKWH: s.exportKWH, At: s.lastSeen}, nil
}

// Close disconnects from the MQTT broker.
func (s *MQTTSource) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
