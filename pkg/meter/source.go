package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Reading is one sample of both cumulative counters. Export is zero when no
// export counter is configured.
type Reading struct {
	ImportKWH float64
	ExportKWH float64
	At        time.Time
}

// ErrUnavailable marks a tick where the upstream counters could not be read.
// The tick is skipped and retried on the next interval.
type ErrUnavailable struct {
	Entity string
	Reason string
}

func (e ErrUnavailable) Error() string {
	return fmt.Sprintf("reading %s unavailable: %s", e.Entity, e.Reason)
}

// Source reads the current raw counter values.
type Source interface {
	Read(ctx context.Context) (Reading, error)
	Close()
}

// SourceConfig selects and configures the meter source from flags.
type SourceConfig struct {
	kind string

	hassURL   string
	hassToken string

	mqttBroker   string
	mqttUsername string
	mqttPassword string
	importTopic  string
	exportTopic  string
}

// ConfiguredSource sets up flags for the meter source and returns the
// instance. It uses lflag to register command-line flags for configuration.
func ConfiguredSource() *SourceConfig {
	c := &SourceConfig{}
	kind := lflag.String("meter-source", "hass", "where to read the meter counters from (hass or mqtt)")
	hassURL := lflag.String("hass-url", "", "base URL of the Home Assistant instance")
	hassToken := lflag.String("hass-token", "", "long-lived access token for Home Assistant")
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	importTopic := lflag.String("mqtt-import-topic", "", "topic publishing the cumulative import counter")
	exportTopic := lflag.String("mqtt-export-topic", "", "topic publishing the cumulative export counter")
	lflag.Do(func() {
		c.kind = *kind
		c.hassURL = *hassURL
		c.hassToken = *hassToken
		c.mqttBroker = *broker
		c.mqttUsername = *username
		c.mqttPassword = *password
		c.importTopic = *importTopic
		c.exportTopic = *exportTopic
	})
	return c
}

// Validate ensures the configuration is valid.
func (c *SourceConfig) Validate() error {
	switch c.kind {
	case "hass":
		if c.hassURL == "" {
			return fmt.Errorf("hass-url is required for the hass meter source")
		}
		if _, err := url.Parse(c.hassURL); err != nil {
			return fmt.Errorf("failed to parse hass url (%s): %w", c.hassURL, err)
		}
		if c.hassToken == "" {
			return fmt.Errorf("hass-token is required for the hass meter source")
		}
	case "mqtt":
		if c.mqttBroker == "" {
			return fmt.Errorf("mqtt-broker is required for the mqtt meter source")
		}
		if c.importTopic == "" {
			return fmt.Errorf("mqtt-import-topic is required for the mqtt meter source")
		}
	default:
		return fmt.Errorf("unknown meter source: %s", c.kind)
	}
	return nil
}

// Source builds the configured source for the given entities.
func (c *SourceConfig) Source(importEntity, exportEntity string, client *http.Client) (Source, error) {
	switch c.kind {
	case "hass":
		return NewHassSource(c.hassURL, c.hassToken, importEntity, exportEntity, client), nil
	case "mqtt":
		return NewMQTTSource(MQTTOptions{
			Broker:      c.mqttBroker,
			Username:    c.mqttUsername,
			Password:    c.mqttPassword,
			ImportTopic: c.importTopic,
			ExportTopic: c.exportTopic,
		})
	}
	return nil, fmt.Errorf("unknown meter source: %s", c.kind)
}

// HassSource reads counter entities over the Home Assistant REST API.
type HassSource struct {
	baseURL      string
	token        string
	importEntity string
	exportEntity string
	client       *http.Client
}

// NewHassSource returns a source polling the given entities. exportEntity
// may be empty.
func NewHassSource(baseURL, token, importEntity, exportEntity string, client *http.Client) *HassSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HassSource{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		importEntity: importEntity,
		exportEntity: exportEntity,
		client:       client,
	}
}

type hassState struct {
	State string `json:"state"`
}

// Read fetches both counters. Any unavailable or non-numeric state skips the
// whole tick so import and export stay sampled together.
func (s *HassSource) Read(ctx context.Context) (Reading, error) {
	imp, err := s.readEntity(ctx, s.importEntity)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{ImportKWH: imp, At: time.Now()}
	if s.exportEntity != "" {
		exp, err := s.readEntity(ctx, s.exportEntity)
		if err != nil {
			return Reading{}, err
		}
		r.ExportKWH = exp
	}
	return r, nil
}

func (s *HassSource) readEntity(ctx context.Context, entity string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/api/states/"+url.PathEscape(entity), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch state for %s: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, ErrUnavailable{Entity: entity, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var st hassState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return 0, fmt.Errorf("failed to decode state for %s: %w", entity, err)
	}
	switch st.State {
	case "unavailable", "unknown", "":
		return 0, ErrUnavailable{Entity: entity, Reason: "state " + st.State}
	}
	v, err := strconv.ParseFloat(st.State, 64)
	if err != nil {
		return 0, ErrUnavailable{Entity: entity, Reason: "non-numeric state " + st.State}
	}
	return v, nil
}

// Close is a no-op for the REST source.
func (s *HassSource) Close() {}
