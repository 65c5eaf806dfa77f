package light

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// shellyPayload is the JSON body of a Shelly colour bulb set command.
type shellyPayload struct {
	Turn       string `json:"turn"`
	Mode       string `json:"mode"`
	Red        int    `json:"red"`
	Green      int    `json:"green"`
	Blue       int    `json:"blue"`
	Gain       int    `json:"gain"`
	Brightness int    `json:"brightness"`
	White      int    `json:"white"`
	Temp       int    `json:"temp"`
	Effect     int    `json:"effect"`
	Transition int    `json:"transition"`
}

func payloadFor(turn string, c Color) shellyPayload {
	return shellyPayload{
		Turn:  turn,
		Mode:  "color",
		Red:   c.Red,
		Green: c.Green,
		Blue:  c.Blue,
		Gain:  c.Gain,
		White: c.White,
		Temp:  4750,
	}
}

// Publisher is the subset of [mqtt.Client] the MQTT sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// MQTTConfig configures [DialShellyMQTT].
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// Devices are the bulb IDs, e.g. "3494546E7D45".
	Devices []string

	// Timeout bounds connecting and each publish. Default: 2s.
	Timeout time.Duration
}

// ShellyMQTT publishes colour commands to Shelly bulbs over MQTT.
type ShellyMQTT struct {
	pub     Publisher
	devices []string
	timeout time.Duration
	close   func()
}

var _ Sink = (*ShellyMQTT)(nil)

// DialShellyMQTT connects to the broker and returns a sink for cfg.Devices.
func DialShellyMQTT(cfg MQTTConfig) (*ShellyMQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("light: mqtt: broker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	client := mqtt.NewClient(opts)

	tok := client.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("light: mqtt: connect to %s: timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("light: mqtt: connect to %s: %w", cfg.Broker, err)
	}
	s := NewShellyMQTT(client, cfg.Devices, cfg.Timeout)
	s.close = func() { client.Disconnect(250) }
	return s, nil
}

// NewShellyMQTT returns a sink publishing through pub.
func NewShellyMQTT(pub Publisher, devices []string, timeout time.Duration) *ShellyMQTT {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ShellyMQTT{pub: pub, devices: devices, timeout: timeout}
}

// Topic returns the set topic of a bulb.
func Topic(device string) string {
	return "shellies/shellycolorbulb-" + device + "/color/0/set"
}

// Name implements named.
func (s *ShellyMQTT) Name() string { return "shelly_mqtt" }

// Send implements [Sink].
func (s *ShellyMQTT) Send(_ context.Context, c Color) error {
	return s.publish(payloadFor("on", c))
}

// Off implements [Sink].
func (s *ShellyMQTT) Off(_ context.Context) error {
	return s.publish(payloadFor("off", Color{}))
}

func (s *ShellyMQTT) publish(p shellyPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("light: mqtt: encode: %w", err)
	}
	var errs []error
	for _, d := range s.devices {
		tok := s.pub.Publish(Topic(d), 0, false, body)
		if !tok.WaitTimeout(s.timeout) {
			errs = append(errs, fmt.Errorf("light: mqtt: publish %s: timed out", d))
			continue
		}
		if err := tok.Error(); err != nil {
			errs = append(errs, fmt.Errorf("light: mqtt: publish %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects a client opened by [DialShellyMQTT].
func (s *ShellyMQTT) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// ShellyHTTP drives a single Shelly bulb through its HTTP API.
type ShellyHTTP struct {
	base   string
	client *http.Client
}

var _ Sink = (*ShellyHTTP)(nil)

// HTTPOption configures a [ShellyHTTP].
type HTTPOption func(*ShellyHTTP)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *ShellyHTTP) { s.client = c }
}

// NewShellyHTTP returns a sink for the bulb at base, e.g. "http://10.0.0.7".
func NewShellyHTTP(base string, opts ...HTTPOption) *ShellyHTTP {
	s := &ShellyHTTP{
		base: strings.TrimRight(base, "/"),
		client: &http.Client{
			Timeout:   2 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements named.
func (s *ShellyHTTP) Name() string { return "shelly_http" }

// Send implements [Sink].
func (s *ShellyHTTP) Send(ctx context.Context, c Color) error {
	q := url.Values{}
	q.Set("turn", "on")
	q.Set("red", strconv.Itoa(c.Red))
	q.Set("green", strconv.Itoa(c.Green))
	q.Set("blue", strconv.Itoa(c.Blue))
	q.Set("white", strconv.Itoa(c.White))
	q.Set("gain", strconv.Itoa(c.Gain))
	return s.get(ctx, q)
}

// Off implements [Sink].
func (s *ShellyHTTP) Off(ctx context.Context) error {
	return s.get(ctx, url.Values{"turn": {"off"}})
}

func (s *ShellyHTTP) get(ctx context.Context, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/color/0?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("light: http: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("light: http: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("light: http: unexpected status %s", resp.Status)
	}
	return nil
}
