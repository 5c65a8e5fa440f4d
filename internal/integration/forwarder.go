// Package integration forwards node events to an HTTP webhook and an MQTT
// broker.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

const publishTimeout = 5 * time.Second

// Event types
const (
	EventDownlink = "rx"
	EventJoin     = "join"
)

// Publisher is the part of an MQTT client the forwarder uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Event is the document forwarded for every node event
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	DevEUI    string    `json:"devEUI"`
	DevAddr   string    `json:"devAddr,omitempty"`
	FCnt      uint32    `json:"fCnt,omitempty"`
	FPort     uint8     `json:"fPort,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Forwarder implements driver.DownlinkListener and driver.JoinListener
type Forwarder struct {
	devEUI string
	http   config.HTTPIntegrationConfig
	mqtt   config.MQTTIntegrationConfig

	httpClient *http.Client
	publisher  Publisher
	disconnect func()

	wg sync.WaitGroup
}

// NewForwarder connects to the MQTT broker when enabled
func NewForwarder(cfg config.IntegrationConfig, devEUI lorawan.EUI64) (*Forwarder, error) {
	f := newForwarder(cfg, devEUI, nil)
	if !cfg.MQTT.Enabled {
		return f, nil
	}

	client, err := connectMQTT(cfg.MQTT)
	if err != nil {
		return nil, err
	}
	f.publisher = client
	f.disconnect = func() { client.Disconnect(250) }
	return f, nil
}

func newForwarder(cfg config.IntegrationConfig, devEUI lorawan.EUI64, pub Publisher) *Forwarder {
	return &Forwarder{
		devEUI:     devEUI.String(),
		http:       cfg.HTTP,
		mqtt:       cfg.MQTT,
		httpClient: &http.Client{Timeout: cfg.HTTP.Timeout},
		publisher:  pub,
	}
}

// Enabled reports whether any target is configured
func (f *Forwarder) Enabled() bool {
	return f.http.Enabled || f.publisher != nil
}

// OnDownlink implements driver.DownlinkListener
func (f *Forwarder) OnDownlink(dl driver.Downlink) {
	f.forward(Event{
		Type:  EventDownlink,
		FCnt:  dl.FCnt,
		FPort: dl.Port,
		Data:  dl.Payload,
	})
}

// OnJoin implements driver.JoinListener
func (f *Forwarder) OnJoin(devAddr lorawan.DevAddr) {
	f.forward(Event{
		Type:    EventJoin,
		DevAddr: devAddr.String(),
	})
}

// Close waits for in-flight deliveries and disconnects from the broker
func (f *Forwarder) Close() {
	f.wg.Wait()
	if f.disconnect != nil {
		f.disconnect()
		log.Info().Str("broker", f.mqtt.BrokerURL).Msg("MQTT client disconnected")
	}
}

func (f *Forwarder) forward(ev Event) {
	ev.ID = uuid.NewString()
	ev.DevEUI = f.devEUI
	ev.Timestamp = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal forward data")
		return
	}

	// never block the caller
	if f.http.Enabled {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.forwardToHTTP(ev, data)
		}()
	}
	if f.publisher != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.forwardToMQTT(ev, data)
		}()
	}
}

func (f *Forwarder) forwardToHTTP(ev Event, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), f.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.http.Endpoint, bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.http.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("endpoint", f.http.Endpoint).
			Msg("Failed to forward event to HTTP")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", f.http.Endpoint).
			Str("event", ev.Type).
			Msg("HTTP forward failed")
		return
	}

	log.Debug().
		Str("devEUI", ev.DevEUI).
		Str("event", ev.Type).
		Str("endpoint", f.http.Endpoint).
		Msg("Event forwarded to HTTP")
}

func (f *Forwarder) forwardToMQTT(ev Event, data []byte) {
	topic := f.topic(ev.Type)

	token := f.publisher.Publish(topic, f.mqtt.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Msg("Failed to publish to MQTT")
		return
	}

	log.Debug().
		Str("devEUI", ev.DevEUI).
		Str("topic", topic).
		Msg("Event forwarded to MQTT")
}

func (f *Forwarder) topic(event string) string {
	topic := strings.ReplaceAll(f.mqtt.TopicPattern, "{dev_eui}", f.devEUI)
	return strings.ReplaceAll(topic, "{event}", event)
}

func connectMQTT(cfg config.MQTTIntegrationConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect MQTT broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect MQTT broker %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}
