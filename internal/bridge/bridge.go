// Package bridge connects the driver to NATS. Downlinks and joins are
// published under lora.<deveui>, uplink requests are taken from
// lora.<deveui>.tx.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Conn is the part of *nats.Conn used by the bridge
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Sender starts uplinks
type Sender interface {
	Send(ctx context.Context, qos driver.QoS, port uint8, data []byte) error
}

// DownlinkMessage is published for every downlink
type DownlinkMessage struct {
	ID         string    `json:"id"`
	DevEUI     string    `json:"devEUI"`
	FCnt       uint32    `json:"fCnt"`
	FPort      uint8     `json:"fPort"`
	Data       []byte    `json:"data,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// JoinMessage is published after a successful join
type JoinMessage struct {
	ID       string    `json:"id"`
	DevEUI   string    `json:"devEUI"`
	DevAddr  string    `json:"devAddr"`
	JoinedAt time.Time `json:"joinedAt"`
}

// UplinkRequest asks the node to transmit
type UplinkRequest struct {
	FPort     uint8  `json:"fPort"`
	Data      []byte `json:"data"`
	Confirmed bool   `json:"confirmed"`
}

// UplinkResult answers an UplinkRequest that carried a reply subject
type UplinkResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Bridge publishes driver events and feeds uplink requests to the driver
type Bridge struct {
	nc     Conn
	devEUI string
	prefix string
	sender Sender
	subs   []*nats.Subscription
}

// New creates a bridge for one device
func New(nc Conn, devEUI lorawan.EUI64) *Bridge {
	eui := devEUI.String()
	return &Bridge{
		nc:     nc,
		devEUI: eui,
		prefix: "lora." + eui,
	}
}

// Subject returns the subject for kind (rx, join, tx)
func (b *Bridge) Subject(kind string) string {
	return b.prefix + "." + kind
}

// Start subscribes to uplink requests and blocks until ctx is done
func (b *Bridge) Start(ctx context.Context, sender Sender) error {
	b.sender = sender

	sub, err := b.nc.Subscribe(b.Subject("tx"), func(msg *nats.Msg) {
		b.handleUplinkRequest(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe uplink requests: %w", err)
	}
	b.subs = append(b.subs, sub)

	log.Info().
		Str("subject", b.Subject("tx")).
		Int("subscriptions", len(b.subs)).
		Msg("NATS bridge started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil

	return ctx.Err()
}

// OnDownlink implements driver.DownlinkListener
func (b *Bridge) OnDownlink(dl driver.Downlink) {
	msg := DownlinkMessage{
		ID:         uuid.NewString(),
		DevEUI:     b.devEUI,
		FCnt:       dl.FCnt,
		FPort:      dl.Port,
		Data:       dl.Payload,
		ReceivedAt: time.Now().UTC(),
	}
	b.publish(b.Subject("rx"), msg)

	log.Info().
		Str("devEUI", b.devEUI).
		Uint32("fCnt", dl.FCnt).
		Uint8("fPort", dl.Port).
		Int("dataLen", len(dl.Payload)).
		Msg("Downlink published")
}

// OnJoin implements driver.JoinListener
func (b *Bridge) OnJoin(devAddr lorawan.DevAddr) {
	msg := JoinMessage{
		ID:       uuid.NewString(),
		DevEUI:   b.devEUI,
		DevAddr:  devAddr.String(),
		JoinedAt: time.Now().UTC(),
	}
	b.publish(b.Subject("join"), msg)
}

func (b *Bridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal message")
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish")
	}
}

func (b *Bridge) handleUplinkRequest(ctx context.Context, msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received uplink request")

	result := UplinkResult{ID: uuid.NewString()}

	var req UplinkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal uplink request")
		result.Error = err.Error()
		b.reply(msg, result)
		return
	}

	qos := driver.Unconfirmed
	if req.Confirmed {
		qos = driver.Confirmed
	}
	if err := b.sender.Send(ctx, qos, req.FPort, req.Data); err != nil {
		log.Error().Err(err).Uint8("fPort", req.FPort).Msg("Uplink request failed")
		result.Error = err.Error()
	} else {
		log.Info().
			Str("devEUI", b.devEUI).
			Uint8("fPort", req.FPort).
			Int("dataLen", len(req.Data)).
			Bool("confirmed", req.Confirmed).
			Msg("Uplink request accepted")
	}
	b.reply(msg, result)
}

func (b *Bridge) reply(msg *nats.Msg, result UplinkResult) {
	if msg.Reply == "" {
		return
	}
	b.publish(msg.Reply, result)
}
