// Package publish sends each subframe's accepted DCIs to an MQTT broker as JSON.
//
// Topic layout:
//
//	{topic}/dl  downlink grants and assignments
//	{topic}/ul  uplink grants
//
// One message per direction per subframe; empty directions are not published.
// The search loop is never blocked for longer than the publish timeout, and a
// disconnected client drops messages instead of queueing them.
package publish

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/dci"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const publishTimeout = 2 * time.Second

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("publish: not connected")

// Message is the JSON body of one publication.
type Message struct {
	Timestamp int64  `json:"ts"` // unix milliseconds
	SFN       uint32 `json:"sfn"`
	Subframe  uint32 `json:"sf"`
	CFI       uint32 `json:"cfi"`
	Direction string `json:"dir"`
	Collision bool   `json:"collision,omitempty"`
	DCI       []Item `json:"dci"`
}

// Item is one accepted DCI in compact form.
type Item struct {
	RNTI        string `json:"rnti"`
	Format      string `json:"fmt"`
	NCCE        uint32 `json:"ncce"`
	L           uint32 `json:"l"`
	Frequency   uint32 `json:"freq,omitempty"`
	PRB         string `json:"prb,omitempty"`
	NPRB        int    `json:"nprb"`
	NBits       int    `json:"nbits"`
	Payload     string `json:"payload,omitempty"`
	Fingerprint string `json:"fp"`
}

// Build turns a finished collection into at most two messages, downlink first.
func Build(coll *dci.Collection) []Message {
	ts, sfn, sfIdx, cfi := coll.Subframe()
	base := Message{
		Timestamp: ts.UnixMilli(),
		SFN:       sfn,
		Subframe:  sfIdx,
		CFI:       cfi,
	}
	var out []Message
	if dl := coll.Downlink(); len(dl) > 0 {
		m := base
		m.Direction = "dl"
		m.Collision = coll.HasCollisionDL()
		m.DCI = items(dl)
		out = append(out, m)
	}
	if ul := coll.Uplink(); len(ul) > 0 {
		m := base
		m.Direction = "ul"
		m.Collision = coll.HasCollisionUL()
		m.DCI = items(ul)
		out = append(out, m)
	}
	return out
}

func items(entries []dci.Entry) []Item {
	out := make([]Item, 0, len(entries))
	for _, e := range entries {
		out = append(out, Item{
			RNTI:        fmt.Sprintf("0x%04x", e.RNTI),
			Format:      e.Format.String(),
			NCCE:        e.NCCE,
			L:           e.L,
			Frequency:   e.Frequency,
			PRB:         e.Allocation.String(),
			NPRB:        e.Allocation.Count(),
			NBits:       e.NBits,
			Payload:     hex.EncodeToString(e.Payload),
			Fingerprint: fmt.Sprintf("%016x", e.Fingerprint),
		})
	}
	return out
}

// Encode renders a message as JSON.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Publisher owns the MQTT connection.
type Publisher struct {
	client    mqtt.Client
	topic     string
	qos       byte
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher connects to cfg.Broker. The client reconnects on its own after
// the first successful connection.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID(cfg.ClientIDPrefix))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("publish: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("publish: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("publish: connect %s: %w", cfg.Broker, token.Error())
	}
	return newPublisher(client, cfg), nil
}

func newPublisher(client mqtt.Client, cfg config.MQTTConfig) *Publisher {
	return &Publisher{
		client: client,
		topic:  strings.TrimSuffix(cfg.Topic, "/"),
		qos:    cfg.QoS,
	}
}

func clientID(prefix string) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = "falcon"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Publish sends the collection's messages. A nil publisher does nothing.
func (p *Publisher) Publish(coll *dci.Collection) error {
	if p == nil {
		return nil
	}
	msgs := Build(coll)
	if len(msgs) == 0 {
		return nil
	}
	if !p.client.IsConnected() {
		p.failed.Add(uint64(len(msgs)))
		return ErrNotConnected
	}
	var firstErr error
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			p.failed.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish: encode: %w", err)
			}
			continue
		}
		token := p.client.Publish(p.topic+"/"+m.Direction, p.qos, false, data)
		if !token.WaitTimeout(publishTimeout) {
			p.failed.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish: %s/%s timed out", p.topic, m.Direction)
			}
			continue
		}
		if err := token.Error(); err != nil {
			p.failed.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish: %s/%s: %w", p.topic, m.Direction, err)
			}
			continue
		}
		p.published.Add(1)
	}
	return firstErr
}

// Published returns how many messages the broker accepted.
func (p *Publisher) Published() uint64 {
	if p == nil {
		return 0
	}
	return p.published.Load()
}

// Failed returns how many messages were dropped.
func (p *Publisher) Failed() uint64 {
	if p == nil {
		return 0
	}
	return p.failed.Load()
}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
