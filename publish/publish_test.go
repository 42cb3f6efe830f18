package publish

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/dci"
	"github.com/gebegb3j/falcon/phy"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeClient records publications; other mqtt.Client methods are not used.
type fakeClient struct {
	mqtt.Client
	connected bool
	err       error
	topics    []string
	payloads  []string
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload.([]byte)))
	return doneToken{err: f.err}
}

func sampleCollection() *dci.Collection {
	c := dci.NewCollection()
	c.SetTimestamp(time.UnixMilli(1700000000123))
	c.SetSubframe(512, 3, 2)
	c.Add(dci.Candidate{
		RNTI:    0x1234,
		Match:   phy.MatchExact,
		Message: phy.Message{Format: phy.Format1A, NBits: 8, Payload: []byte{0xAB}, Allocation: phy.AllocationRange(0, 4)},
	}, dci.Location{L: 2, NCCE: 8}, 5)
	c.Add(dci.Candidate{
		RNTI:    0x4321,
		Match:   phy.MatchExact,
		Message: phy.Message{Format: phy.Format0, Allocation: phy.AllocationRange(10, 2)},
	}, dci.Location{L: 1, NCCE: 2}, 0)
	return c
}

func TestBuildSplitsByDirection(t *testing.T) {
	msgs := Build(sampleCollection())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	dl, ul := msgs[0], msgs[1]
	if dl.Direction != "dl" || ul.Direction != "ul" {
		t.Fatalf("expected downlink first, got %s/%s", dl.Direction, ul.Direction)
	}
	if dl.SFN != 512 || dl.Subframe != 3 || dl.CFI != 2 || dl.Timestamp != 1700000000123 {
		t.Fatalf("unexpected header %+v", dl)
	}
	item := dl.DCI[0]
	if item.RNTI != "0x1234" || item.Format != "1A" || item.PRB != "0-3" || item.NPRB != 4 || item.Payload != "ab" {
		t.Fatalf("unexpected item %+v", item)
	}
	if len(Build(dci.NewCollection())) != 0 {
		t.Fatalf("expected no messages for an empty collection")
	}
}

func TestEncodeFieldNames(t *testing.T) {
	data, err := Encode(Build(sampleCollection())[1])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"dir":"ul"`, `"rnti":"0x4321"`, `"fmt":"0"`, `"l":1`, `"prb":"10-11"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in %s", want, text)
		}
	}
	if strings.Contains(text, "collision") || strings.Contains(text, "payload") || strings.Contains(text, "freq") {
		t.Fatalf("expected empty optional fields omitted: %s", text)
	}
}

func TestPublishTopicsAndCounters(t *testing.T) {
	fc := &fakeClient{connected: true}
	p := newPublisher(fc, config.MQTTConfig{Topic: "falcon/dci/"})
	if err := p.Publish(sampleCollection()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fc.topics) != 2 || fc.topics[0] != "falcon/dci/dl" || fc.topics[1] != "falcon/dci/ul" {
		t.Fatalf("unexpected topics %v", fc.topics)
	}
	if p.Published() != 2 || p.Failed() != 0 {
		t.Fatalf("expected 2 published, got %d/%d", p.Published(), p.Failed())
	}

	fc.err = errors.New("broker said no")
	if err := p.Publish(sampleCollection()); err == nil {
		t.Fatalf("expected token error")
	}
	if p.Failed() != 2 {
		t.Fatalf("expected 2 failures, got %d", p.Failed())
	}

	fc.connected = false
	if err := p.Publish(sampleCollection()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	var nilPub *Publisher
	if nilPub.Publish(sampleCollection()) != nil || nilPub.Published() != 0 {
		t.Fatalf("nil publisher must be a no-op")
	}
	nilPub.Close()
}

func TestClientIDPrefix(t *testing.T) {
	id := clientID("")
	if !strings.HasPrefix(id, "falcon-") || len(id) != len("falcon-")+8 {
		t.Fatalf("unexpected client id %q", id)
	}
	if !strings.HasPrefix(clientID("lab"), "lab-") {
		t.Fatalf("expected custom prefix")
	}
}
