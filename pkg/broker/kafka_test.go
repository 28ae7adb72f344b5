package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/exchange"
	"github.com/uhyunpark/tradeledger/pkg/money"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaAlerterPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	a := &KafkaAlerter{writer: w, topic: "reconciliations"}

	p := ledger.Pending{
		ClientOrderID: "o1",
		AccountID:     "alice",
		Side:          exchange.Buy,
		Symbol:        "BTCUSDT",
		Quantity:      money.MustQuantity("0.5"),
		OrderRef:      "4242",
		Delta:         money.MustAmount("-15000.13"),
		Cause:         "store unavailable",
	}
	if err := a.Alert(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "alice" {
		t.Errorf("key = %s", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "o1" {
		t.Errorf("headers = %+v", msg.Headers)
	}

	var got Alert
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "reconciliation_failed" || got.Pending.OrderRef != "4242" || got.Pending.Delta != p.Delta {
		t.Errorf("alert = %+v", got)
	}

	var raw struct {
		Pending map[string]any `json:"pending"`
	}
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Pending["delta"] != "-15000.13" || raw.Pending["quantity"] != "0.5" {
		t.Errorf("amounts must travel as decimal strings: %s", msg.Value)
	}
}

func TestKafkaAlerterWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	a := &KafkaAlerter{writer: &fakeWriter{err: boom}, topic: "reconciliations"}
	if err := a.Alert(context.Background(), ledger.Pending{AccountID: "alice"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
