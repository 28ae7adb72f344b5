package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
)

// messageWriter is the part of *kafka.Writer the alerter needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter publishes reconciliation failures so an operator or a repair
// job can pick them up. Messages are keyed by account id, which keeps every
// failure of one account in one partition, in order.
type KafkaAlerter struct {
	writer messageWriter
	topic  string
}

var _ ledger.Alerter = (*KafkaAlerter)(nil)

func NewKafkaAlerter(brokers []string, topic string) *KafkaAlerter {
	return &KafkaAlerter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

// Alert is the wire form of one reconciliation failure
type Alert struct {
	Type    string         `json:"type"`
	Pending ledger.Pending `json:"pending"`
}

func (a *KafkaAlerter) Alert(ctx context.Context, p ledger.Pending) error {
	value, err := json.Marshal(Alert{Type: string(ledger.EventReconciliationFailed), Pending: p})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	err = a.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.AccountID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "client_order_id", Value: []byte(p.ClientOrderID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert to %s: %w", a.topic, err)
	}
	return nil
}

func (a *KafkaAlerter) Close() error {
	return a.writer.Close()
}
