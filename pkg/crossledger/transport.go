/**
 * @description
 * This package implements the fee and message transport used for cross-ledger
 * settlement. Outbound payloads are wrapped in an Envelope carrying the local
 * ledger's selector and sender identity, assigned a message id, and handed to a
 * broker Publisher. Acknowledgements travel back the same way.
 */
package crossledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/pkg/kafkabus"
	"github.com/proofpay/settlement-service/pkg/rabbitmq"
)

// Envelope is what travels between ledgers.
type Envelope struct {
	MessageID      string    `json:"message_id"`
	OriginSelector string    `json:"origin_selector"`
	OriginSender   string    `json:"origin_sender"`
	Destination    string    `json:"destination"`
	Payload        []byte    `json:"payload"`
	SentAt         time.Time `json:"sent_at"`
}

// AckEnvelope reports the outcome of an inbound message back to its origin ledger.
type AckEnvelope struct {
	MessageID   string    `json:"message_id"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	OK          string    `json:"ok,omitempty"`
	Error       string    `json:"error,omitempty"`
	AckedAt     time.Time `json:"acked_at"`
}

// FeeQuoter prices a dispatch.
type FeeQuoter interface {
	QuoteFee(ctx context.Context, destination string, payload []byte) (int64, error)
}

// Publisher hands envelopes to a broker.
type Publisher interface {
	PublishEnvelope(ctx context.Context, envelope Envelope) error
	PublishAck(ctx context.Context, ack AckEnvelope) error
}

// Transport quotes and dispatches cross-ledger messages.
type Transport struct {
	quoter         FeeQuoter
	publisher      Publisher
	originSelector string
	originSender   string
	now            func() time.Time
	newID          func() string
}

func NewTransport(quoter FeeQuoter, publisher Publisher, originSelector, originSender string) *Transport {
	return &Transport{
		quoter:         quoter,
		publisher:      publisher,
		originSelector: strings.TrimSpace(originSelector),
		originSender:   strings.TrimSpace(originSender),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

func (t *Transport) QuoteFee(ctx context.Context, destination string, payload []byte) (int64, error) {
	return t.quoter.QuoteFee(ctx, destination, payload)
}

// Dispatch publishes payload to destination and returns the assigned message id.
func (t *Transport) Dispatch(ctx context.Context, destination string, payload []byte) (string, error) {
	envelope := Envelope{
		MessageID:      t.newID(),
		OriginSelector: t.originSelector,
		OriginSender:   t.originSender,
		Destination:    destination,
		Payload:        payload,
		SentAt:         t.now().UTC(),
	}
	if err := t.publisher.PublishEnvelope(ctx, envelope); err != nil {
		return "", fmt.Errorf("dispatch to %s: %w", destination, err)
	}
	return envelope.MessageID, nil
}

// MessageRoutingKey is the RabbitMQ routing key for envelopes addressed to selector.
func MessageRoutingKey(selector string) string {
	return "crossledger.message." + selector
}

// AckRoutingKey is the RabbitMQ routing key for acks returning to selector.
func AckRoutingKey(selector string) string {
	return "crossledger.ack." + selector
}

// MessageTopic is the Kafka topic for envelopes addressed to selector.
func MessageTopic(prefix, selector string) string {
	return fmt.Sprintf("%s.message.%s", prefix, selector)
}

// AckTopic is the Kafka topic for acks returning to selector.
func AckTopic(prefix, selector string) string {
	return fmt.Sprintf("%s.ack.%s", prefix, selector)
}

// RabbitPublisher routes envelopes through a RabbitMQ topic exchange.
type RabbitPublisher struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewRabbitPublisher(producer rabbitmq.Publisher, exchange string) *RabbitPublisher {
	return &RabbitPublisher{producer: producer, exchange: exchange}
}

func (p *RabbitPublisher) PublishEnvelope(ctx context.Context, envelope Envelope) error {
	return p.producer.Publish(ctx, p.exchange, MessageRoutingKey(envelope.Destination), envelope)
}

func (p *RabbitPublisher) PublishAck(ctx context.Context, ack AckEnvelope) error {
	return p.producer.Publish(ctx, p.exchange, AckRoutingKey(ack.Origin), ack)
}

// KafkaPublisher routes envelopes to per-ledger Kafka topics keyed by message id.
type KafkaPublisher struct {
	bus    *kafkabus.Bus
	prefix string
}

func NewKafkaPublisher(bus *kafkabus.Bus, prefix string) *KafkaPublisher {
	return &KafkaPublisher{bus: bus, prefix: prefix}
}

func (p *KafkaPublisher) PublishEnvelope(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, MessageTopic(p.prefix, envelope.Destination), []byte(envelope.MessageID), body)
}

func (p *KafkaPublisher) PublishAck(ctx context.Context, ack AckEnvelope) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, AckTopic(p.prefix, ack.Origin), []byte(ack.MessageID), body)
}
