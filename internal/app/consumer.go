package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/pkg/crossledger"
)

// AckPublisher returns acknowledgements to the ledger a message came from.
type AckPublisher interface {
	PublishAck(ctx context.Context, ack crossledger.AckEnvelope) error
}

// CrossLedgerConsumer feeds inbound envelopes from the broker into the engine.
type CrossLedgerConsumer struct {
	service       *Service
	acks          AckPublisher
	localSelector string
}

func NewCrossLedgerConsumer(service *Service, acks AckPublisher, localSelector string) *CrossLedgerConsumer {
	return &CrossLedgerConsumer{service: service, acks: acks, localSelector: strings.TrimSpace(localSelector)}
}

// HandleMessage returns false only for failures worth redelivering. Rejections
// by the engine are final and are answered with a failed ack. A redelivered
// message that already settled is answered with a success ack again, since the
// first ack may never have reached the origin.
func (c *CrossLedgerConsumer) HandleMessage(body []byte) bool {
	var envelope crossledger.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Printf("level=warn component=crossledger_consumer msg=\"failed to unmarshal envelope\" err=%v", err)
		return true
	}
	if envelope.MessageID == "" {
		log.Printf("level=warn component=crossledger_consumer msg=\"envelope missing message id\" origin=%s", envelope.OriginSelector)
		return true
	}
	if c.localSelector != "" && envelope.Destination != c.localSelector {
		log.Printf("level=warn component=crossledger_consumer msg=\"envelope addressed to another ledger\" message_id=%s destination=%s", envelope.MessageID, envelope.Destination)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ack := domain.AckSuccess()
	_, err := c.service.ReceiveCrossLedgerMessage(ctx, envelope.MessageID, envelope.OriginSelector, envelope.OriginSender, envelope.Payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrReplayedMessage):
		log.Printf("level=info component=crossledger_consumer msg=\"redelivered message already settled; re-acking\" message_id=%s origin=%s", envelope.MessageID, envelope.OriginSelector)
	case IsDomainError(err):
		ack = domain.AckFailure(err)
	default:
		log.Printf("level=error component=crossledger_consumer msg=\"processing error; requeueing\" message_id=%s err=%v", envelope.MessageID, err)
		return false
	}

	c.publishAck(ctx, envelope, ack)
	return true
}

func (c *CrossLedgerConsumer) publishAck(ctx context.Context, envelope crossledger.Envelope, ack domain.Ack) {
	if c.acks == nil || envelope.OriginSelector == "" {
		return
	}
	err := c.acks.PublishAck(ctx, crossledger.AckEnvelope{
		MessageID:   envelope.MessageID,
		Origin:      envelope.OriginSelector,
		Destination: c.localSelector,
		OK:          ack.OK,
		Error:       ack.Error,
		AckedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=error component=crossledger_consumer msg=\"failed to publish ack\" message_id=%s origin=%s err=%v", envelope.MessageID, envelope.OriginSelector, err)
	}
}

// AckConsumer records acknowledgements for messages this ledger sent.
type AckConsumer struct {
	service *Service
}

func NewAckConsumer(service *Service) *AckConsumer {
	return &AckConsumer{service: service}
}

func (c *AckConsumer) HandleMessage(body []byte) bool {
	var envelope crossledger.AckEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Printf("level=warn component=ack_consumer msg=\"failed to unmarshal ack\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.service.AcknowledgeCrossLedgerMessage(ctx, envelope.MessageID, domain.Ack{OK: envelope.OK, Error: envelope.Error})
	if err == nil {
		return true
	}
	if IsDomainError(err) {
		log.Printf("level=warn component=ack_consumer msg=\"ack ignored\" message_id=%s kind=%s err=%v", envelope.MessageID, ErrorKind(err), err)
		return true
	}
	log.Printf("level=error component=ack_consumer msg=\"processing error; requeueing\" message_id=%s err=%v", envelope.MessageID, err)
	return false
}
