package app

import (
	"context"
	"log"
	"time"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher relays emitted records to the events exchange.
type OutboxDispatcher struct {
	repo                store.Store
	producer            rabbitmq.Publisher
	exchange            string
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
}

func NewOutboxDispatcher(repo store.Store, producer rabbitmq.Publisher, exchange string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		producer:            producer,
		exchange:            exchange,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"outbox flush error\" err=%v", err)
			}
		}
	}
}

// flushOnce relays one batch and returns how many records were published.
func (d *OutboxDispatcher) flushOnce(ctx context.Context) (int, error) {
	events, err := d.repo.ClaimOutboxEvents(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := d.publish(ctx, event); err != nil {
			retryAfter := retryDelaySeconds(event.Attempts)
			log.Printf("level=warn component=outbox msg=\"publish failed\" event_id=%s kind=%s attempts=%d retry_after=%d err=%v", event.ID, event.Kind, event.Attempts, retryAfter, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, event.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox msg=\"failed to mark event failed\" event_id=%s err=%v", event.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, event.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark event published\" event_id=%s err=%v", event.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, event domain.OutboxEvent) error {
	return d.producer.Publish(ctx, d.exchange, event.RoutingKey(), event.Event)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
