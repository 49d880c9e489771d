package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/proofpay/settlement-service/internal/domain"
)

// GetPayment fetches a payment by id.
func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidArgument("payment id is required")
	}
	payment, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return payment, nil
}

// ListPartyPayments returns the ids of every payment party took part in, oldest first.
func (s *Service) ListPartyPayments(ctx context.Context, party string) ([]string, error) {
	if strings.TrimSpace(party) == "" {
		return nil, invalidArgument("party is required")
	}
	return s.store.ListPartyPaymentIDs(ctx, party)
}

// GetPendingBalance returns the amount escrowed for party across its pending payments.
func (s *Service) GetPendingBalance(ctx context.Context, party string) (domain.PendingBalance, error) {
	if strings.TrimSpace(party) == "" {
		return domain.PendingBalance{}, invalidArgument("party is required")
	}
	amount, err := s.store.GetPendingBalance(ctx, party)
	if err != nil {
		return domain.PendingBalance{}, err
	}
	return domain.PendingBalance{Party: party, Amount: amount}, nil
}

// ListEvents returns emitted records matching filter.
func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	if filter.AfterSequence < 0 {
		return nil, invalidArgument("after_sequence cannot be negative")
	}
	return s.store.ListEvents(ctx, filter)
}

// SettledInboundPayment returns the id of the payment that settled an inbound
// message, or ErrNotFound when the message was never settled here.
func (s *Service) SettledInboundPayment(ctx context.Context, messageID string) (string, error) {
	if strings.TrimSpace(messageID) == "" {
		return "", invalidArgument("message id is required")
	}
	received, err := s.store.ListEvents(ctx, domain.EventFilter{MessageID: messageID, Kind: domain.EventCrossLedgerReceived, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(received) == 0 {
		return "", fmt.Errorf("%w: no settled message %s", ErrNotFound, messageID)
	}
	return received[0].PaymentID, nil
}

func (s *Service) GetStats(ctx context.Context) (domain.Stats, error) {
	return s.store.GetStats(ctx)
}

// IsAuthorized exposes the authorization predicate the engine uses.
func (s *Service) IsAuthorized(ctx context.Context, principal, actor string) (bool, error) {
	return s.authorizer.IsAuthorized(ctx, principal, actor)
}
