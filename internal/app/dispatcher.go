package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/pkg/metrics"
)

// SendCrossLedgerPayment escrows the amount locally and dispatches a settlement
// payload to an allowlisted destination ledger. Dispatch is the last step, so a
// failure anywhere before it leaves no escrow and sends nothing.
func (s *Service) SendCrossLedgerPayment(ctx context.Context, caller string, req domain.SendCrossLedgerRequest) (*domain.SendCrossLedgerResult, error) {
	var result *domain.SendCrossLedgerResult
	err := s.execute(ctx, "send_cross_ledger_payment", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		destination := strings.TrimSpace(req.Destination)
		if destination == "" {
			return invalidArgument("destination is required")
		}
		allowed, err := uow.tx.IsDestinationAllowed(ctx, destination)
		if err != nil {
			return fmt.Errorf("check destination: %w", err)
		}
		if !allowed {
			return fmt.Errorf("%w: destination %s is not allowlisted", ErrUntrustedOrigin, destination)
		}
		recipient := strings.TrimSpace(req.Recipient)
		if recipient == "" {
			return invalidArgument("recipient is required")
		}
		if req.Amount <= 0 {
			return invalidArgument("amount must be positive")
		}
		if len(req.Description) > domain.MaxDescriptionLength {
			return invalidArgument("description exceeds %d bytes", domain.MaxDescriptionLength)
		}
		if len(req.Proof) > domain.MaxProofSize {
			return invalidArgument("proof exceeds %d bytes", domain.MaxProofSize)
		}
		if s.transport == nil {
			return invalidState("cross-ledger transport is not configured")
		}

		payload, err := domain.SettlementPayload{
			Sender:      caller,
			Recipient:   recipient,
			Amount:      req.Amount,
			Asset:       req.Asset,
			ProofData:   req.Proof,
			Description: req.Description,
		}.Encode()
		if err != nil {
			return fmt.Errorf("encode settlement payload: %w", err)
		}

		fee, err := s.transport.QuoteFee(ctx, destination, payload)
		if err != nil {
			return fmt.Errorf("quote dispatch fee: %w", err)
		}
		if fee < 0 {
			return fmt.Errorf("fee oracle returned negative fee %d", fee)
		}
		if fee > 0 {
			if err := uow.spendFromCustody(ctx, s.cfg.FeeAsset, fee, "dispatch fee"); err != nil {
				return err
			}
		}

		// The amount stays in custody backing the credit on the destination ledger.
		if err := uow.pullFunds(ctx, caller, req.Asset, req.Amount); err != nil {
			return err
		}
		if err := uow.lockEscrow(ctx, req.Asset, req.Amount); err != nil {
			return err
		}
		if fee > 0 && s.cfg.FeeCollector != "" {
			if err := uow.releaseFunds(ctx, s.cfg.FeeCollector, s.cfg.FeeAsset, fee); err != nil {
				return fmt.Errorf("pay dispatch fee: %w", err)
			}
		}

		messageID, err := s.transport.Dispatch(ctx, destination, payload)
		if err != nil {
			return fmt.Errorf("dispatch settlement message: %w", err)
		}

		if _, err := uow.emit(ctx, domain.Event{
			Kind:      domain.EventCrossLedgerSent,
			MessageID: messageID,
			Actor:     caller,
			Attributes: map[string]string{
				"destination": destination,
				"recipient":   recipient,
				"amount":      strconv.FormatInt(req.Amount, 10),
				"asset":       req.Asset,
				"fee":         strconv.FormatInt(fee, 10),
			},
		}); err != nil {
			log.Printf("level=error component=dispatcher msg=\"message dispatched but sent record failed\" message_id=%s destination=%s err=%v", messageID, destination, err)
			return err
		}

		result = &domain.SendCrossLedgerResult{MessageID: messageID, Fee: fee}
		return nil
	})
	metrics.IncCrossLedger("outbound", ErrorKind(err))
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=dispatcher msg=\"cross-ledger payment sent\" message_id=%s destination=%s amount=%d fee=%d", result.MessageID, req.Destination, req.Amount, result.Fee)
	return result, nil
}

// ReceiveCrossLedgerMessage settles an inbound message from another ledger.
//
// The message id is recorded as processed first, then the origin is checked,
// the payload decoded and the recipient credited. All of it is one unit of work:
// a rejection rolls the marker back with everything else, while an id that was
// already committed is rejected as a replay without any effect.
func (s *Service) ReceiveCrossLedgerMessage(ctx context.Context, messageID, originSelector, originSender string, payload []byte) (*domain.Payment, error) {
	var credited *domain.Payment
	err := s.execute(ctx, "receive_cross_ledger_message", func(ctx context.Context, uow *unitOfWork) error {
		if strings.TrimSpace(messageID) == "" {
			return invalidArgument("message id is required")
		}

		inserted, err := uow.tx.MarkMessageProcessed(ctx, messageID)
		if err != nil {
			return fmt.Errorf("record processed message: %w", err)
		}
		if !inserted {
			return fmt.Errorf("%w: message %s was already processed", ErrReplayedMessage, messageID)
		}

		allowed, err := uow.tx.IsDestinationAllowed(ctx, originSelector)
		if err != nil {
			return fmt.Errorf("check origin ledger: %w", err)
		}
		if !allowed {
			return fmt.Errorf("%w: origin ledger %q is not allowlisted", ErrUntrustedOrigin, originSelector)
		}
		trusted, err := uow.tx.IsTrustedOrigin(ctx, originSender)
		if err != nil {
			return fmt.Errorf("check origin sender: %w", err)
		}
		if !trusted {
			return fmt.Errorf("%w: origin sender %q is not trusted", ErrUntrustedOrigin, originSender)
		}

		decoded, err := domain.DecodeSettlementPayload(payload)
		if err != nil {
			return invalidArgument("%v", err)
		}

		payment, err := s.creditDirect(ctx, uow, messageID, decoded)
		if err != nil {
			return err
		}

		if _, err := uow.emit(ctx, domain.Event{
			Kind:      domain.EventCrossLedgerReceived,
			PaymentID: payment.ID,
			MessageID: messageID,
			Actor:     originSender,
			Attributes: map[string]string{
				"origin_selector": originSelector,
				"origin_sender":   originSender,
				"sender":          decoded.Sender,
				"recipient":       decoded.Recipient,
				"amount":          strconv.FormatInt(decoded.Amount, 10),
				"asset":           decoded.Asset,
			},
		}); err != nil {
			return err
		}
		credited = payment
		return nil
	})
	metrics.IncCrossLedger("inbound", ErrorKind(err))
	if err != nil {
		log.Printf("level=warn component=dispatcher msg=\"inbound message rejected\" message_id=%s origin=%s sender=%s kind=%s err=%v", messageID, originSelector, originSender, ErrorKind(err), err)
		return nil, err
	}

	log.Printf("level=info component=dispatcher msg=\"inbound message settled\" message_id=%s payment_id=%s recipient=%s amount=%d", messageID, credited.ID, credited.Recipient, credited.Amount)
	return credited, nil
}

// AcknowledgeCrossLedgerMessage records the destination's ack for a message this
// ledger sent. A failed ack is recorded and logged; the escrowed amount stays put.
func (s *Service) AcknowledgeCrossLedgerMessage(ctx context.Context, messageID string, ack domain.Ack) error {
	err := s.execute(ctx, "acknowledge_cross_ledger_message", func(ctx context.Context, uow *unitOfWork) error {
		if strings.TrimSpace(messageID) == "" {
			return invalidArgument("message id is required")
		}
		sent, err := uow.tx.ListEvents(ctx, domain.EventFilter{MessageID: messageID, Kind: domain.EventCrossLedgerSent, Limit: 1})
		if err != nil {
			return fmt.Errorf("look up sent message: %w", err)
		}
		if len(sent) == 0 {
			return fmt.Errorf("%w: no sent message %s", ErrNotFound, messageID)
		}
		acked, err := uow.tx.ListEvents(ctx, domain.EventFilter{MessageID: messageID, Kind: domain.EventCrossLedgerAcknowledged, Limit: 1})
		if err != nil {
			return fmt.Errorf("look up acknowledgement: %w", err)
		}
		if len(acked) > 0 {
			return invalidState("message %s was already acknowledged", messageID)
		}

		attributes := map[string]string{
			"success":     strconv.FormatBool(ack.Succeeded()),
			"destination": sent[0].Attributes["destination"],
		}
		if ack.Error != "" {
			attributes["error"] = ack.Error
		}
		_, err = uow.emit(ctx, domain.Event{
			Kind:       domain.EventCrossLedgerAcknowledged,
			MessageID:  messageID,
			Actor:      sent[0].Attributes["destination"],
			Attributes: attributes,
		})
		return err
	})
	if err != nil {
		return err
	}

	if ack.Succeeded() {
		log.Printf("level=info component=dispatcher msg=\"cross-ledger message acknowledged\" message_id=%s", messageID)
	} else {
		log.Printf("level=warn component=dispatcher msg=\"cross-ledger message failed at destination\" message_id=%s error=%q", messageID, ack.Error)
	}
	return nil
}
