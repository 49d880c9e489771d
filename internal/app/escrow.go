package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/proofpay/settlement-service/internal/domain"
)

// CreatePayment escrows req.Amount from caller and opens a Pending payment to req.Recipient.
func (s *Service) CreatePayment(ctx context.Context, caller string, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	var created *domain.Payment
	err := s.execute(ctx, "create_payment", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		recipient := strings.TrimSpace(req.Recipient)
		if recipient == "" {
			return invalidArgument("recipient is required")
		}
		if recipient == caller {
			return invalidArgument("cannot pay yourself")
		}
		if req.Amount <= 0 {
			return invalidArgument("amount must be positive")
		}
		if len(req.Description) > domain.MaxDescriptionLength {
			return invalidArgument("description exceeds %d bytes", domain.MaxDescriptionLength)
		}
		proofType, err := domain.ParseProofType(req.ProofType)
		if err != nil {
			return invalidArgument("%v", err)
		}

		// Funds come in first; everything after it is undone on failure.
		if err := uow.pullFunds(ctx, caller, req.Asset, req.Amount); err != nil {
			return err
		}
		if err := uow.lockEscrow(ctx, req.Asset, req.Amount); err != nil {
			return err
		}

		sequence, err := uow.tx.NextSequence(ctx)
		if err != nil {
			return fmt.Errorf("allocate payment sequence: %w", err)
		}

		payment := &domain.Payment{
			ID:            derivePaymentID(caller, recipient, req.Amount, req.Asset, sequence, uow.now),
			Sequence:      sequence,
			Sender:        caller,
			Recipient:     recipient,
			Amount:        req.Amount,
			Asset:         req.Asset,
			Status:        domain.PaymentStatusPending,
			ProofType:     proofType,
			Description:   req.Description,
			RequiresProof: req.RequiresProof,
			CreatedAt:     uow.now,
		}
		if err := uow.tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		for _, party := range []string{payment.Sender, payment.Recipient} {
			if err := uow.tx.AppendPartyPayment(ctx, party, payment.ID); err != nil {
				return fmt.Errorf("index payment for %s: %w", party, err)
			}
		}
		if _, err := uow.tx.AdjustPendingBalance(ctx, recipient, payment.Amount); err != nil {
			return fmt.Errorf("increase pending balance: %w", err)
		}

		if _, err := uow.emit(ctx, domain.Event{
			Kind:      domain.EventPaymentCreated,
			PaymentID: payment.ID,
			Actor:     caller,
			Attributes: map[string]string{
				"sender":         payment.Sender,
				"recipient":      payment.Recipient,
				"amount":         strconv.FormatInt(payment.Amount, 10),
				"asset":          payment.Asset,
				"proof_type":     string(payment.ProofType),
				"requires_proof": strconv.FormatBool(payment.RequiresProof),
			},
		}); err != nil {
			return err
		}

		created = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=engine msg=\"payment created\" payment_id=%s sender=%s recipient=%s amount=%d", created.ID, created.Sender, created.Recipient, created.Amount)
	return created, nil
}

// SubmitProof stores the recipient's evidence on a proof-gated Pending payment.
func (s *Service) SubmitProof(ctx context.Context, caller, paymentID string, proof []byte) (*domain.Payment, error) {
	var updated *domain.Payment
	err := s.execute(ctx, "submit_proof", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		payment, err := s.loadPayment(ctx, uow.tx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return invalidState("payment %s is %s, not pending", payment.ID, payment.Status)
		}
		if caller != payment.Recipient {
			return unauthorized("only the recipient can submit proof")
		}
		if !payment.RequiresProof {
			return invalidState("payment %s does not require proof", payment.ID)
		}
		if len(proof) == 0 {
			return invalidArgument("proof is empty")
		}
		if len(proof) > domain.MaxProofSize {
			return invalidArgument("proof exceeds %d bytes", domain.MaxProofSize)
		}

		payment.ProofData = append([]byte(nil), proof...)
		if err := uow.tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("store proof: %w", err)
		}
		if _, err := uow.emit(ctx, domain.Event{
			Kind:       domain.EventProofSubmitted,
			PaymentID:  payment.ID,
			Actor:      caller,
			Attributes: map[string]string{"proof_size": strconv.Itoa(len(proof))},
		}); err != nil {
			return err
		}
		updated = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompletePayment releases an escrowed payment to its recipient.
//
// A proof-gated payment needs stored proof and can only be completed by its sender.
// Otherwise any participant, or a delegate of one, may complete it.
func (s *Service) CompletePayment(ctx context.Context, caller, paymentID string) (*domain.Payment, error) {
	var completed *domain.Payment
	err := s.execute(ctx, "complete_payment", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		payment, err := s.loadPayment(ctx, uow.tx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return invalidState("payment %s is %s, not pending", payment.ID, payment.Status)
		}

		ok, err := s.isParticipant(ctx, caller, payment)
		if err != nil {
			return fmt.Errorf("authorize caller: %w", err)
		}
		if !ok {
			return unauthorized("caller is not a participant of payment %s", payment.ID)
		}
		if payment.RequiresProof {
			if len(payment.ProofData) == 0 {
				return invalidState("payment %s requires proof before completion", payment.ID)
			}
			if caller != payment.Sender {
				return unauthorized("only the sender can approve a proof-gated payment")
			}
		}

		completedAt := uow.now
		payment.Status = domain.PaymentStatusCompleted
		payment.CompletedAt = &completedAt
		if err := uow.tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if _, err := uow.tx.AdjustPendingBalance(ctx, payment.Recipient, -payment.Amount); err != nil {
			return fmt.Errorf("decrease pending balance: %w", err)
		}
		if _, err := uow.emit(ctx, domain.Event{
			Kind:      domain.EventPaymentCompleted,
			PaymentID: payment.ID,
			Actor:     caller,
			Attributes: map[string]string{
				"recipient": payment.Recipient,
				"amount":    strconv.FormatInt(payment.Amount, 10),
				"asset":     payment.Asset,
			},
		}); err != nil {
			return err
		}

		if err := uow.lockEscrow(ctx, payment.Asset, -payment.Amount); err != nil {
			return err
		}
		if err := uow.releaseFunds(ctx, payment.Recipient, payment.Asset, payment.Amount); err != nil {
			return err
		}
		completed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=engine msg=\"payment completed\" payment_id=%s recipient=%s amount=%d", completed.ID, completed.Recipient, completed.Amount)
	return completed, nil
}

// DisputePayment marks a Pending payment Disputed. Funds stay escrowed.
func (s *Service) DisputePayment(ctx context.Context, caller, paymentID, reason string) (*domain.Payment, error) {
	var disputed *domain.Payment
	err := s.execute(ctx, "dispute_payment", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		payment, err := s.loadPayment(ctx, uow.tx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return invalidState("payment %s is %s, not pending", payment.ID, payment.Status)
		}
		ok, err := s.isParticipant(ctx, caller, payment)
		if err != nil {
			return fmt.Errorf("authorize caller: %w", err)
		}
		if !ok {
			return unauthorized("caller is not a participant of payment %s", payment.ID)
		}
		if strings.TrimSpace(reason) == "" || len(reason) > domain.MaxDisputeReasonLength {
			return invalidArgument("dispute reason must be 1..%d bytes", domain.MaxDisputeReasonLength)
		}

		payment.Status = domain.PaymentStatusDisputed
		payment.DisputeReason = &reason
		if err := uow.tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if _, err := uow.emit(ctx, domain.Event{
			Kind:       domain.EventPaymentDisputed,
			PaymentID:  payment.ID,
			Actor:      caller,
			Attributes: map[string]string{"reason": reason},
		}); err != nil {
			return err
		}
		disputed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=warn component=engine msg=\"payment disputed\" payment_id=%s disputant=%s", disputed.ID, caller)
	return disputed, nil
}

// CancelPayment refunds a Pending payment to its sender. Only the sender may cancel.
func (s *Service) CancelPayment(ctx context.Context, caller, paymentID string) (*domain.Payment, error) {
	var cancelled *domain.Payment
	err := s.execute(ctx, "cancel_payment", func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		payment, err := s.loadPayment(ctx, uow.tx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return invalidState("payment %s is %s, not pending", payment.ID, payment.Status)
		}
		if caller != payment.Sender {
			return unauthorized("only the sender can cancel payment %s", payment.ID)
		}

		payment.Status = domain.PaymentStatusCancelled
		if err := uow.tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if _, err := uow.tx.AdjustPendingBalance(ctx, payment.Recipient, -payment.Amount); err != nil {
			return fmt.Errorf("decrease pending balance: %w", err)
		}
		if _, err := uow.emit(ctx, domain.Event{
			Kind:      domain.EventPaymentCancelled,
			PaymentID: payment.ID,
			Actor:     caller,
			Attributes: map[string]string{
				"sender": payment.Sender,
				"amount": strconv.FormatInt(payment.Amount, 10),
				"asset":  payment.Asset,
			},
		}); err != nil {
			return err
		}

		if err := uow.lockEscrow(ctx, payment.Asset, -payment.Amount); err != nil {
			return err
		}
		if err := uow.releaseFunds(ctx, payment.Sender, payment.Asset, payment.Amount); err != nil {
			return err
		}
		cancelled = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=engine msg=\"payment cancelled\" payment_id=%s sender=%s amount=%d", cancelled.ID, cancelled.Sender, cancelled.Amount)
	return cancelled, nil
}

// creditDirect records an already-settled payment for an inbound cross-ledger
// message and releases the funds to the recipient in the same unit of work.
// Proof gating is skipped because the origin ledger performed it. The credit
// is paid from free custody only, never from other payments' escrow.
func (s *Service) creditDirect(ctx context.Context, uow *unitOfWork, messageID string, payload domain.SettlementPayload) (*domain.Payment, error) {
	if len(payload.Description) > domain.MaxDescriptionLength {
		return nil, invalidArgument("description exceeds %d bytes", domain.MaxDescriptionLength)
	}
	if len(payload.ProofData) > domain.MaxProofSize {
		return nil, invalidArgument("proof exceeds %d bytes", domain.MaxProofSize)
	}

	sequence, err := uow.tx.NextSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate payment sequence: %w", err)
	}

	completedAt := uow.now
	origin := messageID
	payment := &domain.Payment{
		ID:              derivePaymentID(payload.Sender, payload.Recipient, payload.Amount, payload.Asset, sequence, uow.now),
		Sequence:        sequence,
		Sender:          payload.Sender,
		Recipient:       payload.Recipient,
		Amount:          payload.Amount,
		Asset:           payload.Asset,
		Status:          domain.PaymentStatusCompleted,
		ProofType:       domain.ProofTypeNone,
		ProofData:       payload.ProofData,
		Description:     payload.Description,
		RequiresProof:   false,
		OriginMessageID: &origin,
		CreatedAt:       uow.now,
		CompletedAt:     &completedAt,
	}
	if err := uow.tx.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	if err := uow.tx.AppendPartyPayment(ctx, payment.Recipient, payment.ID); err != nil {
		return nil, fmt.Errorf("index payment for %s: %w", payment.Recipient, err)
	}
	if err := uow.spendFromCustody(ctx, payment.Asset, payment.Amount, "inbound credit"); err != nil {
		return nil, err
	}
	if err := uow.releaseFunds(ctx, payment.Recipient, payment.Asset, payment.Amount); err != nil {
		return nil, err
	}
	return payment, nil
}
