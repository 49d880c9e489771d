/**
 * @description
 * This file contains the core of the settlement engine. The `Service` struct owns the
 * escrow ledger, the cross-ledger dispatcher and the administrative control surface,
 * and runs every state-mutating operation through one execution path.
 *
 * Key features:
 * - Operations run one at a time; entering one from inside another is rejected.
 * - Each operation is a single unit of work. A failure rolls back every store write
 *   and reverses every asset transfer already made by that operation.
 * - State changes are written before funds leave custody.
 * - Emitted records are stored with the state change and relayed by the outbox.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/metrics: Operation counters and latency.
 */

package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/metrics"
)

// AssetTransfer moves funds between parties and the engine's custody. Each
// call either fully applies or fails without effect.
type AssetTransfer interface {
	TransferIn(ctx context.Context, from, asset string, amount int64) error
	TransferOut(ctx context.Context, to, asset string, amount int64) error
	CustodyBalance(ctx context.Context, asset string) (int64, error)
}

// Authorizer answers whether actor may act on behalf of principal.
type Authorizer interface {
	IsAuthorized(ctx context.Context, principal, actor string) (bool, error)
}

// Transport prices and dispatches opaque cross-ledger payloads.
type Transport interface {
	QuoteFee(ctx context.Context, destination string, payload []byte) (int64, error)
	Dispatch(ctx context.Context, destination string, payload []byte) (string, error)
}

// Config holds the engine settings that are not collaborators.
type Config struct {
	// OwnerID is the only caller allowed to change allowlists.
	OwnerID string
	// FeeAsset and FeeCollector describe how cross-ledger dispatch fees are paid.
	FeeAsset     string
	FeeCollector string
}

// Service provides the settlement engine's operations.
type Service struct {
	store      store.Store
	assets     AssetTransfer
	authorizer Authorizer
	transport  Transport
	cfg        Config

	guard      *guard
	now        func() time.Time
	newEventID func() uuid.UUID
}

// NewService creates the engine. A nil authorizer falls back to the built-in
// delegation registry kept in st.
func NewService(st store.Store, assets AssetTransfer, authorizer Authorizer, transport Transport, cfg Config) *Service {
	if authorizer == nil {
		authorizer = NewRegistryAuthorizer(st)
	}
	cfg.OwnerID = strings.TrimSpace(cfg.OwnerID)
	cfg.FeeCollector = strings.TrimSpace(cfg.FeeCollector)
	return &Service{
		store:      st,
		assets:     assets,
		authorizer: authorizer,
		transport:  transport,
		cfg:        cfg,
		guard:      newGuard(),
		now:        time.Now,
		newEventID: uuid.New,
	}
}

// execute runs fn as one guarded unit of work.
func (s *Service) execute(ctx context.Context, operation string, fn func(ctx context.Context, uow *unitOfWork) error) (err error) {
	started := time.Now()
	defer func() {
		metrics.ObserveOperation(operation, ErrorKind(err), time.Since(started).Seconds())
	}()

	ctx, release, err := s.guard.enter(ctx, operation)
	if err != nil {
		return err
	}
	defer release()

	uow := &unitOfWork{
		operation:  operation,
		assets:     s.assets,
		now:        s.now().UTC(),
		newEventID: s.newEventID,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		uow.tx = tx
		return fn(ctx, uow)
	})
	if err != nil {
		uow.compensate(ctx, err)
		return mapStoreError(err)
	}
	return nil
}

func (s *Service) loadPayment(ctx context.Context, tx store.Tx, id string) (*domain.Payment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidArgument("payment id is required")
	}
	payment, err := tx.LockPayment(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return payment, nil
}

// isParticipant reports whether caller is the sender, the recipient, or a delegate of either.
func (s *Service) isParticipant(ctx context.Context, caller string, payment *domain.Payment) (bool, error) {
	if caller == payment.Sender || caller == payment.Recipient {
		return true, nil
	}
	for _, principal := range []string{payment.Sender, payment.Recipient} {
		ok, err := s.authorizer.IsAuthorized(ctx, principal, caller)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func requireCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return unauthorized("caller identity is required")
	}
	return nil
}
