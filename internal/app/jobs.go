/**
 * @description
 * Scheduled job implementations for the settlement-service.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/metrics"
)

// AuditRepository exposes the aggregates the invariant audit compares. Both
// must come from one consistent read or concurrent writes look like drift.
type AuditRepository interface {
	ReadPendingAudit(ctx context.Context) (store.PendingAudit, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   AuditRepository
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo AuditRepository, logger *slog.Logger) *Jobs {
	return &Jobs{repo: repo, logger: logger}
}

// AuditPendingBalances checks that every party's pending balance equals the
// sum of its escrowed payments.
func (j *Jobs) AuditPendingBalances() {
	j.logger.Info("starting pending balance audit job")
	drift, err := j.auditPendingBalances(context.Background())
	if err != nil {
		j.logger.Error("failed to audit pending balances", "error", err)
		return
	}
	metrics.SetPendingBalanceDrift(drift)
	if drift > 0 {
		j.logger.Error("pending balance audit found drift", "parties", drift)
		return
	}
	j.logger.Info("pending balance audit job finished")
}

func (j *Jobs) auditPendingBalances(ctx context.Context) (int, error) {
	audit, err := j.repo.ReadPendingAudit(ctx)
	if err != nil {
		return 0, err
	}
	pending, escrowed := audit.PendingBalances, audit.EscrowedByRecipient

	parties := make(map[string]int64, len(pending)+len(escrowed))
	for party, amount := range pending {
		parties[party] = amount
	}
	for party := range escrowed {
		if _, ok := parties[party]; !ok {
			parties[party] = 0
		}
	}

	drift := 0
	for _, party := range store.SortedParties(parties) {
		if pending[party] == escrowed[party] {
			continue
		}
		drift++
		j.logger.Error("pending balance mismatch", "party", party, "pending_balance", pending[party], "escrowed", escrowed[party])
	}
	return drift, nil
}
