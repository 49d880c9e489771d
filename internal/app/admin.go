package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/proofpay/settlement-service/internal/domain"
)

// SetAllowedDestination adds or removes a ledger selector from the allowlist.
// The same list gates outbound destinations and inbound origin ledgers.
func (s *Service) SetAllowedDestination(ctx context.Context, caller, selector string, allowed bool) error {
	return s.setAdminFlag(ctx, caller, "set_allowed_destination", domain.EventDestinationChanged, "selector", selector, allowed)
}

// SetTrustedOrigin adds or removes a sender from the trusted origin set.
func (s *Service) SetTrustedOrigin(ctx context.Context, caller, sender string, trusted bool) error {
	return s.setAdminFlag(ctx, caller, "set_trusted_origin", domain.EventTrustedOriginChanged, "sender", sender, trusted)
}

func (s *Service) setAdminFlag(ctx context.Context, caller, operation string, kind domain.EventKind, keyName, key string, value bool) error {
	key = strings.TrimSpace(key)
	var previous bool
	err := s.execute(ctx, operation, func(ctx context.Context, uow *unitOfWork) error {
		if err := s.requireOwner(caller); err != nil {
			return err
		}
		if key == "" {
			return invalidArgument("%s is required", keyName)
		}

		var err error
		switch kind {
		case domain.EventDestinationChanged:
			previous, err = uow.tx.SetDestinationAllowed(ctx, key, value)
		case domain.EventTrustedOriginChanged:
			previous, err = uow.tx.SetTrustedOrigin(ctx, key, value)
		default:
			return fmt.Errorf("unsupported admin record %s", kind)
		}
		if err != nil {
			return fmt.Errorf("update %s %s: %w", keyName, key, err)
		}

		_, err = uow.emit(ctx, domain.Event{
			Kind:  kind,
			Actor: caller,
			Attributes: map[string]string{
				keyName:    key,
				"previous": strconv.FormatBool(previous),
				"current":  strconv.FormatBool(value),
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("level=info component=admin msg=\"%s\" %s=%s previous=%t current=%t", kind, keyName, key, previous, value)
	return nil
}

func (s *Service) requireOwner(caller string) error {
	if s.cfg.OwnerID == "" || strings.TrimSpace(caller) != s.cfg.OwnerID {
		return unauthorized("caller is not the owner")
	}
	return nil
}

// IsOwner reports whether caller may use the administrative operations.
func (s *Service) IsOwner(caller string) bool {
	return s.requireOwner(caller) == nil
}
