package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/proofpay/settlement-service/internal/domain"
	"github.com/proofpay/settlement-service/internal/store"
)

// RegistryAuthorizer answers authorization from the delegation registry kept in the store.
type RegistryAuthorizer struct {
	reader store.Reader
}

func NewRegistryAuthorizer(reader store.Reader) *RegistryAuthorizer {
	return &RegistryAuthorizer{reader: reader}
}

// IsAuthorized is true when actor is principal or one of principal's delegates.
func (a *RegistryAuthorizer) IsAuthorized(ctx context.Context, principal, actor string) (bool, error) {
	if principal == "" || actor == "" {
		return false, nil
	}
	if principal == actor {
		return true, nil
	}
	return a.reader.IsDelegate(ctx, principal, actor)
}

// AddDelegate lets actor act on caller's behalf.
func (s *Service) AddDelegate(ctx context.Context, caller, actor string) error {
	return s.setDelegate(ctx, caller, actor, true)
}

// RemoveDelegate revokes actor's delegation from caller.
func (s *Service) RemoveDelegate(ctx context.Context, caller, actor string) error {
	return s.setDelegate(ctx, caller, actor, false)
}

func (s *Service) setDelegate(ctx context.Context, caller, actor string, enabled bool) error {
	actor = strings.TrimSpace(actor)
	operation, kind := "remove_delegate", domain.EventDelegateRemoved
	if enabled {
		operation, kind = "add_delegate", domain.EventDelegateAdded
	}

	err := s.execute(ctx, operation, func(ctx context.Context, uow *unitOfWork) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		if actor == "" {
			return invalidArgument("delegate is required")
		}
		if actor == caller {
			return invalidArgument("cannot delegate to yourself")
		}

		previous, err := uow.tx.SetDelegate(ctx, caller, actor, enabled)
		if err != nil {
			return fmt.Errorf("update delegate: %w", err)
		}
		if previous == enabled {
			if enabled {
				return invalidState("%s is already a delegate", actor)
			}
			return invalidState("%s is not a delegate", actor)
		}

		_, err = uow.emit(ctx, domain.Event{
			Kind:       kind,
			Actor:      caller,
			Attributes: map[string]string{"principal": caller, "delegate": actor},
		})
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("level=info component=delegation msg=\"%s\" principal=%s delegate=%s", kind, caller, actor)
	return nil
}
