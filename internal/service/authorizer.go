package service

import (
	"context"
	"errors"
	"fmt"

	"auth-guard/internal/domain"
)

var (
	errNotAdmin = errors.New("administrator rights required")
	errNotOwner = errors.New("caller does not own the resource")
)

// Authorizer checks an authenticated identity against an access level
type Authorizer struct {
	users domain.UserDirectory
}

// NewAuthorizer creates an authorizer resolving accounts through users
func NewAuthorizer(users domain.UserDirectory) *Authorizer {
	return &Authorizer{users: users}
}

// Authorize resolves the caller's account, fills identity.IsAdmin and applies level.
// ownerID is only consulted for OwnerOnly; administrators pass it as well.
func (a *Authorizer) Authorize(ctx context.Context, identity *domain.Identity, level domain.AccessLevel, ownerID string) error {
	if identity == nil || identity.UserID == "" {
		return domain.E(domain.KindUnauthenticated, "Authorize", errors.New("no identity"))
	}

	user, err := a.users.GetUserByID(ctx, identity.UserID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return domain.E(domain.KindUnauthenticated, "Authorize", err)
		}
		return fmt.Errorf("failed to resolve user %s: %w", identity.UserID, err)
	}
	identity.IsAdmin = user.IsAdmin

	switch level {
	case domain.AnyUser:
		return nil
	case domain.AdminOnly:
		if !user.IsAdmin {
			return domain.E(domain.KindForbidden, "Authorize", errNotAdmin)
		}
		return nil
	case domain.OwnerOnly:
		if user.IsAdmin || (ownerID != "" && ownerID == identity.UserID) {
			return nil
		}
		return domain.E(domain.KindForbidden, "Authorize", errNotOwner)
	default:
		return domain.E(domain.KindForbidden, "Authorize", fmt.Errorf("unknown access level %d", level))
	}
}
