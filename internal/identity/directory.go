// Package identity talks to the identity service that owns field entities
// (technicians, dispatchers, supervisors).
package identity

import (
	"context"
	"errors"
	"strings"
)

const StatusActive = "ACTIVE"

var (
	ErrEntityNotFound     = errors.New("identity_entity_not_found")
	ErrServiceUnavailable = errors.New("identity_service_unavailable")
)

// EntityInfo is the identity service's view of a field entity.
type EntityInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

func (e EntityInfo) Active() bool {
	return strings.EqualFold(strings.TrimSpace(e.Status), StatusActive)
}

// Directory resolves entity identities. Implementations return ErrEntityNotFound
// when the entity does not exist and ErrServiceUnavailable when the directory
// cannot answer.
type Directory interface {
	Lookup(ctx context.Context, entityID string) (EntityInfo, error)
}
