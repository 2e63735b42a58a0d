package cases

import (
	"context"

	"github.com/pitabwire/closing/model"
)

// Store persists cases and their audit trail. Every read is scoped to a
// tenant; a case of another tenant is reported as NOT_FOUND.
type Store interface {
	// Create persists a new case together with its opening events. Either
	// both are stored or neither is. Returns CONFLICT if the ID or the
	// reference is already taken within the tenant.
	Create(ctx context.Context, c model.Case, events []model.CaseEvent) error

	// Get retrieves a case by ID, scoped to a tenant.
	Get(ctx context.Context, tenantID, caseID string) (model.Case, error)

	// Update persists c if the stored version still equals c.Version and
	// stores it with the version incremented, appending events to the audit
	// trail in the same write. Returns CONFLICT on a stale version.
	Update(ctx context.Context, c model.Case, events []model.CaseEvent) error

	// GetEvents returns the audit trail of a case ordered by timestamp.
	GetEvents(ctx context.Context, tenantID, caseID string) ([]model.CaseEvent, error)

	// List returns the cases of a tenant, newest first.
	List(ctx context.Context, tenantID string, filters model.CaseFilters) ([]model.Case, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
