package cases

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/closing/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Cases are copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	cases  map[string]model.Case        // key: case ID
	events map[string][]model.CaseEvent // key: case ID
}

// NewMemoryStore creates an empty in-memory case store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:  make(map[string]model.Case),
		events: make(map[string][]model.CaseEvent),
	}
}

// Create persists a new case and its opening events.
func (s *MemoryStore) Create(_ context.Context, c model.Case, events []model.CaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	for _, other := range s.cases {
		if other.TenantID == c.TenantID && other.Reference == c.Reference {
			return model.NewConflictError(
				fmt.Sprintf("case with reference %q already exists", c.Reference),
			)
		}
	}
	if err := s.checkEvents(c.ID, events); err != nil {
		return err
	}

	s.cases[c.ID] = cloneCase(c)
	s.events[c.ID] = append([]model.CaseEvent(nil), events...)
	return nil
}

// Get retrieves a case by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists || c.TenantID != tenantID {
		return model.Case{}, notFound(caseID)
	}
	return cloneCase(c), nil
}

// Update persists a case with optimistic locking and appends events.
func (s *MemoryStore) Update(_ context.Context, c model.Case, events []model.CaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[c.ID]
	if !exists || existing.TenantID != c.TenantID {
		return notFound(c.ID)
	}
	if existing.Version != c.Version {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
		)
	}
	if err := s.checkEvents(c.ID, events); err != nil {
		return err
	}

	c = cloneCase(c)
	c.Version++
	s.cases[c.ID] = c
	s.events[c.ID] = append(s.events[c.ID], events...)
	return nil
}

// checkEvents rejects events that belong to another case or reuse an ID,
// matching the constraints the PostgreSQL store enforces.
func (s *MemoryStore) checkEvents(caseID string, events []model.CaseEvent) error {
	seen := make(map[string]bool, len(s.events[caseID])+len(events))
	for _, e := range s.events[caseID] {
		seen[e.ID] = true
	}
	for _, e := range events {
		if e.CaseID != caseID {
			return fmt.Errorf("event %s belongs to case %q, not %q", e.ID, e.CaseID, caseID)
		}
		if seen[e.ID] {
			return model.NewConflictError(fmt.Sprintf("event %q already recorded", e.ID))
		}
		seen[e.ID] = true
	}
	return nil
}

// GetEvents returns the audit trail of a case ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, caseID string) ([]model.CaseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists || c.TenantID != tenantID {
		return nil, notFound(caseID)
	}

	events := s.events[caseID]
	result := make([]model.CaseEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns the cases of a tenant, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.CaseFilters) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Case, 0)
	for _, c := range s.cases {
		if c.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		if filters.Reference != "" && c.Reference != filters.Reference {
			continue
		}
		result = append(result, cloneCase(c))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Case{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of cases. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func cloneCase(c model.Case) model.Case {
	c.Completed = append(make([]string, 0, len(c.Completed)), c.Completed...)
	c.Flags = c.Flags.Clone()
	return c
}

func notFound(caseID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
}
