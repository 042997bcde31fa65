package recovery

import (
	"context"
	"fmt"
	"sync"
)

// Ledger records plan identities and their status. Implementations must
// refuse to propose an identity twice and must only move a plan out of
// Proposed.
type Ledger interface {
	Propose(ctx context.Context, p *Plan) error
	Resolve(ctx context.Context, id string, to Status, reason string) error
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	statuses map[string]Status
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{statuses: make(map[string]Status)}
}

func (l *MemoryLedger) Propose(_ context.Context, p *Plan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.statuses[p.ID]; exists {
		return fmt.Errorf("propose %s: %w", p.ID, ErrPlanExists)
	}
	l.statuses[p.ID] = StatusProposed
	return nil
}

func (l *MemoryLedger) Resolve(_ context.Context, id string, to Status, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	from, ok := l.statuses[id]
	if !ok {
		return fmt.Errorf("resolve %s: unknown plan", id)
	}
	if from != StatusProposed || !to.Terminal() {
		return &InvalidTransition{PlanID: id, From: from, To: to}
	}
	l.statuses[id] = to
	return nil
}

// Status returns the recorded status of a plan.
func (l *MemoryLedger) Status(id string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.statuses[id]
	return s, ok
}
