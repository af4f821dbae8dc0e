// Package audience resolves filter predicates into concrete recipient sets.
package audience

import (
	"context"

	"github.com/relaypoint/loyalty-messaging/internal/core"
)

// Directory is the read-only customer source the selector queries.
type Directory interface {
	SelectAudience(ctx context.Context, p core.FilterPredicate) ([]core.Customer, error)
}

// Selector validates a predicate and evaluates it against the directory.
// Evaluation is read-only and happens fresh on every call, so a scheduled
// campaign sees the audience as of send time.
type Selector struct {
	dir Directory
}

func NewSelector(dir Directory) *Selector { return &Selector{dir: dir} }

// Select returns the customers matching p. A structurally invalid predicate
// is rejected with core.ErrValidation, never treated as unconstrained.
func (s *Selector) Select(ctx context.Context, p core.FilterPredicate) ([]core.Customer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.dir.SelectAudience(ctx, p)
}
