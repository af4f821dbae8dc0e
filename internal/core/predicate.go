package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Comparators for the days-since-last-purchase condition.
const (
	CmpOlderThan  = "gt" // no purchase within N days
	CmpWithinDays = "lt" // purchased within the last N days
)

// LastOrderCondition compares "days since the customer's most recent order"
// against Days using Op.
type LastOrderCondition struct {
	Op   string `json:"op"`
	Days int    `json:"days"`
}

// FilterPredicate is the condition language campaigns and triggers select
// audiences with. Unset fields impose no constraint; set fields are ANDed.
// Evaluated fresh at execution time, never materialized.
type FilterPredicate struct {
	Level     *string             `json:"level,omitempty"`
	Status    *string             `json:"status,omitempty"`
	LastOrder *LastOrderCondition `json:"last_order,omitempty"`
}

// ParsePredicate decodes a serialized predicate, rejecting unrecognized
// shapes instead of treating them as unconstrained.
func ParsePredicate(raw []byte) (FilterPredicate, error) {
	var p FilterPredicate
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return FilterPredicate{}, fmt.Errorf("%w: predicate: %v", ErrValidation, err)
	}
	if err := p.Validate(); err != nil {
		return FilterPredicate{}, err
	}
	return p, nil
}

// Validate rejects structurally invalid predicates. A malformed predicate is
// an error, never "no constraints".
func (p FilterPredicate) Validate() error {
	if p.Level != nil && *p.Level == "" {
		return fmt.Errorf("%w: predicate level is empty", ErrValidation)
	}
	if p.Status != nil {
		switch *p.Status {
		case CustomerStatusProspect, CustomerStatusCustomer, CustomerStatusChurned:
		default:
			return fmt.Errorf("%w: unknown customer status %q", ErrValidation, *p.Status)
		}
	}
	if c := p.LastOrder; c != nil {
		if c.Op != CmpOlderThan && c.Op != CmpWithinDays {
			return fmt.Errorf("%w: unknown last_order op %q", ErrValidation, c.Op)
		}
		if c.Days < 0 {
			return fmt.Errorf("%w: last_order days must be >= 0", ErrValidation)
		}
	}
	return nil
}

// Matches evaluates the predicate against one customer at the given instant.
// A customer with no orders counts as having purchased infinitely long ago.
func (p FilterPredicate) Matches(c Customer, now time.Time) bool {
	if p.Level != nil && c.Level != *p.Level {
		return false
	}
	if p.Status != nil && c.Status != *p.Status {
		return false
	}
	if cond := p.LastOrder; cond != nil {
		threshold := time.Duration(cond.Days) * 24 * time.Hour
		switch cond.Op {
		case CmpOlderThan:
			if c.LastOrderAt != nil && now.Sub(*c.LastOrderAt) <= threshold {
				return false
			}
		case CmpWithinDays:
			if c.LastOrderAt == nil || now.Sub(*c.LastOrderAt) >= threshold {
				return false
			}
		}
	}
	return true
}
