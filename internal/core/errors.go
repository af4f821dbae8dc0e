package core

import "errors"

var (
	// ErrValidation covers malformed predicates and missing campaign fields.
	ErrValidation = errors.New("invalid_input")
	// ErrNotFound covers unknown campaign/customer/message references.
	ErrNotFound = errors.New("not_found")
	// ErrEmptyAudience is returned when a predicate matches zero customers.
	// Execution aborts with no enqueue and no status change.
	ErrEmptyAudience = errors.New("empty_audience")
	// ErrDuplicateExecution is returned when a campaign is already SENT or
	// CANCELLED. No re-enqueue happens.
	ErrDuplicateExecution = errors.New("campaign_not_executable")
)
