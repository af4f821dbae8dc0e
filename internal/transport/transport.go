// Package transport is the pluggable boundary performing actual delivery to
// an external notification channel. The wire protocol is opaque to the core.
package transport

import "context"

// Outcome reports one delivery attempt. Ordinary provider-level rejections
// (insufficient balance, invalid destination) come back as Delivered=false
// with a Reason, not as an error; both are retried under the same policy.
type Outcome struct {
	Delivered   bool
	ProviderRef string
	Reason      string
}

// Transport sends one message. An error means the call itself faulted
// (network, timeout); it is as retryable as a rejection.
type Transport interface {
	Send(ctx context.Context, destination, body string) (Outcome, error)
}
