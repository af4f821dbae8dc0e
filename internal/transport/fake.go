package transport

import (
	"context"
	"sync"
	"time"
)

// Result is one scripted reply for the fake.
type Result struct {
	Outcome Outcome
	Err     error
}

// Call records one Send the fake observed.
type Call struct {
	Destination string
	Body        string
}

// Fake is a deterministic Transport for tests: outcomes are injected per
// call, never randomized. Scripted results are consumed in order; once the
// script is exhausted every call succeeds. Delay, when set, stretches each
// call so tests can create claim contention.
type Fake struct {
	mu     sync.Mutex
	script []Result
	calls  []Call

	Delay time.Duration
}

func NewFake() *Fake { return &Fake{} }

// Stub appends scripted results, consumed one per Send.
func (f *Fake) Stub(results ...Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
}

// Reject is a convenience Result for a provider-level rejection.
func Reject(reason string) Result {
	return Result{Outcome: Outcome{Delivered: false, Reason: reason}}
}

// Fail is a convenience Result for a transport fault.
func Fail(err error) Result { return Result{Err: err} }

func (f *Fake) Send(ctx context.Context, destination, body string) (Outcome, error) {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Destination: destination, Body: body})
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r.Outcome, r.Err
	}
	return Outcome{Delivered: true, ProviderRef: "fake-ok"}, nil
}

// Calls returns a copy of everything sent so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}
