package splitjoin

import (
	"fmt"
	"strings"
	"sync"

	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"github.com/wehubfusion/Hydra/pkg/message"
)

// Error policy names accepted by PolicyByName
const (
	PolicyFailFirst             = "fail-first"
	PolicyIgnoreAll             = "ignore-all"
	PolicyIgnoreIfAnySuccessful = "ignore-if-any-successful"
)

// PolicyByName resolves a named error policy. The empty name is fail-first.
func PolicyByName(name string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyFailFirst:
		return FailFirst, nil
	case PolicyIgnoreAll:
		return IgnoreAll, nil
	case PolicyIgnoreIfAnySuccessful:
		return IgnoreIfAnySuccessful, nil
	}
	return nil, fmt.Errorf("unknown error policy %q", name)
}

// Failure is one captured split message failure
type Failure struct {
	Context FailureContext
	Err     error
}

// failureRecord collects failures in arrival order
type failureRecord struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *failureRecord) add(fc FailureContext, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, Failure{Context: fc, Err: err})
	r.mu.Unlock()
}

// Failures returns a copy of the captured failures
func (r *failureRecord) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

// firstWithRest builds one error from the first failure, with every later
// failure attached as a secondary cause. Returns nil if nothing failed.
func (r *failureRecord) firstWithRest() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}

	primary := failures[0].Err
	code := sdkerrors.CodeOf(primary)
	if code == "" {
		code = sdkerrors.CodeWorkerFailure
	}

	out := sdkerrors.NewError(code, fmt.Sprintf("%d split message(s) failed", len(failures)), primary)
	for _, f := range failures[1:] {
		out.WithSecondary(f.Err)
	}
	return out
}

// FailFirstAggregator fails the invocation with the first captured failure
type FailFirstAggregator struct {
	failureRecord
}

// FailFirst is the default error policy
func FailFirst() ErrorAggregator {
	return &FailFirstAggregator{}
}

func (a *FailFirstAggregator) OnFailure(fc FailureContext, err error) { a.add(fc, err) }
func (a *FailFirstAggregator) OnSuccess(msg *message.Message)         {}
func (a *FailFirstAggregator) Decide() error                          { return a.firstWithRest() }

// IgnoreAllAggregator records failures but never fails the invocation
type IgnoreAllAggregator struct {
	failureRecord
}

// IgnoreAll never fails an invocation because of worker failures
func IgnoreAll() ErrorAggregator {
	return &IgnoreAllAggregator{}
}

func (a *IgnoreAllAggregator) OnFailure(fc FailureContext, err error) { a.add(fc, err) }
func (a *IgnoreAllAggregator) OnSuccess(msg *message.Message)         {}
func (a *IgnoreAllAggregator) Decide() error                          { return nil }

// IgnoreIfAnySuccessfulAggregator marks successful split messages with
// MetadataSplitSuccessful and only fails when no message carries that mark.
// A service may also set the mark itself.
type IgnoreIfAnySuccessfulAggregator struct {
	failureRecord

	mu   sync.Mutex
	seen []*message.Message
}

// IgnoreIfAnySuccessful fails the invocation only if no split message succeeded
func IgnoreIfAnySuccessful() ErrorAggregator {
	return &IgnoreIfAnySuccessfulAggregator{}
}

func (a *IgnoreIfAnySuccessfulAggregator) OnFailure(fc FailureContext, err error) {
	a.add(fc, err)
	if fc.Message != nil {
		a.track(fc.Message)
	}
}

func (a *IgnoreIfAnySuccessfulAggregator) OnSuccess(msg *message.Message) {
	if msg == nil {
		return
	}
	msg.WithMetadata(MetadataSplitSuccessful, "true")
	a.track(msg)
}

func (a *IgnoreIfAnySuccessfulAggregator) Decide() error {
	a.mu.Lock()
	for _, msg := range a.seen {
		if strings.EqualFold(msg.MetadataValue(MetadataSplitSuccessful), "true") {
			a.mu.Unlock()
			return nil
		}
	}
	a.mu.Unlock()
	return a.firstWithRest()
}

func (a *IgnoreIfAnySuccessfulAggregator) track(msg *message.Message) {
	a.mu.Lock()
	a.seen = append(a.seen, msg)
	a.mu.Unlock()
}
