package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/gridwork/pkg/types"
)

var (
	// ErrTransient marks a comparator failure worth retrying later. Any error
	// that does not wrap it is permanent for the result involved.
	ErrTransient = errors.New("transient validation error")

	ErrUnknownComparator = errors.New("unknown comparator")
	ErrMissingOutput     = errors.New("result has no output")
)

// State is whatever a comparator extracts from a result's output.
type State any

// Comparator holds the application-specific part of validation.
type Comparator interface {
	Init(ctx context.Context, r types.Result) (State, error)
	Compare(ctx context.Context, a types.Result, sa State, b types.Result, sb State) (bool, error)
	Cleanup(r types.Result, s State)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Trivial accepts every result as matching every other.
type Trivial struct{}

func (Trivial) Init(context.Context, types.Result) (State, error) { return nil, nil }

func (Trivial) Compare(context.Context, types.Result, State, types.Result, State) (bool, error) {
	return true, nil
}

func (Trivial) Cleanup(types.Result, State) {}

// Hash matches results whose output hashes are identical.
type Hash struct{}

func (Hash) Init(_ context.Context, r types.Result) (State, error) {
	if r.OutputHash == "" {
		return nil, fmt.Errorf("result %d: %w", r.ID, ErrMissingOutput)
	}
	return r.OutputHash, nil
}

func (Hash) Compare(_ context.Context, _ types.Result, sa State, _ types.Result, sb State) (bool, error) {
	a, okA := sa.(string)
	b, okB := sb.(string)
	if !okA || !okB {
		return false, fmt.Errorf("hash comparator: unexpected state %T/%T", sa, sb)
	}
	return a == b, nil
}

func (Hash) Cleanup(types.Result, State) {}

var comparators = map[string]func() Comparator{
	"trivial": func() Comparator { return Trivial{} },
	"hash":    func() Comparator { return Hash{} },
}

// NewComparator returns the comparator registered under name.
func NewComparator(name string) (Comparator, error) {
	mk, ok := comparators[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownComparator, name, ComparatorNames())
	}
	return mk(), nil
}

// ComparatorNames lists the registered comparators.
func ComparatorNames() []string {
	names := make([]string, 0, len(comparators))
	for n := range comparators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// QuorumPolicy decides whether a viable result counts toward the quorum.
// Results that do not count are still compared and given a verdict.
type QuorumPolicy interface {
	Counts(r types.Result) bool
}

// CountAll counts every viable result.
type CountAll struct{}

func (CountAll) Counts(types.Result) bool { return true }

// CreditCeiling treats results claiming more than Max credit as suspicious.
type CreditCeiling struct {
	Max float64
}

func (p CreditCeiling) Counts(r types.Result) bool {
	return p.Max <= 0 || r.ClaimedCredit <= p.Max
}
