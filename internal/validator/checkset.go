package validator

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/gridwork/pkg/types"
)

// ResultUpdate is the verdict for one result.
type ResultUpdate struct {
	ValidateState types.ValidateState
	Outcome       types.Outcome
	GrantedCredit float64
}

// Decision is the outcome of a consensus check. With Retry or Deferred set,
// Updates is empty and nothing may be written. Uncounted is the number of
// viable results the quorum policy left out of a deferred check.
type Decision struct {
	Retry        bool
	Deferred     bool
	Uncounted    int
	Inconclusive bool
	CanonicalID  int64
	Credit       float64
	Updates      map[int64]ResultUpdate
}

// Checker runs consensus over a workunit's results.
type Checker struct {
	cmp    Comparator
	policy QuorumPolicy
}

func NewChecker(cmp Comparator, policy QuorumPolicy) *Checker {
	if policy == nil {
		policy = CountAll{}
	}
	return &Checker{cmp: cmp, policy: policy}
}

// Viable reports whether r can take part in consensus.
func Viable(r *types.Result) bool {
	return r.IsSuccess() && r.ValidateState != types.ValidateInvalid
}

// minValid is a strict majority of the quorum.
func minValid(minQuorum int) int {
	return minQuorum/2 + 1
}

func validateError() ResultUpdate {
	return ResultUpdate{ValidateState: types.ValidateInvalid, Outcome: types.OutcomeValidateError}
}

// CheckSet looks for a canonical result among results. A transient comparator
// error returns a Retry decision. A permanent error on one result marks it
// VALIDATE_ERROR and drops it from the set.
func (c *Checker) CheckSet(ctx context.Context, wu types.Workunit, results []types.Result) (Decision, error) {
	var viable []types.Result
	counted := 0
	for i := range results {
		if Viable(&results[i]) {
			viable = append(viable, results[i])
			if c.policy.Counts(results[i]) {
				counted++
			}
		}
	}
	if counted < wu.MinQuorum {
		return Decision{Deferred: true, Uncounted: len(viable) - counted}, nil
	}

	d := Decision{Updates: make(map[int64]ResultUpdate)}
	states := make([]State, len(viable))
	alive := make([]bool, len(viable))
	defer func() {
		for i := range viable {
			if alive[i] {
				c.cmp.Cleanup(viable[i], states[i])
			}
		}
	}()

	for i := range viable {
		s, err := c.cmp.Init(ctx, viable[i])
		if err != nil {
			if IsTransient(err) {
				return Decision{Retry: true}, err
			}
			d.Updates[viable[i].ID] = validateError()
			continue
		}
		states[i] = s
		alive[i] = true
	}

	// match[i][j] for i < j; agree counts include the result itself.
	match := make([][]bool, len(viable))
	agree := make([]int, len(viable))
	for i := range viable {
		match[i] = make([]bool, len(viable))
		if alive[i] {
			agree[i] = 1
		}
	}
	for i := range viable {
		if !alive[i] {
			continue
		}
		for j := i + 1; j < len(viable); j++ {
			if !alive[j] {
				continue
			}
			ok, err := c.cmp.Compare(ctx, viable[i], states[i], viable[j], states[j])
			if err != nil {
				if IsTransient(err) {
					return Decision{Retry: true}, err
				}
				d.Updates[viable[j].ID] = validateError()
				c.cmp.Cleanup(viable[j], states[j])
				alive[j] = false
				agree[j] = 0
				for k := 0; k < j; k++ {
					if match[k][j] {
						match[k][j] = false
						agree[k]--
					}
				}
				continue
			}
			if ok {
				match[i][j] = true
				match[j][i] = true
				agree[i]++
				agree[j]++
			}
		}
	}

	best := -1
	for i := range viable {
		if alive[i] && (best < 0 || agree[i] > agree[best]) {
			best = i
		}
	}
	if best < 0 || agree[best] < minValid(wu.MinQuorum) {
		d.Inconclusive = true
		for i := range viable {
			if alive[i] && viable[i].ValidateState == types.ValidateInit {
				d.Updates[viable[i].ID] = ResultUpdate{ValidateState: types.ValidateInconclusive, Outcome: types.OutcomeSuccess}
			}
		}
		return d, nil
	}

	var claims []float64
	for i := range viable {
		if alive[i] && (i == best || match[best][i]) {
			claims = append(claims, viable[i].ClaimedCredit)
		}
	}
	d.CanonicalID = viable[best].ID
	d.Credit = MedianMeanCredit(claims)
	for i := range viable {
		if !alive[i] {
			continue
		}
		if i == best || match[best][i] {
			d.Updates[viable[i].ID] = ResultUpdate{ValidateState: types.ValidateValid, Outcome: types.OutcomeSuccess, GrantedCredit: d.Credit}
		} else {
			d.Updates[viable[i].ID] = ResultUpdate{ValidateState: types.ValidateInvalid, Outcome: types.OutcomeSuccess}
		}
	}
	return d, nil
}

// CheckPair compares one newly arrived result with the existing canonical
// result. retry is set on a transient error and nothing should be written.
func (c *Checker) CheckPair(ctx context.Context, wu types.Workunit, canonical, r types.Result) (ResultUpdate, bool, error) {
	sc, err := c.cmp.Init(ctx, canonical)
	if err != nil {
		if IsTransient(err) {
			return ResultUpdate{}, true, err
		}
		return ResultUpdate{}, false, fmt.Errorf("canonical result %d: %w", canonical.ID, err)
	}
	defer c.cmp.Cleanup(canonical, sc)

	sr, err := c.cmp.Init(ctx, r)
	if err != nil {
		if IsTransient(err) {
			return ResultUpdate{}, true, err
		}
		return validateError(), false, nil
	}
	defer c.cmp.Cleanup(r, sr)

	ok, err := c.cmp.Compare(ctx, canonical, sc, r, sr)
	if err != nil {
		if IsTransient(err) {
			return ResultUpdate{}, true, err
		}
		return validateError(), false, nil
	}
	if ok {
		return ResultUpdate{ValidateState: types.ValidateValid, Outcome: types.OutcomeSuccess, GrantedCredit: wu.CanonicalCredit}, false, nil
	}
	return ResultUpdate{ValidateState: types.ValidateInvalid, Outcome: types.OutcomeSuccess}, false, nil
}
