package flags

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/featurehog/featurehog-go/pkg/hashing"
)

// Evaluator computes flag values locally from a ruleset. It holds no
// per-identity state: for a fixed ruleset, identity and wall clock, the
// result is a pure function of its inputs.
type Evaluator struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		logger: logger.With().Str("component", "evaluator").Logger(),
		now:    time.Now,
	}
}

// evalCache memoizes flag results within a single top-level call so that
// shared dependencies are computed once and cycles terminate.
type evalCache struct {
	values     map[string]FlagValue
	inProgress map[string]bool
}

func newEvalCache() *evalCache {
	return &evalCache{
		values:     make(map[string]FlagValue),
		inProgress: make(map[string]bool),
	}
}

// Evaluate computes one flag for an identity. It returns ErrFlagNotFound if
// the key is absent, an *InconclusiveError when local evaluation cannot
// decide, or the decided value (false, true, or a variant key).
func (e *Evaluator) Evaluate(rs *Ruleset, key string, id Identity) (FlagValue, error) {
	if rs == nil {
		return nil, inconclusive("no_ruleset")
	}
	return e.evaluateCached(rs, key, id, newEvalCache())
}

// EvaluateAll computes every flag in ruleset order. It returns the decided
// values, the payloads for decided values that have one, and whether any
// flag was inconclusive and the caller should fall back to remote
// evaluation. A failure in one flag never aborts the sweep.
func (e *Evaluator) EvaluateAll(rs *Ruleset, id Identity) (map[string]FlagValue, map[string]string, bool) {
	values := make(map[string]FlagValue)
	payloads := make(map[string]string)
	fallback := false

	if rs == nil {
		return values, payloads, true
	}

	cache := newEvalCache()
	for i := range rs.Flags {
		flag := &rs.Flags[i]
		value, err := e.safeEvaluate(rs, flag.Key, id, cache)
		if err != nil {
			fallback = true
			if !IsInconclusive(err) {
				e.logger.Warn().Err(err).Str("flag_key", flag.Key).Msg("Flag evaluation failed, will fall back to remote")
			}
			continue
		}
		values[flag.Key] = value
		if p, ok := flag.Payload(value); ok {
			payloads[flag.Key] = p
		}
	}
	return values, payloads, fallback
}

// safeEvaluate contains a panic from a single malformed flag definition so
// the evaluate-all sweep keeps going.
func (e *Evaluator) safeEvaluate(rs *Ruleset, key string, id Identity, cache *evalCache) (value FlagValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flag %q: panic during evaluation: %v", key, r)
		}
	}()
	return e.evaluateCached(rs, key, id, cache)
}

func (e *Evaluator) evaluateCached(rs *Ruleset, key string, id Identity, cache *evalCache) (FlagValue, error) {
	if v, ok := cache.values[key]; ok {
		return v, nil
	}
	if cache.inProgress[key] {
		return nil, inconclusive("circular_dependency")
	}
	cache.inProgress[key] = true
	defer delete(cache.inProgress, key)

	value, err := e.evaluateFlag(rs, key, id, cache)
	if err != nil {
		return nil, err
	}
	cache.values[key] = value
	return value, nil
}

func (e *Evaluator) evaluateFlag(rs *Ruleset, key string, id Identity, cache *evalCache) (FlagValue, error) {
	flag, ok := rs.Flag(key)
	if !ok {
		return nil, ErrFlagNotFound
	}

	if flag.EnsureExperienceContinuity {
		// Needs server-side identity merging; cannot be decided here.
		return nil, inconclusive("experience_continuity")
	}

	if !flag.Active {
		return false, nil
	}

	subjectID := id.DistinctID
	subjectProps := id.Properties

	if idx := flag.Filters.AggregationGroupTypeIndex; idx != nil {
		groupType, ok := rs.GroupTypeMapping[fmt.Sprintf("%d", *idx)]
		if !ok {
			return nil, inconclusive("unknown_group_type")
		}
		group, ok := id.GroupOfType(groupType)
		if !ok {
			// The remote side would answer the same, so this is a decided
			// false rather than a fallback.
			e.logger.Warn().
				Str("flag_key", key).
				Str("group_type", groupType).
				Msg("Group flag evaluated without a group of its type")
			return false, nil
		}
		subjectID = group.Key
		subjectProps = group.Properties
	}

	sawInconclusive := false
	for _, condition := range flag.Filters.Groups {
		matched, err := e.matchCondition(rs, flag, condition, subjectID, subjectProps, id, cache)
		if err != nil {
			if isServerRequired(err) {
				return nil, err
			}
			sawInconclusive = true
			continue
		}
		if !matched {
			continue
		}

		if condition.Variant != "" && flag.Filters.Multivariate.HasVariant(condition.Variant) {
			return condition.Variant, nil
		}
		return e.selectVariant(flag, subjectID), nil
	}

	if sawInconclusive {
		return nil, inconclusive("all_properties_unknown")
	}
	return false, nil
}

// matchCondition evaluates a condition's property filters (AND semantics)
// and its rollout percentage.
func (e *Evaluator) matchCondition(rs *Ruleset, flag *FlagDefinition, c Condition, subjectID string, subjectProps map[string]interface{}, id Identity, cache *evalCache) (bool, error) {
	for _, f := range c.Properties {
		matched, err := e.matchFilter(rs, f, subjectID, subjectProps, id, cache)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	rollout := 100.0
	if c.RolloutPercentage != nil {
		rollout = *c.RolloutPercentage
	}
	return hashing.InRollout(flag.Key, subjectID, rollout), nil
}

// matchFilter dispatches a single filter by type and applies negation to the
// match result. Inconclusive outcomes are never negated.
func (e *Evaluator) matchFilter(rs *Ruleset, f PropertyFilter, subjectID string, subjectProps map[string]interface{}, id Identity, cache *evalCache) (bool, error) {
	var matched bool
	var err error

	switch f.Type {
	case FilterTypeCohort:
		matched, err = e.matchCohort(rs, f, subjectID, subjectProps, id, cache)
	case FilterTypeFlag:
		matched, err = e.matchFlagDependency(rs, f, id, cache)
	default:
		comparand, present := resolveProperty(f.Key, subjectID, subjectProps)
		matched, err = e.matchProperty(f, comparand, present)
	}

	if err != nil {
		return false, err
	}
	if f.Negation {
		matched = !matched
	}
	return matched, nil
}

func resolveProperty(key, subjectID string, props map[string]interface{}) (interface{}, bool) {
	if key == "distinct_id" {
		return subjectID, true
	}
	v, ok := props[key]
	return v, ok
}

// matchCohort resolves the referenced cohort's filter set and evaluates it
// recursively. A cohort absent from the ruleset (e.g. a static cohort) must
// be resolved server-side.
func (e *Evaluator) matchCohort(rs *Ruleset, f PropertyFilter, subjectID string, subjectProps map[string]interface{}, id Identity, cache *evalCache) (bool, error) {
	cohortID := stringify(f.Value)
	set, ok := rs.Cohorts[cohortID]
	if !ok {
		return false, inconclusive("server_required")
	}
	return e.matchFilterSet(rs, set, subjectID, subjectProps, id, cache)
}

// matchFilterSet evaluates an AND/OR combination. Inconclusive members are
// skipped as long as a decisive member settles the set; if the set cannot be
// settled and any member was inconclusive, the set is inconclusive.
func (e *Evaluator) matchFilterSet(rs *Ruleset, set FilterSet, subjectID string, subjectProps map[string]interface{}, id Identity, cache *evalCache) (bool, error) {
	isOR := set.Type == FilterSetOR
	sawInconclusive := false

	for _, fv := range set.Values {
		var matched bool
		var err error
		if fv.Nested != nil {
			matched, err = e.matchFilterSet(rs, *fv.Nested, subjectID, subjectProps, id, cache)
		} else if fv.Filter != nil {
			matched, err = e.matchFilter(rs, *fv.Filter, subjectID, subjectProps, id, cache)
		} else {
			continue
		}

		if err != nil {
			if isServerRequired(err) {
				return false, err
			}
			sawInconclusive = true
			continue
		}
		if isOR && matched {
			return true, nil
		}
		if !isOR && !matched {
			return false, nil
		}
	}

	if sawInconclusive {
		return false, inconclusive("filter_set_undecided")
	}
	return !isOR, nil
}

// matchFlagDependency evaluates a flag-to-flag dependency via its
// server-computed chain. The chain lists every flag that must be evaluated
// before the immediate dependency, ending with the dependency itself; the
// server emits an empty chain when the dependency graph has a cycle.
func (e *Evaluator) matchFlagDependency(rs *Ruleset, f PropertyFilter, id Identity, cache *evalCache) (bool, error) {
	chain := f.DependencyChain
	if len(chain) == 0 {
		return false, inconclusive("circular_dependency")
	}
	if chain[len(chain)-1] != f.Key {
		return false, inconclusive("bad_dependency_chain")
	}

	for _, depKey := range chain {
		if _, ok := cache.values[depKey]; ok {
			continue
		}
		if _, ok := rs.Flag(depKey); !ok {
			return false, inconclusive("missing_dependency")
		}
		if _, err := e.evaluateCached(rs, depKey, id, cache); err != nil {
			return false, err
		}
	}

	depValue := cache.values[f.Key]
	switch expected := f.Value.(type) {
	case bool:
		return Truthy(depValue) == expected, nil
	case string:
		variant, ok := depValue.(string)
		return ok && variant == expected, nil
	default:
		return false, inconclusive("unsupported_dependency_value")
	}
}

// selectVariant assigns a multivariate flag's variant by hashing the subject
// into cumulative half-open rollout ranges. A hash falling past the last
// range (variants summing under 100) is a valid unassigned state and yields
// false.
func (e *Evaluator) selectVariant(flag *FlagDefinition, subjectID string) FlagValue {
	mv := flag.Filters.Multivariate
	if mv == nil || len(mv.Variants) == 0 {
		return true
	}

	h := hashing.Hash(flag.Key, subjectID, "variant")
	cumulative := 0.0
	for _, v := range mv.Variants {
		next := cumulative + v.RolloutPercentage/100
		if h >= cumulative && h < next {
			return v.Key
		}
		cumulative = next
	}
	return false
}

func isServerRequired(err error) bool {
	var ie *InconclusiveError
	return errors.As(err, &ie) && ie.Reason == "server_required"
}
