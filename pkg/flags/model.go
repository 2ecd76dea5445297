// Package flags implements local feature-flag evaluation: the ruleset model
// polled from the service, property predicate matching, and the
// hash-and-rollout rule engine that decides a flag without a network call.
package flags

import (
	"encoding/json"
	"fmt"
)

// FlagValue is the decided value of a flag: false, true, or a variant key.
type FlagValue interface{}

// Truthy reports whether a flag value counts as enabled. A variant string
// always counts as enabled.
func Truthy(v FlagValue) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		return value != ""
	default:
		return false
	}
}

// Group identifies a non-person entity (company, project, ...) a flag or an
// event can be keyed on.
type Group struct {
	Type       string
	Key        string
	Properties map[string]interface{}
}

// Identity carries everything an evaluation is parameterized by.
type Identity struct {
	DistinctID string
	Properties map[string]interface{}
	Groups     []Group
}

// GroupOfType returns the caller-provided group with the given type, if any.
func (id Identity) GroupOfType(groupType string) (Group, bool) {
	for _, g := range id.Groups {
		if g.Type == groupType {
			return g, true
		}
	}
	return Group{}, false
}

// Ruleset is the immutable bundle of flag definitions served by the local
// evaluation endpoint. It is built once per fetch and swapped atomically;
// readers must never mutate it.
type Ruleset struct {
	Flags            []FlagDefinition     `json:"flags"`
	Cohorts          map[string]FilterSet `json:"cohorts"`
	GroupTypeMapping map[string]string    `json:"group_type_mapping"`

	byKey map[string]*FlagDefinition
}

// Index builds the key lookup table. Called once after decoding, before the
// ruleset is published.
func (rs *Ruleset) Index() {
	rs.byKey = make(map[string]*FlagDefinition, len(rs.Flags))
	for i := range rs.Flags {
		rs.byKey[rs.Flags[i].Key] = &rs.Flags[i]
	}
}

// Flag looks up a flag definition by key.
func (rs *Ruleset) Flag(key string) (*FlagDefinition, bool) {
	f, ok := rs.byKey[key]
	return f, ok
}

// FlagDefinition is one flag's rule configuration.
type FlagDefinition struct {
	Key                        string  `json:"key"`
	Active                     bool    `json:"active"`
	EnsureExperienceContinuity bool    `json:"ensure_experience_continuity"`
	Filters                    Filters `json:"filters"`
}

// Filters holds a flag's conditions, variants and payloads.
type Filters struct {
	Groups                    []Condition       `json:"groups"`
	Multivariate              *Multivariate     `json:"multivariate"`
	AggregationGroupTypeIndex *int              `json:"aggregation_group_type_index"`
	Payloads                  map[string]string `json:"payloads"`
}

// Multivariate lists the variants of a multivariate flag in definition order.
type Multivariate struct {
	Variants []Variant `json:"variants"`
}

// Variant is a labeled bucket with its share of the hash space.
type Variant struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// HasVariant reports whether key names a defined variant.
func (m *Multivariate) HasVariant(key string) bool {
	if m == nil {
		return false
	}
	for _, v := range m.Variants {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Condition is a conjunction of property filters plus an optional rollout
// percentage and variant override. Condition order within a flag is
// authoritative: the first matching condition wins.
type Condition struct {
	Properties        []PropertyFilter `json:"properties"`
	RolloutPercentage *float64         `json:"rollout_percentage"`
	Variant           string           `json:"variant"`
}

// PropertyFilter is a single predicate over a property bag.
type PropertyFilter struct {
	Key             string      `json:"key"`
	Value           interface{} `json:"value"`
	Operator        Operator    `json:"operator"`
	Type            string      `json:"type"`
	Negation        bool        `json:"negation"`
	DependencyChain []string    `json:"dependency_chain"`
}

// Property filter types.
const (
	FilterTypePerson = "person"
	FilterTypeGroup  = "group"
	FilterTypeCohort = "cohort"
	FilterTypeFlag   = "flag"
)

// Operator is a property predicate operator.
type Operator string

const (
	OperatorExact        Operator = "exact"
	OperatorIsNot        Operator = "is_not"
	OperatorGT           Operator = "gt"
	OperatorGTE          Operator = "gte"
	OperatorLT           Operator = "lt"
	OperatorLTE          Operator = "lte"
	OperatorIContains    Operator = "icontains"
	OperatorNotIContains Operator = "not_icontains"
	OperatorRegex        Operator = "regex"
	OperatorNotRegex     Operator = "not_regex"
	OperatorIsSet        Operator = "is_set"
	OperatorIsNotSet     Operator = "is_not_set"
	OperatorIsDateBefore Operator = "is_date_before"
	OperatorIsDateAfter  Operator = "is_date_after"
)

// FilterSet is a boolean combination of property filters and nested filter
// sets. Cohorts are expressed as filter sets.
type FilterSet struct {
	Type   string        `json:"type"`
	Values []FilterValue `json:"values"`
}

// Filter set combinators.
const (
	FilterSetAND = "AND"
	FilterSetOR  = "OR"
)

// FilterValue is one element of a FilterSet: either a leaf PropertyFilter or
// a nested FilterSet.
type FilterValue struct {
	Filter *PropertyFilter
	Nested *FilterSet
}

// UnmarshalJSON distinguishes nested sets from leaf filters by the presence
// of a "values" field.
func (fv *FilterValue) UnmarshalJSON(data []byte) error {
	var probe struct {
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("filter value: %w", err)
	}

	if probe.Values != nil {
		var nested FilterSet
		if err := json.Unmarshal(data, &nested); err != nil {
			return fmt.Errorf("nested filter set: %w", err)
		}
		fv.Nested = &nested
		return nil
	}

	var leaf PropertyFilter
	if err := json.Unmarshal(data, &leaf); err != nil {
		return fmt.Errorf("property filter: %w", err)
	}
	fv.Filter = &leaf
	return nil
}

// MarshalJSON emits whichever side of the union is set.
func (fv FilterValue) MarshalJSON() ([]byte, error) {
	if fv.Nested != nil {
		return json.Marshal(fv.Nested)
	}
	return json.Marshal(fv.Filter)
}

// Payload returns the payload configured for a decided value, keyed by the
// variant key or "true"/"false" for boolean results.
func (f *FlagDefinition) Payload(value FlagValue) (string, bool) {
	if f.Filters.Payloads == nil {
		return "", false
	}
	var key string
	switch v := value.(type) {
	case bool:
		if v {
			key = "true"
		} else {
			key = "false"
		}
	case string:
		key = v
	default:
		return "", false
	}
	p, ok := f.Filters.Payloads[key]
	return p, ok
}
