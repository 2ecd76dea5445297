package flags

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrFlagNotFound is returned when the requested flag key is absent from the
// ruleset.
var ErrFlagNotFound = errors.New("flag not found in ruleset")

// InconclusiveError reports that local evaluation could not decide a filter
// or flag. The caller is expected to fall back to remote evaluation.
type InconclusiveError struct {
	Reason string
}

func (e *InconclusiveError) Error() string {
	return "inconclusive local evaluation: " + e.Reason
}

func inconclusive(reason string) error {
	return &InconclusiveError{Reason: reason}
}

// IsInconclusive reports whether err (or anything it wraps) is an
// inconclusive evaluation.
func IsInconclusive(err error) bool {
	var ie *InconclusiveError
	return errors.As(err, &ie)
}

var relativeDateRe = regexp.MustCompile(`^-?([0-9]+)([dhwmy])$`)

// matchProperty evaluates one predicate against a resolved comparand.
// present is false when the property key was absent from the bag.
func (e *Evaluator) matchProperty(f PropertyFilter, comparand interface{}, present bool) (bool, error) {
	if f.Operator == OperatorIsNotSet {
		// Needs knowledge of every property the person has ever had.
		return false, inconclusive("is_not_set_unsupported")
	}

	if !present {
		return false, inconclusive("missing_property")
	}

	if comparand == nil {
		// A null property matches nothing except a negated equality.
		return f.Operator == OperatorIsNot, nil
	}

	switch f.Operator {
	case OperatorIsSet:
		return true, nil

	case OperatorExact:
		return valueEquals(f.Value, comparand), nil

	case OperatorIsNot:
		return !valueEquals(f.Value, comparand), nil

	case OperatorIContains:
		return strings.Contains(lower(comparand), lower(f.Value)), nil

	case OperatorNotIContains:
		return !strings.Contains(lower(comparand), lower(f.Value)), nil

	case OperatorRegex, OperatorNotRegex:
		re, err := regexp.Compile(stringify(f.Value))
		if err != nil {
			return false, inconclusive("invalid_regex")
		}
		matched := re.MatchString(stringify(comparand))
		if f.Operator == OperatorNotRegex {
			matched = !matched
		}
		return matched, nil

	case OperatorGT, OperatorGTE, OperatorLT, OperatorLTE:
		left, okL := toFloat(comparand)
		right, okR := toFloat(f.Value)
		if !okL || !okR {
			return false, inconclusive("non_numeric_comparison")
		}
		switch f.Operator {
		case OperatorGT:
			return left > right, nil
		case OperatorGTE:
			return left >= right, nil
		case OperatorLT:
			return left < right, nil
		default:
			return left <= right, nil
		}

	case OperatorIsDateBefore, OperatorIsDateAfter:
		pivot, err := e.parseFilterDate(f.Value)
		if err != nil {
			return false, inconclusive("invalid_filter_date")
		}
		when, err := parseDate(comparand)
		if err != nil {
			return false, inconclusive("invalid_property_date")
		}
		if f.Operator == OperatorIsDateBefore {
			return when.Before(pivot), nil
		}
		return when.After(pivot), nil

	default:
		return false, inconclusive("unknown_operator")
	}
}

// valueEquals implements exact/is_not semantics. A list-valued filter means
// set membership; numeric operands compare numerically so that 2 matches
// "2.0".
func valueEquals(filterValue, comparand interface{}) bool {
	if list, ok := filterValue.([]interface{}); ok {
		for _, candidate := range list {
			if scalarEquals(candidate, comparand) {
				return true
			}
		}
		return false
	}
	return scalarEquals(filterValue, comparand)
}

func scalarEquals(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

func stringify(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func lower(v interface{}) string {
	return strings.ToLower(stringify(v))
}

func toFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// parseFilterDate understands ISO 8601 timestamps and relative expressions
// of the form -<n>(d|h|w|m|y) anchored at the evaluator's wall clock.
func (e *Evaluator) parseFilterDate(v interface{}) (time.Time, error) {
	s := stringify(v)
	if m := relativeDateRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, err
		}
		now := e.now()
		switch m[2] {
		case "h":
			return now.Add(-time.Duration(n) * time.Hour), nil
		case "d":
			return now.AddDate(0, 0, -n), nil
		case "w":
			return now.AddDate(0, 0, -7*n), nil
		case "m":
			return now.AddDate(0, -n, 0), nil
		default: // y
			return now.AddDate(-n, 0, 0), nil
		}
	}
	return parseDate(v)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(v interface{}) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s := stringify(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
