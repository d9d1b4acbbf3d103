// Package filter implements the state filters an object can attach to its
// item collection. A filter either excludes the items that match its state or
// keeps only those.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/imjasonh/itemcache/pkg/item"
)

// ErrInvalidFilter is returned for filters that cannot be evaluated.
var ErrInvalidFilter = errors.New("filter: invalid filter")

// Action selects what a filter does with matching items.
type Action int

const (
	// Exclude drops items matching the state.
	Exclude Action = iota
	// Include drops items not matching the state.
	Include
)

// ParseAction accepts "exclude" and "include"; empty means Exclude.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exclude":
		return Exclude, nil
	case "include":
		return Include, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, s)
	}
}

func (a Action) String() string {
	if a == Include {
		return "include"
	}
	return "exclude"
}

// Operation compares an entity value to a condition value.
type Operation string

const (
	OpEquals                Operation = "equals"
	OpNotEqual              Operation = "not equal"
	OpCaseInsensitiveEquals Operation = "case insensitive equals"
	OpPatternMatch          Operation = "pattern match"
)

// Condition is one entity test of a state.
type Condition struct {
	Entity    string
	Operation Operation
	Value     string

	re *regexp.Regexp
}

// Filter is a state (all conditions must hold) plus an action.
type Filter struct {
	Action     Action
	Conditions []Condition
}

// New validates and compiles a filter.
func New(action Action, conditions ...Condition) (*Filter, error) {
	if len(conditions) == 0 {
		return nil, fmt.Errorf("%w: no conditions", ErrInvalidFilter)
	}
	f := &Filter{Action: action, Conditions: make([]Condition, len(conditions))}
	for i, c := range conditions {
		if c.Entity == "" {
			return nil, fmt.Errorf("%w: condition %d has no entity", ErrInvalidFilter, i)
		}
		switch c.Operation {
		case "":
			c.Operation = OpEquals
		case OpEquals, OpNotEqual, OpCaseInsensitiveEquals:
		case OpPatternMatch:
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: condition %d: %w", ErrInvalidFilter, i, err)
			}
			c.re = re
		default:
			return nil, fmt.Errorf("%w: unsupported operation %q", ErrInvalidFilter, c.Operation)
		}
		f.Conditions[i] = c
	}
	return f, nil
}

// Matches reports whether it satisfies every condition. A condition holds if
// at least one entity with its name satisfies it.
func (f *Filter) Matches(it *item.Item) bool {
	for _, c := range f.Conditions {
		if !c.holds(it) {
			return false
		}
	}
	return true
}

func (c Condition) holds(it *item.Item) bool {
	for _, v := range it.Values(c.Entity) {
		if c.compare(v) {
			return true
		}
	}
	return false
}

func (c Condition) compare(v string) bool {
	switch c.Operation {
	case OpEquals:
		return v == c.Value
	case OpNotEqual:
		return v != c.Value
	case OpCaseInsensitiveEquals:
		return strings.EqualFold(v, c.Value)
	case OpPatternMatch:
		return c.re.MatchString(v)
	}
	return false
}

// Set is the ordered filter list of one object.
type Set []*Filter

// Filtered reports whether any filter in the set rejects it.
func (s Set) Filtered(it *item.Item) bool {
	for _, f := range s {
		matched := f.Matches(it)
		if (f.Action == Exclude && matched) || (f.Action == Include && !matched) {
			return true
		}
	}
	return false
}
