package filter

import (
	"errors"
	"testing"

	"github.com/imjasonh/itemcache/pkg/item"
)

func mustFilter(t *testing.T, action Action, conds ...Condition) *Filter {
	t.Helper()
	f, err := New(action, conds...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return f
}

func TestSetFiltered(t *testing.T) {
	it := item.New("textfilecontent_item", item.StatusExists,
		item.String("filepath", "/etc/ssh/sshd_config"),
		item.String("text", "PermitRootLogin yes"),
		item.String("subexpression", "yes"),
	)

	for _, tt := range []struct {
		desc string
		set  Set
		want bool
	}{{
		desc: "no filters",
		set:  nil,
		want: false,
	}, {
		desc: "exclude matching",
		set:  Set{mustFilter(t, Exclude, Condition{Entity: "subexpression", Value: "yes"})},
		want: true,
	}, {
		desc: "exclude not matching",
		set:  Set{mustFilter(t, Exclude, Condition{Entity: "subexpression", Value: "no"})},
		want: false,
	}, {
		desc: "include matching",
		set: Set{mustFilter(t, Include, Condition{
			Entity: "filepath", Operation: OpPatternMatch, Value: `^/etc/ssh/`,
		})},
		want: false,
	}, {
		desc: "include not matching",
		set: Set{mustFilter(t, Include, Condition{
			Entity: "filepath", Operation: OpPatternMatch, Value: `^/usr/`,
		})},
		want: true,
	}, {
		desc: "all conditions must hold",
		set: Set{mustFilter(t, Exclude,
			Condition{Entity: "subexpression", Value: "yes"},
			Condition{Entity: "filepath", Value: "/etc/other"},
		)},
		want: false,
	}, {
		desc: "case insensitive",
		set: Set{mustFilter(t, Exclude, Condition{
			Entity: "text", Operation: OpCaseInsensitiveEquals, Value: "permitrootlogin YES",
		})},
		want: true,
	}, {
		desc: "missing entity never matches",
		set:  Set{mustFilter(t, Exclude, Condition{Entity: "instance", Operation: OpNotEqual, Value: "1"})},
		want: false,
	}, {
		desc: "any filter rejecting is enough",
		set: Set{
			mustFilter(t, Exclude, Condition{Entity: "subexpression", Value: "no"}),
			mustFilter(t, Include, Condition{Entity: "filepath", Value: "/elsewhere"}),
		},
		want: true,
	}} {
		t.Run(tt.desc, func(t *testing.T) {
			if got := tt.set.Filtered(it); got != tt.want {
				t.Errorf("Filtered() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewInvalid(t *testing.T) {
	for _, tt := range []struct {
		desc  string
		conds []Condition
	}{
		{"no conditions", nil},
		{"no entity", []Condition{{Value: "x"}}},
		{"bad pattern", []Condition{{Entity: "text", Operation: OpPatternMatch, Value: "("}}},
		{"bad operation", []Condition{{Entity: "text", Operation: "greater than", Value: "1"}}},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			if _, err := New(Exclude, tt.conds...); !errors.Is(err, ErrInvalidFilter) {
				t.Errorf("New() = %v, want ErrInvalidFilter", err)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"": Exclude, "exclude": Exclude, "Include": Include} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAction("drop"); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("ParseAction(drop) = %v, want ErrInvalidFilter", err)
	}
}
