package search

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Query
	}{
		{
			input: "home:Hawks",
			expected: Query{
				Filters: []Filter{
					{Key: "home", Value: "Hawks", Operator: OpEqual},
				},
				FreeText: []string{},
			},
		},
		{
			input: "event:\"Conference Finals\" location:\"Oak Ridge Gym\"",
			expected: Query{
				Filters: []Filter{
					{Key: "event", Value: "Conference Finals", Operator: OpEqual},
					{Key: "location", Value: "Oak Ridge Gym", Operator: OpEqual},
				},
				FreeText: []string{},
			},
		},
		{
			input: "status:final overtime",
			expected: Query{
				Filters: []Filter{
					{Key: "status", Value: "final", Operator: OpEqual},
				},
				FreeText: []string{"overtime"},
			},
		},
		{
			input: "date:>=\"2026-01-01\"",
			expected: Query{
				Filters: []Filter{
					{Key: "date", Value: "2026-01-01", Operator: OpGreaterOrEqual},
				},
				FreeText: []string{},
			},
		},
		{
			input: "date:<2027",
			expected: Query{
				Filters: []Filter{
					{Key: "date", Value: "2027", Operator: OpLess},
				},
				FreeText: []string{},
			},
		},
		{
			input: "date:2026-01..2026-03",
			expected: Query{
				Filters: []Filter{
					{Key: "date", Value: "2026-01", MaxValue: "2026-03", Operator: OpRange},
				},
				FreeText: []string{},
			},
		},
		{
			input: "mixed query \"free text\" key:val",
			expected: Query{
				Filters: []Filter{
					{Key: "key", Value: "val", Operator: OpEqual},
				},
				FreeText: []string{"mixed", "query", "free text"},
			},
		},
		{
			input: "broken:range:..",
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"broken:range:.."},
			},
		},
		{
			input: "tipoff:19:30", // Unquoted colon -> FreeText
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"tipoff:19:30"},
			},
		},
		{
			input: "tipoff:\"19:30\"", // Quoted colon -> Filter
			expected: Query{
				Filters: []Filter{
					{Key: "tipoff", Value: "19:30", Operator: OpEqual},
				},
				FreeText: []string{},
			},
		},
		{
			input: "away:", // Empty value -> FreeText
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"away:"},
			},
		},
	}

	for _, tt := range tests {
		got := Parse(tt.input)
		// Helper to compare slices empty vs nil
		if len(got.FreeText) == 0 && len(tt.expected.FreeText) == 0 {
			got.FreeText = []string{}
			tt.expected.FreeText = []string{}
		}
		if len(got.Filters) == 0 && len(tt.expected.Filters) == 0 {
			got.Filters = []Filter{}
			tt.expected.Filters = []Filter{}
		}

		if !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("Parse(%q)\ngot  %#v\nwant %#v", tt.input, got, tt.expected)
		}
	}
}
