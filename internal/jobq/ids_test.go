package jobq

import (
	"reflect"
	"testing"
)

func TestNormalizeIDs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input any
		want  []string
	}{
		{
			name:  "single id",
			input: "job-1",
			want:  []string{"job-1"},
		},
		{
			name:  "comma delimited",
			input: "job-1, job-2 ,job-3",
			want:  []string{"job-1", "job-2", "job-3"},
		},
		{
			name:  "list",
			input: []string{"job-2", "job-1"},
			want:  []string{"job-2", "job-1"},
		},
		{
			name:  "mapping with nested values",
			input: map[string]any{"a": "job-1", "b": []any{"job-2", "job-3"}},
			want:  []string{"job-1", "job-2", "job-3"},
		},
		{
			name:  "deeply nested mapping",
			input: map[string]any{"x": map[string]any{"y": "job-9"}, "a": "job-1"},
			want:  []string{"job-1", "job-9"},
		},
		{
			name:  "numeric ids",
			input: []any{"job-1", float64(42), map[string]any{"x": float64(7)}},
			want:  []string{"job-1", "42", "7"},
		},
		{
			name:  "fractional numbers keep their digits",
			input: []any{float64(7.5), int(3), int64(11)},
			want:  []string{"7.5", "3", "11"},
		},
		{
			name:  "duplicates collapse to first occurrence",
			input: []any{"job-1", "job-2", "job-1"},
			want:  []string{"job-1", "job-2"},
		},
		{
			name:  "blanks dropped",
			input: " , ,job-1,,",
			want:  []string{"job-1"},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name:  "nil input",
			input: nil,
			want:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeIDs(tc.input)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("NormalizeIDs(%v) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}
