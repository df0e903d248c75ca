package contextmon

import "testing"

func TestExtractContextPercent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		found bool
	}{
		{"percent context", "45% context", 45, true},
		{"percent of context", "72% of context remaining", 72, true},
		{"context colon", "Context: 88%", 88, true},
		{"context space", "context 91%", 91, true},
		{"ctx shorthand", "12% ctx", 12, true},
		{"case insensitive", "96% CONTEXT", 96, true},
		{"whitespace tolerant", "55 %   context", 55, true},
		{"largest wins", "10% context ... 80% context", 80, true},
		{"out of range ignored", "150% context", 0, false},
		{"zero valid", "0% context", 0, true},
		{"hundred valid", "100% context", 100, true},
		{"no marker", "compiling 3 files", 0, false},
		{"bare percent", "progress 42%", 0, false},
	}

	for _, tc := range tests {
		got, found := ExtractContextPercent(tc.input)
		if found != tc.found || got != tc.want {
			t.Errorf("%s: ExtractContextPercent(%q) = (%d, %v), want (%d, %v)",
				tc.name, tc.input, got, found, tc.want, tc.found)
		}
	}
}
