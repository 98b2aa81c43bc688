package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "surrounding whitespace trimmed",
			actual:   "\nService 180d\n\n",
			expected: "Service 180d",
			match:    true,
		},
		{
			name:     "trailing whitespace ignored",
			actual:   "Service 180d  \n  Characteristic 2a37\t\n",
			expected: "Service 180d\n  Characteristic 2a37\n",
			match:    true,
		},
		{
			name:     "leading whitespace significant",
			actual:   "Characteristic 2a37",
			expected: "  Characteristic 2a37",
		},
		{
			name:     "color sequences stripped",
			actual:   "\x1b[36;1mService 180d\x1b[0m  primary",
			expected: "Service 180d  primary",
			match:    true,
		},
		{
			name:     "empty lines significant by default",
			actual:   "a\n\nb",
			expected: "a\nb",
		},
		{
			name:     "empty lines ignored when requested",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "a\n\nb",
			expected: "a\nb",
			match:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewTextAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestTextAsserter_ReportsUnifiedDiff(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).Assert("value: 0050\n", "value: 003c\n")

	assert.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "-value: 003c")
	assert.Contains(t, rec.errors[0], "+value: 0050")
}

func TestTextAsserter_ColoredDiff(t *testing.T) {
	diff := NewTextAsserter(t).WithOptions(WithColors(true)).Diff("b\n", "a\n")

	assert.Contains(t, diff, "\x1b[31m-a")
	assert.Contains(t, diff, "\x1b[32m+b")
}
