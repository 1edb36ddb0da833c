package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMajority(t *testing.T) {
	tests := []struct {
		name  string
		votes []string
		want  string
	}{
		{"empty", nil, ""},
		{"blank votes ignored", []string{"", "  "}, ""},
		{"normalized", []string{"Biology", " biology ", "physics"}, "biology"},
		{"clear winner", []string{"a", "b", "b"}, "b"},
		{"tie goes to first seen", []string{"b", "a", "a", "b"}, "b"},
		{"single", []string{"x"}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, majority(tt.votes))
		})
	}
}
