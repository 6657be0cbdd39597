package auditdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		glob, path string
		want       bool
	}{
		{"/a/*", "/a/b", true},
		{"/a/*", "/a/b/c", true},
		{"/a/*", "/a", false},
		{"*", "/", true},
		{"/a/?", "/a/1", true},
		{"/a/?", "/a/12", false},
		{"/[ab]", "/a", true},
		{"/[ab]", "/c", false},
		{"/[!ab]", "/c", true},
		{"/[!ab]", "/a", false},
		{"/[0-9]", "/7", true},
		{"/[", "/[", true},
		{"/a.b", "/a.b", true},
		{"/a.b", "/axb", false},
		{"/A", "/a", false},
		{"/[]]", "/]", true},
		{"/(x)+", "/(x)+", true},
	}
	for _, tt := range tests {
		t.Run(tt.glob+" "+tt.path, func(t *testing.T) {
			got, err := Match(tt.glob, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
