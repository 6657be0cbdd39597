package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqRunIDs_Sequence(t *testing.T) {
	gen := NewSeqRunIDs("eod")

	assert.Equal(t, "eod-0001", gen.Generate())
	assert.Equal(t, "eod-0002", gen.Generate())
}

func TestSeqRunIDs_DefaultPrefix(t *testing.T) {
	gen := NewSeqRunIDs("")
	assert.Equal(t, "run-0001", gen.Generate())
}
