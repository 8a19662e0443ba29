package blockdev

import (
	"testing"

	"github.com/kesari/fatfs"
	"github.com/stretchr/testify/assert"
)

func TestNewOpStateStartsInProgress(t *testing.T) {
	state := NewOpState()
	assert.True(t, state.InProgress())
	assert.ErrorIs(t, state.Err, fatfs.ErrOpInProgress)
}

func TestOpStateNoLongerInProgressOnceResolved(t *testing.T) {
	state := NewOpState()
	state.Err = nil
	assert.False(t, state.InProgress())

	state.Err = fatfs.ErrCannotReadMedia
	assert.False(t, state.InProgress())
}
