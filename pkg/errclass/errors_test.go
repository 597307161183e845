package errclass_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := errclass.ErrDiskTooSmall.WithMessage("backing device smaller than committed capacity")
	assert.Equal(t, "E_DISK_TOO_SMALL: backing device smaller than committed capacity", err.Error())
	assert.Equal(t, "E_NO_DISK", errclass.ErrNoDisk.Error())
}

func TestError_Is(t *testing.T) {
	err := errclass.ErrLocalAddr.WithMessagef("address %s in use by %s", "10.0.0.1:7789", "r0")
	require.True(t, errors.Is(err, errclass.ErrLocalAddr))
	require.False(t, errors.Is(err, errclass.ErrPeerAddr))

	wrapped := fmt.Errorf("connect: %w", err)
	require.ErrorIs(t, wrapped, errclass.ErrLocalAddr)
}

func TestError_WithMessageKeepsNum(t *testing.T) {
	err := errclass.ErrNoMemBitmap.WithMessage("bitmap resize failed")
	assert.Equal(t, 140, err.Num)
	assert.Equal(t, errclass.ErrNoMemBitmap.Code, err.Code)
}

func TestError_NumsAreUnique(t *testing.T) {
	all := []*errclass.Error{
		errclass.ErrLocalAddr, errclass.ErrPeerAddr, errclass.ErrOpenDisk, errclass.ErrOpenMDDisk,
		errclass.ErrDiskTooSmall, errclass.ErrMDDiskTooSmall, errclass.ErrMDIdxInvalid,
		errclass.ErrIOMDDisk, errclass.ErrMDInvalid, errclass.ErrDiscard, errclass.ErrDiskConfigured,
		errclass.ErrNetConfigured, errclass.ErrMandatoryTag, errclass.ErrMinorInvalid,
		errclass.ErrResizeResync, errclass.ErrNoPrimary, errclass.ErrNoDisk, errclass.ErrNotProtoC,
		errclass.ErrNoMemBitmap, errclass.ErrDataNotCurrent, errclass.ErrConnected,
		errclass.ErrStonithAndProtA, errclass.ErrCongNotProtoA, errclass.ErrConnNotKnown,
		errclass.ErrConnInUse, errclass.ErrMinorConfigured, errclass.ErrMinorExists,
		errclass.ErrInvalidRequest, errclass.ErrNeedAPV100, errclass.ErrActLogInUse,
	}
	seen := map[int]string{}
	for _, e := range all {
		prev, dup := seen[e.Num]
		require.False(t, dup, "%s reuses %d of %s", e.Code, e.Num, prev)
		seen[e.Num] = e.Code
		assert.Greater(t, e.Num, errclass.NoError)
	}
}

func TestFromState(t *testing.T) {
	assert.NoError(t, errclass.FromState(model.SSSuccess))
	assert.NoError(t, errclass.FromState(model.SSNothingToDo))

	err := errclass.FromState(model.SSTwoPrimaries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple primaries")

	rv, ok := errclass.StateResultOf(fmt.Errorf("promote: %w", err))
	require.True(t, ok)
	assert.Equal(t, model.SSTwoPrimaries, rv)

	_, ok = errclass.StateResultOf(errclass.ErrNoDisk)
	assert.False(t, ok)
}
