package remap

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewSectorError("main_io", 100, KindIoMedium, syscall.EIO)
	s := err.Error()
	assert.Contains(t, s, "op=main_io")
	assert.Contains(t, s, "sector=100")
	assert.Contains(t, s, "errno=5")

	plain := NewError("construct", KindInvalidParameters, "bad table")
	assert.Contains(t, plain.Error(), "bad table")
}

func TestErrorKindMatching(t *testing.T) {
	err := NewDeviceError("construct", "remap0", KindWrongMainDevice, "size mismatch")
	assert.True(t, IsKind(err, KindWrongMainDevice))
	assert.False(t, IsKind(err, KindNotFound))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsKind(wrapped, KindWrongMainDevice))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindWrongMainDevice}))
}

func TestWrapErrorErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		kind  Kind
	}{
		{syscall.ENOENT, KindNotFound},
		{syscall.EACCES, KindPermission},
		{syscall.EBUSY, KindBusy},
		{syscall.EIO, KindIoMedium},
		{syscall.EAGAIN, KindIoTransient},
		{syscall.ECANCELED, KindCancelled},
		{syscall.ETIMEDOUT, KindTimeout},
		{syscall.ENOSPC, KindOutOfMemory},
		{syscall.ENODEV, KindIoFatal},
	}
	for _, tc := range cases {
		err := WrapError("open", tc.errno)
		assert.True(t, IsKind(err, tc.kind), "errno %v should map to %q", tc.errno, tc.kind)
		assert.True(t, IsErrno(err, tc.errno))
	}
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))
}

func TestWrapErrorKeepsStructure(t *testing.T) {
	inner := NewSectorError("spare_io", 42, KindIoMedium, syscall.EIO)
	outer := WrapError("save", inner)
	assert.Equal(t, "save", outer.Op)
	assert.Equal(t, KindIoMedium, outer.Kind)
	assert.True(t, outer.HasSector)
	assert.Equal(t, uint64(42), outer.Sector)
}
