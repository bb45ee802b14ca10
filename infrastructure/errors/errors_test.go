package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndWrap(t *testing.T) {
	e := New(KindNotFound, "missing")
	require.EqualError(t, e, "[not_found] missing")

	wrapped := Wrap(KindIO, "write failed", fmt.Errorf("disk full"))
	require.EqualError(t, wrapped, "[io] write failed: disk full")
	require.Equal(t, "disk full", wrapped.Unwrap().Error())
}

func TestWithDetails(t *testing.T) {
	e := New(KindConflict, "dup").WithDetails("key", "x").WithDetails("attempt", 3)
	assert.Equal(t, "x", e.Details["key"])
	assert.Equal(t, 3, e.Details["attempt"])
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(KindRPCError, "x").Retryable())
	assert.True(t, New(KindRPCTimeout, "x").Retryable())
	assert.True(t, New(KindIO, "x").Retryable())
	assert.False(t, New(KindAddressInvalid, "x").Retryable())
	assert.False(t, New(KindPermissionDenied, "x").Retryable())
	assert.False(t, New(KindMalformedRequest, "x").Retryable())
}

func TestIs(t *testing.T) {
	err := AddressInvalid("bad.name")
	assert.True(t, Is(err, KindAddressInvalid))
	assert.False(t, Is(err, KindTimeout))
	assert.False(t, Is(fmt.Errorf("plain"), KindTimeout))
}
