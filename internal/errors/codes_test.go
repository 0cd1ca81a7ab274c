package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_ThroughWrapping(t *testing.T) {
	inner := BlockNotFound("abcd")
	err := fmt.Errorf("fetch: %w", InsufficientReplicas(0, 1, inner))

	assert.True(t, HasCode(err, ErrCodeInsufficientReplicas))
	assert.True(t, HasCode(err, ErrCodeBlockNotFound))
	assert.False(t, HasCode(err, ErrCodeKeyNotFound))
	assert.True(t, stderrors.Is(err, &StorageError{Code: ErrCodeInsufficientReplicas}))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{Unavailable("peer down", nil), true},
		{DiskFull(99, 10), true},
		{InvalidArgument("bad", nil), false},
		{DecodeFailed("object", []byte("k"), nil), false},
		{stderrors.New("plain"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestFromGRPC_RoundTrip(t *testing.T) {
	tests := []struct {
		in   *StorageError
		want ErrorCode
	}{
		{KeyNotFound("object", "b", "k"), ErrCodeKeyNotFound},
		{InvalidArgument("bad", nil), ErrCodeInvalidArgument},
		{BlockCorrupt("abcd", nil), ErrCodeCorruptedData},
		{Timeout("slow", nil), ErrCodeTimeout},
		{DiskThrottled(92), ErrCodeUnavailable},
	}
	for _, tt := range tests {
		got := FromGRPC(tt.in.ToGRPCStatus().Err())
		assert.Equal(t, tt.want, GetCode(got), "%v", tt.in)
	}
	plain := stderrors.New("not grpc")
	assert.Equal(t, plain, FromGRPC(plain))
}
