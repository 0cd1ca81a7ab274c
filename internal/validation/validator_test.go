package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/shelfdb/internal/errors"
)

func TestValidateRowKey(t *testing.T) {
	v := NewValidator()
	long := []byte(strings.Repeat("k", MaxKeySize+1))

	tests := []struct {
		name string
		pk   []byte
		sk   []byte
		code errors.ErrorCode
	}{
		{"valid", []byte("bucket"), []byte("key"), errors.ErrCodeOK},
		{"empty sort key", []byte("bucket"), nil, errors.ErrCodeOK},
		{"empty partition key", nil, []byte("key"), errors.ErrCodeInvalidKey},
		{"partition key too large", long, nil, errors.ErrCodeKeyTooLarge},
		{"sort key too large", []byte("bucket"), long, errors.ErrCodeKeyTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRowKey(tt.pk, tt.sk)
			if tt.code == errors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestValidateBucketName(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateBucketName("my-bucket.1"))
	assert.Error(t, v.ValidateBucketName("ab"))
	assert.Error(t, v.ValidateBucketName("Upper"))
	assert.Error(t, v.ValidateBucketName("-dash"))
	assert.Error(t, v.ValidateBucketName("béb"))
}

func TestPayloadLimits(t *testing.T) {
	v := NewValidatorWithLimits(16, 4, 8)
	assert.NoError(t, v.ValidateInline([]byte("abcd")))
	assert.Equal(t, errors.ErrCodeValueTooLarge, errors.GetCode(v.ValidateInline([]byte("abcde"))))
	assert.NoError(t, v.ValidateBlock(make([]byte, 8)))
	assert.Error(t, v.ValidateBlock(make([]byte, 9)))
	assert.True(t, v.IsInline(4))
	assert.False(t, v.IsInline(5))
	assert.Error(t, v.ValidateObjectKey("a\x00b"))
}
