package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/shelfdb/internal/errors"
)

const (
	// Size limits
	MaxKeySize        = 1024             // 1 KB, partition and sort key each
	MaxInlineSize     = 3 * 1024         // object data stored in the object row
	MaxBlockSize      = 64 * 1024 * 1024 // 64 MB
	MaxBucketNameSize = 63
	MinBucketNameSize = 3
	DefaultBlockSize  = 1024 * 1024 // 1 MB
)

// Validator checks keys and payloads before they reach a table or the block
// manager.
type Validator struct {
	maxKeySize    int
	maxInlineSize int
	maxBlockSize  int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:    MaxKeySize,
		maxInlineSize: MaxInlineSize,
		maxBlockSize:  MaxBlockSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxInlineSize, maxBlockSize int) *Validator {
	return &Validator{
		maxKeySize:    maxKeySize,
		maxInlineSize: maxInlineSize,
		maxBlockSize:  maxBlockSize,
	}
}

// ValidateRowKey validates the partition and sort key of a table row. The
// partition key may not be empty; the sort key may.
func (v *Validator) ValidateRowKey(partitionKey, sortKey []byte) error {
	if len(partitionKey) == 0 {
		return errors.InvalidKey("", "partition key cannot be empty")
	}
	if len(partitionKey) > v.maxKeySize {
		return errors.KeyTooLarge(len(partitionKey), v.maxKeySize)
	}
	if len(sortKey) > v.maxKeySize {
		return errors.KeyTooLarge(len(sortKey), v.maxKeySize)
	}
	return nil
}

// ValidateObjectKey validates a client supplied object key
func (v *Validator) ValidateObjectKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	// Null bytes would collide with the key separator of data keys.
	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}
	return nil
}

// ValidateBucketName applies the usual S3 naming rules.
func (v *Validator) ValidateBucketName(name string) error {
	if len(name) < MinBucketNameSize || len(name) > MaxBucketNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("bucket name must be %d to %d characters", MinBucketNameSize, MaxBucketNameSize), nil)
	}
	for _, r := range name {
		if r > unicode.MaxASCII || !(unicode.IsLower(r) || unicode.IsDigit(r) || r == '-' || r == '.') {
			return errors.InvalidArgument(fmt.Sprintf("bucket name %q contains invalid character %q", name, r), nil)
		}
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return errors.InvalidArgument(fmt.Sprintf("bucket name %q cannot start or end with '-'", name), nil)
	}
	return nil
}

// ValidateInline validates data small enough to live in the object row
func (v *Validator) ValidateInline(data []byte) error {
	if len(data) > v.maxInlineSize {
		return errors.ValueTooLarge(len(data), v.maxInlineSize)
	}
	return nil
}

// ValidateBlock validates the payload of one block
func (v *Validator) ValidateBlock(data []byte) error {
	if len(data) > v.maxBlockSize {
		return errors.ValueTooLarge(len(data), v.maxBlockSize)
	}
	return nil
}

// IsInline reports whether data is stored in the object row instead of blocks.
func (v *Validator) IsInline(size int) bool {
	return size <= v.maxInlineSize
}
