// Package quota describes the limits enforced by the synchronized store
// and the rule that decides whether a document fits in a single entry.
//
// All sizes are UTF-8 encoded byte lengths. An entry is measured as the
// length of its key plus the length of its JSON-encoded value, which is how
// the synchronized backend accounts for it.
package quota

import (
	"errors"
	"fmt"
)

const (
	// TotalLimit is the maximum number of bytes the synchronized store holds.
	TotalLimit = 102400
	// PerItemLimit is the maximum size of a single entry.
	PerItemLimit = 8192
	// MaxItems is the maximum number of entries.
	MaxItems = 512
	// ChunkSize is the maximum body length of one chunk entry.
	ChunkSize = 7000
	// SafetyMargin is kept free below PerItemLimit when storing directly.
	SafetyMargin = 500
	// WritesPerMinute is the sustained write-operation rate of the synchronized store.
	WritesPerMinute = 120
)

// Policy carries a set of limits. The zero value is not useful; start from
// Default and override fields in tests.
type Policy struct {
	TotalLimit   int
	PerItemLimit int
	MaxItems     int
	ChunkSize    int
	SafetyMargin int
}

// Default returns the limits of the synchronized store.
func Default() Policy {
	return Policy{
		TotalLimit:   TotalLimit,
		PerItemLimit: PerItemLimit,
		MaxItems:     MaxItems,
		ChunkSize:    ChunkSize,
		SafetyMargin: SafetyMargin,
	}
}

// FitsDirectly reports whether a serialized document of byteSize bytes may
// be written as a single direct entry.
func (p Policy) FitsDirectly(byteSize int) bool {
	return byteSize < p.PerItemLimit-p.SafetyMargin
}

// ExceedsTotalQuota reports whether byteSize is more than the whole store can hold.
func (p Policy) ExceedsTotalQuota(byteSize int) bool {
	return byteSize > p.TotalLimit
}

// FitsDirectly applies the default policy.
func FitsDirectly(byteSize int) bool {
	return Default().FitsDirectly(byteSize)
}

// ExceedsTotalQuota applies the default policy.
func ExceedsTotalQuota(byteSize int) bool {
	return Default().ExceedsTotalQuota(byteSize)
}

// ByteSize returns the UTF-8 encoded length of s.
func ByteSize(s string) int {
	return len(s)
}

// EntrySize returns the accounted size of one stored entry.
func EntrySize(key string, value []byte) int {
	return len(key) + len(value)
}

// Limit names the quota that rejected a write.
type Limit string

const (
	LimitPerItem   Limit = "per-item"
	LimitTotal     Limit = "total"
	LimitMaxItems  Limit = "max-items"
	LimitWriteRate Limit = "write-rate"
)

// ErrQuotaExceeded matches every *ExceededError with errors.Is.
var ErrQuotaExceeded = errors.New("quota: exceeded")

// ExceededError reports which limit a write ran into.
type ExceededError struct {
	Limit Limit
	Key   string // empty for store-wide limits
	Size  int
	Max   int
}

func (e *ExceededError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("quota: %s limit exceeded for key %q (%d > %d)", e.Limit, e.Key, e.Size, e.Max)
	}
	return fmt.Sprintf("quota: %s limit exceeded (%d > %d)", e.Limit, e.Size, e.Max)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
