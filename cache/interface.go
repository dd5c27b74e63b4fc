package cache

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the container type of a cached value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindList
	KindHash
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindHash:
		return "hash"
	case KindSet:
		return "set"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrWrongKind is returned when an operation targets a key holding another container type.
var ErrWrongKind = errors.New("cached value has a different kind")

// Value is a typed container stored in the cache. Values handed out by Get
// are shared and must be treated as read-only; use Mutate to change one.
type Value interface {
	Kind() Kind
	// Size is the approximate memory footprint in bytes, used for the byte budget.
	Size() int64
	Clone() Value
}

// Interface is the contract the engine consumes.
type Interface interface {
	Get(key string) (Value, bool)
	Set(key string, value Value, ttl time.Duration)
	Invalidate(key string) bool
	SweepExpired() int
	Len() int
	Clear()
}

var _ Interface = (*Cache)(nil)
