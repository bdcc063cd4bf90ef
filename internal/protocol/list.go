package protocol

import (
	"fmt"
	"iter"
	"slices"
)

// Capacity fixes the maximum length of a List at the type level
type Capacity interface {
	Limit() int
}

type (
	EnumCapacity    struct{}
	FieldCapacity   struct{}
	MessageCapacity struct{}
)

func (EnumCapacity) Limit() int    { return MaxEnumValues }
func (FieldCapacity) Limit() int   { return MaxFieldsPerMessage }
func (MessageCapacity) Limit() int { return MaxMessagesPerDefinition }

// List is a bounded vector whose capacity is carried by C
type List[T any, C Capacity] struct {
	items []T
}

// Limit returns the capacity of the list type
func (l *List[T, C]) Limit() int {
	var c C
	return c.Limit()
}

// Append adds v, failing with ErrCapacityExceeded once the list is full
func (l *List[T, C]) Append(v T) error {
	if len(l.items) >= l.Limit() {
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, l.Limit())
	}
	if l.items == nil {
		l.items = make([]T, 0, l.Limit())
	}
	l.items = append(l.items, v)
	return nil
}

func (l *List[T, C]) Len() int { return len(l.items) }

// At returns a pointer to element i. The list owns the element.
func (l *List[T, C]) At(i int) *T { return &l.items[i] }

// All iterates over the elements in insertion order
func (l *List[T, C]) All() iter.Seq2[int, *T] {
	return func(yield func(int, *T) bool) {
		for i := range l.items {
			if !yield(i, &l.items[i]) {
				return
			}
		}
	}
}

// Clone returns a list with an independent backing array
func (l *List[T, C]) Clone() List[T, C] {
	return List[T, C]{items: slices.Clone(l.items)}
}
