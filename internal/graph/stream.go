package graph

import "context"

// Stream is a lazy, finite, single-pass sequence. Next returns ok=false once
// the stream is exhausted.
type Stream[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

type (
	EntityStream       = Stream[Entity]
	RelationshipStream = Stream[Relationship]
)

// SliceStream streams the elements of a slice in order.
type SliceStream[T any] struct {
	items []T
	pos   int
}

func FromSlice[T any](items []T) *SliceStream[T] {
	return &SliceStream[T]{items: items}
}

func (s *SliceStream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

// FuncStream adapts a generator function to a Stream.
type FuncStream[T any] func(ctx context.Context) (T, bool, error)

func (f FuncStream[T]) Next(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

// NextChunk pulls up to size items. An empty result with a nil error means
// the stream is exhausted.
func NextChunk[T any](ctx context.Context, s Stream[T], size int) ([]T, error) {
	if size < 1 {
		size = 1
	}
	chunk := make([]T, 0, size)
	for len(chunk) < size {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return chunk, err
		}
		if !ok {
			break
		}
		chunk = append(chunk, item)
	}
	return chunk, nil
}

// WriteResult counts the outcome of a batch write.
type WriteResult struct {
	// Created is the number of nodes or edges newly created.
	Created int
	// Merged is the number of writes that matched an existing node or edge
	// and left it untouched.
	Merged int
	// Skipped is the number of edges dropped because an endpoint did not
	// exist.
	Skipped int
}

func (w *WriteResult) Add(o WriteResult) {
	w.Created += o.Created
	w.Merged += o.Merged
	w.Skipped += o.Skipped
}
