// Package chunk splits record collections into size-bounded upload batches.
//
// Batches are sized evenly rather than greedily packed: the number of batches
// is ceil(totalBytes/maxBytes) and every batch gets ceil(n/batches) items, so
// the batch count stays predictable. Because that count comes from the
// aggregate size, each candidate batch is then measured and re-split with the
// same policy when highly variable record sizes push it over the limit. A
// single record larger than the limit becomes its own oversized batch.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyInput = errors.New("chunk: empty input")

type Options struct {
	// Strict turns an empty input into ErrEmptyInput instead of zero batches.
	Strict bool
}

type Batch[T any] struct {
	// Start is the index of Items[0] in the input.
	Start int
	Items []T
	// Bytes is the JSON array size of Items.
	Bytes int
}

func (b Batch[T]) End() int {
	return b.Start + len(b.Items)
}

// Oversized reports whether the batch is a lone record above maxBytes.
func (b Batch[T]) Oversized(maxBytes int) bool {
	return len(b.Items) == 1 && b.Bytes > maxBytes
}

func Split[T any](items []T, maxBytes int, opts Options) ([]Batch[T], error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("chunk: max bytes must be positive, got %d", maxBytes)
	}
	if len(items) == 0 {
		if opts.Strict {
			return nil, ErrEmptyInput
		}
		return nil, nil
	}

	// prefix[i] is the encoded size of items[:i].
	prefix := make([]int, len(items)+1)
	for i, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("chunk: encode item %d: %w", i, err)
		}
		prefix[i+1] = prefix[i] + len(raw)
	}

	s := splitter[T]{items: items, prefix: prefix, maxBytes: maxBytes}
	s.split(0, len(items))
	return s.out, nil
}

// EstimateBytes returns the JSON array size of items.
func EstimateBytes[T any](items []T) (int, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

type splitter[T any] struct {
	items    []T
	prefix   []int
	maxBytes int
	out      []Batch[T]
}

func (s *splitter[T]) arrayBytes(lo, hi int) int {
	n := hi - lo
	if n == 0 {
		return 2
	}
	return s.prefix[hi] - s.prefix[lo] + (n - 1) + 2
}

func (s *splitter[T]) split(lo, hi int) {
	n := hi - lo
	count := ceilDiv(s.arrayBytes(lo, hi), s.maxBytes)
	if count < 1 {
		count = 1
	}
	per := ceilDiv(n, count)

	for start := lo; start < hi; start += per {
		end := min(start+per, hi)
		size := s.arrayBytes(start, end)
		if size > s.maxBytes && end-start > 1 {
			s.split(start, end)
			continue
		}
		s.out = append(s.out, Batch[T]{
			Start: start,
			Items: s.items[start:end:end],
			Bytes: size,
		})
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
