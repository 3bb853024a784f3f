package chunk

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

type sized struct {
	ID      int    `json:"id"`
	Payload string `json:"p"`
}

// fixedRecord encodes to exactly n bytes: {"p":"..."} is 8 bytes of framing.
type fixedRecord struct {
	Payload string `json:"p"`
}

func makeFixed(count, encodedBytes int) []fixedRecord {
	out := make([]fixedRecord, count)
	for i := range out {
		out[i] = fixedRecord{Payload: strings.Repeat("a", encodedBytes-8)}
	}
	return out
}

func flatten[T any](batches []Batch[T]) []T {
	var out []T
	for _, b := range batches {
		out = append(out, b.Items...)
	}
	return out
}

func TestSplitEvenPolicyScenario(t *testing.T) {
	t.Parallel()

	records := makeFixed(250, 4096)

	one, err := Split(records, 1024*1024, Options{})
	if err != nil {
		t.Fatalf("Split(1MiB) error = %v", err)
	}
	if len(one) != 1 || len(one[0].Items) != 250 {
		t.Fatalf("Split(1MiB) = %d batches, want a single batch of 250", len(one))
	}

	four, err := Split(records, 256*1024, Options{})
	if err != nil {
		t.Fatalf("Split(256KiB) error = %v", err)
	}
	want := []int{63, 63, 63, 61}
	if len(four) != len(want) {
		t.Fatalf("Split(256KiB) = %d batches, want %d", len(four), len(want))
	}
	for i, b := range four {
		if len(b.Items) != want[i] {
			t.Fatalf("batch %d has %d items, want %d", i, len(b.Items), want[i])
		}
		if b.Bytes > 256*1024 {
			t.Fatalf("batch %d is %d bytes, over the limit", i, b.Bytes)
		}
	}
}

func TestSplitPreservesOrderWithoutLossOrDuplication(t *testing.T) {
	t.Parallel()

	random := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 1 + random.Intn(400)
		items := make([]sized, n)
		for i := range items {
			items[i] = sized{ID: i, Payload: strings.Repeat("x", random.Intn(2000))}
		}
		maxBytes := 64 + random.Intn(16*1024)

		batches, err := Split(items, maxBytes, Options{})
		if err != nil {
			t.Fatalf("round %d: Split() error = %v", round, err)
		}
		got := flatten(batches)
		if len(got) != n {
			t.Fatalf("round %d: got %d items, want %d", round, len(got), n)
		}
		for i, it := range got {
			if it.ID != i {
				t.Fatalf("round %d: position %d holds id %d", round, i, it.ID)
			}
		}
		next := 0
		for i, b := range batches {
			if b.Start != next {
				t.Fatalf("round %d: batch %d starts at %d, want %d", round, i, b.Start, next)
			}
			next = b.End()
			if b.Bytes > maxBytes && !b.Oversized(maxBytes) {
				t.Fatalf("round %d: batch %d is %d bytes with %d items, limit %d", round, i, b.Bytes, len(b.Items), maxBytes)
			}
			measured, err := EstimateBytes(b.Items)
			if err != nil {
				t.Fatalf("round %d: EstimateBytes() error = %v", round, err)
			}
			if measured != b.Bytes {
				t.Fatalf("round %d: batch %d reports %d bytes, measured %d", round, i, b.Bytes, measured)
			}
		}
	}
}

func TestSplitOversizeRecordsBecomeSingletons(t *testing.T) {
	t.Parallel()

	records := makeFixed(7, 500)
	batches, err := Split(records, 100, Options{})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(batches) != 7 {
		t.Fatalf("got %d batches, want 7", len(batches))
	}
	for i, b := range batches {
		if len(b.Items) != 1 || !b.Oversized(100) {
			t.Fatalf("batch %d: items=%d bytes=%d, want lone oversize record", i, len(b.Items), b.Bytes)
		}
	}
}

func TestSplitIsolatesSingleHugeRecord(t *testing.T) {
	t.Parallel()

	items := []sized{
		{ID: 0, Payload: "a"},
		{ID: 1, Payload: "b"},
		{ID: 2, Payload: strings.Repeat("z", 5000)},
		{ID: 3, Payload: "c"},
	}
	batches, err := Split(items, 1000, Options{})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	got := flatten(batches)
	if len(got) != 4 {
		t.Fatalf("got %d items, want 4", len(got))
	}
	found := false
	for _, b := range batches {
		for _, it := range b.Items {
			if it.ID == 2 {
				found = true
				if len(b.Items) != 1 {
					t.Fatalf("huge record shares a batch with %d others", len(b.Items)-1)
				}
			}
		}
	}
	if !found {
		t.Fatalf("huge record dropped")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	t.Parallel()

	batches, err := Split([]sized{}, 1024, Options{})
	if err != nil || len(batches) != 0 {
		t.Fatalf("Split(empty) = %v, %v; want no batches and no error", batches, err)
	}
	if _, err := Split([]sized(nil), 1024, Options{Strict: true}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("Split(empty, strict) error = %v, want ErrEmptyInput", err)
	}
	if _, err := Split([]sized{{ID: 1}}, 0, Options{}); err == nil {
		t.Fatalf("Split() accepted a zero limit")
	}
}
