package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewULID_SameMillisecondIsOrdered(t *testing.T) {
	// Not parallel: monotonic entropy is shared process-wide.
	now := time.Now().UTC()
	out := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		out = append(out, id)
	}
	if !sort.StringsAreSorted(out) {
		t.Fatalf("ids minted in one millisecond must sort in creation order")
	}
}

func TestTime_RoundTripsMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	id := MustNewULID(now)
	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if !got.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("Time()=%v want=%v", got, now.Truncate(time.Millisecond))
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected parse failure for garbage id")
	}
}
