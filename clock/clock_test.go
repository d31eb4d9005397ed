package clock

import (
	"testing"
	"time"
)

func TestFixedAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFixed(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	next := c.Advance(5 * time.Minute)
	want := start.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("Advance() = %v, want %v", next, want)
	}
	if got := c.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFixedSet(t *testing.T) {
	c := NewFixed(time.Unix(0, 0))
	target := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	if got := c.Now(); !got.Equal(target) {
		t.Fatalf("Now() = %v, want %v", got, target)
	}
}

func TestRealAdvances(t *testing.T) {
	var c Real
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	if !b.After(a) {
		t.Fatalf("expected real clock to advance, got a=%v b=%v", a, b)
	}
}
