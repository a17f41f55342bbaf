package clock

import (
	"math"
	"syscall"
	"testing"
)

func TestFromTimespecNegativeSaturatesZero(t *testing.T) {
	got := FromTimespec(syscall.Timespec{Sec: -1, Nsec: 500})
	if got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestFromTimespecOverflowSaturates(t *testing.T) {
	got := FromTimespec(syscall.Timespec{Sec: math.MaxInt64, Nsec: 0})
	if got != Nanos(math.MaxUint64) {
		t.Fatalf("got %d, want max uint64", got)
	}
}

func TestFromTimespecRoundTrip(t *testing.T) {
	ts := syscall.Timespec{Sec: 100, Nsec: 250}
	ns := FromTimespec(ts)
	if ns != 100*1_000_000_000+250 {
		t.Fatalf("got %d", ns)
	}
	back := ToTimespec(ns)
	if back.Sec != 100 || back.Nsec != 250 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestToTimespecSaturatesSec(t *testing.T) {
	got := ToTimespec(Nanos(math.MaxUint64))
	if got.Sec != math.MaxInt64 {
		t.Fatalf("got Sec=%d, want MaxInt64", got.Sec)
	}
}

func TestHostClockRejectsUnknown(t *testing.T) {
	if _, e := ResGet(ID(99)); e.Ok() {
		t.Fatalf("expected EINVAL for unknown clock id")
	}
}

func TestRelativeTimeoutMillisSaturates(t *testing.T) {
	if got := RelativeTimeoutMillis(Nanos(math.MaxUint64)); got != math.MaxInt32 {
		t.Fatalf("got %d, want MaxInt32", got)
	}
	if got := RelativeTimeoutMillis(Nanos(5_000_000)); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}
