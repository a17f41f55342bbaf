// Package clock translates guest clock identifiers and 64-bit nanosecond
// timestamps to and from host syscall.Timespec values.
//
// Grounded on fuse/misc.go's splitDuration, generalized to the saturating
// semantics spec.md §6 requires (the teacher's helper assumes a
// non-negative, non-overflowing time.Duration; guest timestamps carry no
// such guarantee).
package clock

import (
	"math"
	"syscall"

	"github.com/neveragainde/cloudabi-utils/errno"
	"golang.org/x/sys/unix"
)

// ID is a guest clock identifier.
type ID uint32

const (
	Realtime ID = iota
	Monotonic
	ProcessCPUTimeID
	ThreadCPUTimeID
)

const numClocks = ThreadCPUTimeID + 1

// hostClock maps a guest ID onto the host CLOCK_* constant. Unknown IDs are
// rejected with EINVAL before any host syscall, per spec.md §4.6 step 1.
func hostClock(id ID) (int32, errno.Errno) {
	switch id {
	case Realtime:
		return unix.CLOCK_REALTIME, errno.Success
	case Monotonic:
		return unix.CLOCK_MONOTONIC, errno.Success
	case ProcessCPUTimeID:
		return unix.CLOCK_PROCESS_CPUTIME_ID, errno.Success
	case ThreadCPUTimeID:
		return unix.CLOCK_THREAD_CPUTIME_ID, errno.Success
	default:
		return 0, errno.EINVAL
	}
}

// Nanos is a 64-bit unsigned nanosecond count, as exposed to the guest.
type Nanos uint64

// FromTimespec converts a host timespec into a saturating guest Nanos
// value: negative seconds become 0; a product that would overflow 64 bits
// saturates at math.MaxUint64 (spec.md §6).
func FromTimespec(ts syscall.Timespec) Nanos {
	if ts.Sec < 0 {
		return 0
	}
	sec := uint64(ts.Sec)
	const nsPerSec = 1_000_000_000
	if sec > math.MaxUint64/nsPerSec {
		return Nanos(math.MaxUint64)
	}
	secNs := sec * nsPerSec
	nsec := uint64(ts.Nsec)
	if secNs > math.MaxUint64-nsec {
		return Nanos(math.MaxUint64)
	}
	return Nanos(secNs + nsec)
}

// ToTimespec is the reverse conversion: tv_sec saturates at the host time
// type's maximum, tv_nsec = ns mod 1e9 (spec.md §6).
func ToTimespec(ns Nanos) syscall.Timespec {
	const nsPerSec = 1_000_000_000
	sec := uint64(ns) / nsPerSec
	nsec := uint64(ns) % nsPerSec

	maxSec := uint64(math.MaxInt64)
	if sec > maxSec {
		sec = maxSec
	}
	return syscall.Timespec{Sec: int64(sec), Nsec: int64(nsec)}
}

// ResGet implements clock_res_get(id) -> ns.
func ResGet(id ID) (Nanos, errno.Errno) {
	host, e := hostClock(id)
	if !e.Ok() {
		return 0, e
	}
	var ts unix.Timespec
	if err := unix.ClockGetres(int(host), &ts); err != nil {
		return 0, errno.Translate(err)
	}
	return FromTimespec(syscall.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}), errno.Success
}

// TimeGet implements clock_time_get(id, precision) -> ns. Precision is
// advisory on every host libc we target and is accepted but not enforced,
// matching the teacher's general stance of trusting the host for best-effort
// hints (e.g. fs/loopback_linux.go's O_DIRECT downgrade is the one place the
// teacher does enforce a hint, and only because skipping it causes EINVAL).
func TimeGet(id ID, _ Nanos) (Nanos, errno.Errno) {
	host, e := hostClock(id)
	if !e.Ok() {
		return 0, e
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(int(host), &ts); err != nil {
		return 0, errno.Translate(err)
	}
	return FromTimespec(syscall.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}), errno.Success
}

// RelativeTimeoutMillis converts a relative nanosecond timeout into the
// millisecond granularity host poll(2) wants, saturating at the maximum int
// poll will accept (spec.md §4.4 step 4).
func RelativeTimeoutMillis(ns Nanos) int {
	const nsPerMs = 1_000_000
	ms := uint64(ns) / nsPerMs
	if ms > uint64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(ms)
}
