// Package poll implements the single unified event-wait primitive of
// spec.md §4.4: one call that can wait on futex/condvar state, a clock
// deadline, and fd readiness all at once, the way the guest ABI's
// poll_oneoff folds kqueue/epoll/select and futex waiting into one
// subscription list.
//
// Grounded on fuse/loopback_linux_test.go's use of unix.Poll for
// readiness waits, and on fuse.Server's pattern of dropping locks before
// a blocking call (its loop releases its lock before mainLoop's blocking
// read).
package poll

import (
	"context"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/clock"
	"github.com/neveragainde/cloudabi-utils/collab"
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

// Multiplexer is the table- and host-bound implementation of
// collab.Futex's sibling operation, poll_oneoff.
type Multiplexer struct {
	h     hostif.Host
	table *capfd.Table
	futex collab.Futex
}

// New returns a Multiplexer. futex may be nil if no subscription list this
// process ever sees contains a futex subscription; a nil futex is treated
// as one that never claims the call.
func New(h hostif.Host, table *capfd.Table, futex collab.Futex) *Multiplexer {
	return &Multiplexer{h: h, table: table, futex: futex}
}

// Poll implements spec.md §4.4. out must have capacity >= len(subs); the
// returned count is always <= len(subs).
func (m *Multiplexer) Poll(ctx context.Context, tid uint32, subs []collab.Subscription, out []collab.Event) (int, error) {
	if len(subs) == 0 {
		return 0, nil
	}

	// Step 1: offer the whole batch to the futex collaborator first.
	if m.futex != nil {
		events, handled, err := m.futex.Poll(ctx, tid, subs)
		if err != nil {
			return 0, err
		}
		if handled {
			n := copy(out, events)
			return n, nil
		}
	}

	// Step 2: a lone clock subscription is a plain sleep.
	if len(subs) == 1 && subs[0].Kind == collab.SubClock {
		out[0] = m.sleepOne(ctx, subs[0])
		return 1, nil
	}

	// Step 3: mixed fd-readiness + at most one relative-timeout clock.
	// Unlike the lookup phase, readiness is only known after the host
	// poll, so only lookup-phase errors go into results eagerly; fd and
	// clock events are appended once their actual outcome (ready / timed
	// out) is known, per spec.md §4.4 step 5.
	type pending struct {
		sub collab.Subscription
		ref capfd.EntryRef
	}
	var (
		results  []collab.Event
		pendingFDs []pending
		pollFDs  []unix.PollFd
		clockSub *collab.Subscription
		sawClock bool
		hadError bool
	)
	defer func() {
		for _, p := range pendingFDs {
			p.ref.Obj.Release(m.h)
		}
	}()

	for _, s := range subs {
		switch s.Kind {
		case collab.SubClock:
			if sawClock {
				results = append(results, collab.Event{Userdata: s.Userdata, Kind: collab.EventClock, Err: uint16(errno.EINVAL)})
				hadError = true
				continue
			}
			sawClock = true
			sc := s
			clockSub = &sc

		case collab.SubFDRead, collab.SubFDWrite:
			ref, e := m.table.Acquire(s.FD, capfd.RightPollFDReadwrite, 0)
			if !e.Ok() {
				results = append(results, collab.Event{Userdata: s.Userdata, Kind: eventKindFor(s.Kind), Err: uint16(e)})
				hadError = true
				continue
			}
			pendingFDs = append(pendingFDs, pending{sub: s, ref: ref})
			flags := int16(unix.POLLRDNORM)
			if s.Kind == collab.SubFDWrite {
				flags = unix.POLLWRNORM
			}
			pollFDs = append(pollFDs, unix.PollFd{Fd: int32(ref.Obj.HostFD()), Events: flags})

		default:
			results = append(results, collab.Event{Userdata: s.Userdata, Err: uint16(errno.EINVAL)})
			hadError = true
		}
	}

	// Step 4: timeout selection. A lookup-phase error demands an
	// immediate (non-blocking) poll so those errors aren't held up behind
	// a clock wait; otherwise the clock subscription (if any) bounds how
	// long the host poll may block.
	timeoutMillis := -1
	if hadError {
		timeoutMillis = 0
	} else if clockSub != nil {
		timeoutMillis = clock.RelativeTimeoutMillis(timeoutNanos(*clockSub))
	}

	if len(pollFDs) == 0 {
		// No fd to poll: every subscription other than a lone clock (which
		// step 2 handles) has produced a lookup-phase error, and a second
		// clock subscription is itself such an error, so the errors are
		// returned at once without waiting on the clock.
		if !hadError && clockSub != nil {
			results = append(results, m.sleepOne(ctx, *clockSub))
		}
		n := copy(out, results)
		return n, nil
	}

	res, err := m.h.Poll(pollFDs, timeoutMillis)
	if err != nil {
		return 0, err
	}

	if res == 0 {
		// Step 5, zero-result branch: only a clock event, and only if
		// nothing errored out during lookup.
		if !hadError && clockSub != nil {
			results = append(results, collab.Event{Userdata: clockSub.Userdata, Kind: collab.EventClock})
		}
		n := copy(out, results)
		return n, nil
	}

	for i, pfd := range pollFDs {
		if pfd.Revents == 0 {
			continue
		}
		p := pendingFDs[i]
		ev := collab.Event{Userdata: p.sub.Userdata, Kind: eventKindFor(p.sub.Kind)}
		switch {
		case pfd.Revents&unix.POLLNVAL != 0:
			ev.Err = uint16(errno.EBADF)
		case pfd.Revents&unix.POLLERR != 0:
			ev.Err = uint16(errno.EIO)
		case pfd.Revents&unix.POLLHUP != 0:
			ev.Hangup = true
			ev.NBytes = fionread(m.h, p.ref.Obj.HostFD())
		default:
			if pfd.Revents&(unix.POLLIN|unix.POLLRDNORM) != 0 {
				ev.NBytes = fionread(m.h, p.ref.Obj.HostFD())
			}
		}
		results = append(results, ev)
	}

	n := copy(out, results)
	return n, nil
}

func eventKindFor(k collab.SubscriptionKind) collab.EventKind {
	if k == collab.SubFDWrite {
		return collab.EventFDWrite
	}
	return collab.EventFDRead
}

func timeoutNanos(s collab.Subscription) clock.Nanos {
	if !s.Absolute {
		return clock.Nanos(s.Timeout)
	}
	now, e := clock.TimeGet(clock.ID(s.ClockID), 0)
	if !e.Ok() || clock.Nanos(s.Timeout) <= now {
		return 0
	}
	return clock.Nanos(s.Timeout) - now
}

func fionread(h hostif.Host, fd int) uint64 {
	n, err := h.IoctlFIONREAD(fd)
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}

// sleepOne implements step 2: a single clock subscription with no fds in
// play, via host clock_nanosleep.
func (m *Multiplexer) sleepOne(_ context.Context, s collab.Subscription) collab.Event {
	ev := collab.Event{Userdata: s.Userdata, Kind: collab.EventClock}
	host, e := hostClockID(s.ClockID)
	if !e.Ok() {
		ev.Err = uint16(e)
		return ev
	}
	ts := clock.ToTimespec(clock.Nanos(s.Timeout))
	flags := 0
	if s.Absolute {
		flags = unix.TIMER_ABSTIME
	}
	var rem unix.Timespec
	in := unix.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}
	err := unix.ClockNanosleep(host, flags, &in, &rem)
	if err != nil && err != unix.EINTR {
		ev.Err = uint16(errno.Translate(err))
	}
	return ev
}

func hostClockID(id uint32) (int32, errno.Errno) {
	switch clock.ID(id) {
	case clock.Realtime:
		return unix.CLOCK_REALTIME, errno.Success
	case clock.Monotonic:
		return unix.CLOCK_MONOTONIC, errno.Success
	default:
		return 0, errno.EINVAL
	}
}
