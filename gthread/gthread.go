// Package gthread is the thread-spawning glue of spec.md §4.7: turning
// thread_create/thread_exit into real host OS threads rather than
// goroutine-multiplexed ones, since the ABI promises the guest one
// dedicated host thread per guest thread (spec.md §5).
//
// Grounded on fuse.Server's worker-goroutine-per-request-loop
// (fuse/fuse.go), generalized from "one goroutine reads FUSE requests off
// a kernel fd in a loop" to "one runtime.LockOSThread-pinned goroutine runs
// one guest thread body, then tears itself down on thread_exit".
package gthread

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/collab"
	"github.com/neveragainde/cloudabi-utils/hostif"
)

// threadState is what a running guest thread needs to find again from
// inside a syscall implementation that only has its own goroutine's
// identity to go on — Go has no native TLS, so this is indexed by the
// pinned OS thread's gettid() instead (spec.md §9's "thread-local holding
// a shared pointer", the nearest equivalent Go allows).
type threadState struct {
	tid   uint32
	table *capfd.Table
}

var (
	stateMu sync.RWMutex
	state   = map[int]*threadState{}
)

// Thread is the handle a guest thread body runs with; Exit is the only
// operation it needs against its own identity.
type Thread struct {
	TID   uint32
	Table *capfd.Table
	futex collab.Futex
	hostTID int
}

// Entry is the guest thread body installed by thread_create. It must call
// Exit itself before returning — a plain return is a guest contract
// violation (spec.md §4.7 "if the guest returns, abort").
type Entry func(self *Thread, argument uintptr)

// Spawn implements thread_create(entry, argument, stack_len): allocate a
// guest tid, start a detached, OS-thread-pinned goroutine, install this
// thread's table pointer and tid where Current can find them, then run
// entry. stackLen has no effect on a goroutine's stack (Go grows it
// automatically) and is accepted only to keep the call shape spec.md §4.7
// names; it is not wired to anything.
func Spawn(tids collab.TIDPool, table *capfd.Table, futex collab.Futex, entry Entry, argument uintptr, stackLen uintptr) uint32 {
	tid := tids.Allocate()
	ready := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		th := &Thread{TID: tid, Table: table, futex: futex}
		register(th)
		close(ready)
		entry(th, argument)
		panic(fmt.Sprintf("gthread: guest entry for tid %d returned without thread_exit", tid))
	}()
	<-ready
	return tid
}

// Exit implements thread_exit(lock, scope): release the guest lock,
// waking joiners, then terminate this host thread without returning to
// Spawn's entry call.
func (t *Thread) Exit(lock uint64, scope collab.Scope) {
	t.futex.LockUnlock(t.TID, lock, scope)
	unregister(t)
	runtime.UnlockOSThread()
	runtime.Goexit()
}

// Current looks up the calling goroutine's thread state by its pinned OS
// thread id. ok is false if called from a goroutine gthread never spawned
// (e.g. the launcher's own goroutine).
func Current() (tid uint32, table *capfd.Table, ok bool) {
	stateMu.RLock()
	defer stateMu.RUnlock()
	s, ok := state[gettid()]
	if !ok {
		return 0, nil, false
	}
	return s.tid, s.table, true
}

// Yield implements thread_yield: give the rest of this host thread's
// timeslice to another thread.
func Yield(h hostif.Host) {
	h.SchedYield()
}

func register(t *Thread) {
	t.hostTID = gettid()
	stateMu.Lock()
	state[t.hostTID] = &threadState{tid: t.TID, table: t.Table}
	stateMu.Unlock()
}

func unregister(t *Thread) {
	stateMu.Lock()
	delete(state, t.hostTID)
	stateMu.Unlock()
}
