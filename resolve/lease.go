// Package resolve implements the confined path resolver of spec.md §4.3: a
// user-space emulation of "openat, but the whole subtree under dirfd is the
// only thing reachable", on hosts that lack a kernel primitive for it, plus
// a fast path on hosts (Linux with openat2) that do provide one.
package resolve

import (
	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/hostif"
)

// Lease is a path-access lease (spec.md §3): a transient (host dirfd, leaf
// name) pair plus an owning reference to the originating directory object,
// valid for the duration of one path-using syscall.
type Lease struct {
	// HostDirFD is the host directory fd the leaf is relative to. It may
	// be the directory object's own host fd, or an intermediate fd
	// opened during resolution.
	HostDirFD int

	// Leaf is the final path component and never contains '/'. A
	// trailing '/' on the resolved path is not kept here, and the lease
	// carries no separate must-be-directory flag.
	Leaf string

	// Follow indicates the leaf, if itself a symlink, should be
	// dereferenced by the host call that consumes this lease.
	Follow bool

	// intermediateFD is >= 0 only when HostDirFD is an fd the resolver
	// itself opened (not the directory object's own fd), distinguishing
	// "close this on release" from "this belongs to the table entry".
	intermediateFD int

	dir *capfd.Object
}

// Release closes any intermediate fd the lease holds and releases the
// reference to the originating directory object (spec.md §4.3, final
// paragraph).
func (l *Lease) Release(h hostif.Host) {
	if l.intermediateFD >= 0 {
		h.Close(l.intermediateFD)
		l.intermediateFD = -1
	}
	if l.dir != nil {
		l.dir.Release(h)
		l.dir = nil
	}
}
