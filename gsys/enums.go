// Package gsys is the syscall dispatch surface of spec.md §4.6: one
// exported method per guest syscall, each following the same five-step
// shape (translate enums, acquire with rights, resolve a path lease if
// needed, perform the host call, translate the error and release).
//
// Grounded on fuse/api.go's raw-operation dispatch table (one method per
// FUSE opcode, uniform error-return convention) and on fs/loopback_unix.go
// for the host-call-per-operation texture.
package gsys

import (
	"github.com/neveragainde/cloudabi-utils/errno"
	"golang.org/x/sys/unix"
)

// Whence is fd_seek's origin argument (spec.md §6 "Whence").
type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCurrent
	WhenceEnd
)

func hostWhence(w Whence) (int, errno.Errno) {
	switch w {
	case WhenceSet:
		return unix.SEEK_SET, errno.Success
	case WhenceCurrent:
		return unix.SEEK_CUR, errno.Success
	case WhenceEnd:
		return unix.SEEK_END, errno.Success
	default:
		return 0, errno.EINVAL
	}
}

// Advice is file_advise/mem_advise's access-pattern hint.
type Advice uint8

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	AdviceDontNeed
	AdviceNoReuse
)

func hostAdvice(a Advice) (int, errno.Errno) {
	switch a {
	case AdviceNormal:
		return unix.FADV_NORMAL, errno.Success
	case AdviceRandom:
		return unix.FADV_RANDOM, errno.Success
	case AdviceSequential:
		return unix.FADV_SEQUENTIAL, errno.Success
	case AdviceWillNeed:
		return unix.FADV_WILLNEED, errno.Success
	case AdviceDontNeed:
		return unix.FADV_DONTNEED, errno.Success
	case AdviceNoReuse:
		return unix.FADV_NOREUSE, errno.Success
	default:
		return 0, errno.EINVAL
	}
}

// ShutdownHow is sock_shutdown's direction mask.
type ShutdownHow uint8

const (
	ShutdownRead ShutdownHow = 1 << iota
	ShutdownWrite
)

func hostShutdownHow(s ShutdownHow) (int, errno.Errno) {
	switch s {
	case ShutdownRead:
		return unix.SHUT_RD, errno.Success
	case ShutdownWrite:
		return unix.SHUT_WR, errno.Success
	case ShutdownRead | ShutdownWrite:
		return unix.SHUT_RDWR, errno.Success
	default:
		return 0, errno.EINVAL
	}
}

// Prot is mem_protect's requested protection.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func hostProt(p Prot) (int, errno.Errno) {
	if p&ProtWrite != 0 && p&ProtExec != 0 {
		return 0, errno.ENOTSUP
	}
	var host int
	if p&ProtRead != 0 {
		host |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		host |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		host |= unix.PROT_EXEC
	}
	return host, errno.Success
}

// MapFlags is mem_map's sharing/placement mask.
type MapFlags uint8

const (
	MapPrivate MapFlags = 1 << iota
	MapShared
	MapFixed
	MapAnon
)

// SyncFlags is mem_sync's flush mode.
type SyncFlags uint8

const (
	SyncAsync SyncFlags = 1 << iota
	SyncSync
	SyncInvalidate
)

func hostMsyncFlags(s SyncFlags) (int, errno.Errno) {
	one := s & (SyncAsync | SyncSync)
	if one != SyncAsync && one != SyncSync {
		return 0, errno.EINVAL
	}
	host := unix.MS_ASYNC
	if one == SyncSync {
		host = unix.MS_SYNC
	}
	if s&SyncInvalidate != 0 {
		host |= unix.MS_INVALIDATE
	}
	return host, errno.Success
}
