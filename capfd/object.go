// Package capfd implements the reference-counted descriptor object and the
// concurrent descriptor table that maps guest fd numbers onto them
// (spec.md §3, §4.1, §4.2).
package capfd

import (
	"sync"
	"sync/atomic"

	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

// Kind is the guest-visible descriptor type (spec.md §3 "Type").
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRegularFile
	KindDirectory
	KindBlockDevice
	KindCharDevice
	KindTTY
	KindSocketStream
	KindSocketDgram
	KindSharedMemory
	KindSymlink // transient: only ever returned by a stat, never stored live
)

// noHost is the sentinel "virtual" host number of spec.md §3: a directory
// that was opened but whose fd has been handed off to a directory-stream
// handle, or an object with no backing host resource at all.
const noHost = -1

// dirState is the directory-only extension of spec.md §3: a mutex
// protecting a lazily-created stream handle and the guest's read cursor.
// Grounded on fs/dirstream_unix.go's loopbackDirStream, which has exactly
// this shape (mu sync.Mutex guarding a lazily opened fd/buffer pair).
type dirState struct {
	mu     sync.Mutex
	stream *dirStream // nil until first Readdir
	cursor uint64
}

// dirStream is the promoted stream handle. Once created, it — not the
// object — owns host-fd close responsibility (spec.md §3 "releasing the
// object closes the host descriptor via the stream handle").
type dirStream struct {
	fd        int
	buf       []byte
	todo      []byte
	todoErrno errno.Errno
}

// Object is a live host resource held by the guest (spec.md §3).
type Object struct {
	kind Kind

	// refcount; protected only by atomic ops, per spec.md §5.
	refcount int32

	// hostMu protects hostFD during the single transition from "open
	// fd" to "fd owned by dirStream"; it is never held across a host
	// call, including the final close.
	hostMu sync.Mutex
	hostFD int

	dir *dirState // non-nil iff kind == KindDirectory
}

// NewObject creates an object with refcount 1 and no host number yet
// attached (spec.md §4.2 "new(type)"). The object keeps no host
// descriptor; NewWithHostFD creates one bound to a host descriptor.
func NewObject(kind Kind) *Object {
	o := &Object{kind: kind, refcount: 1, hostFD: noHost}
	if kind == KindDirectory {
		o.dir = &dirState{}
	}
	return o
}

// NewWithHostFD is the common case: an object already bound to a host
// descriptor.
func NewWithHostFD(kind Kind, hostFD int) *Object {
	o := NewObject(kind)
	o.hostFD = hostFD
	return o
}

// Kind reports the object's immutable type.
func (o *Object) Kind() Kind { return o.kind }

// HostFD returns the current raw host descriptor number, or noHost if the
// object never had a host descriptor or the directory's fd has been
// promoted to a stream handle (in which case directory reads go through
// EnsureStream, SeekTo and Next).
func (o *Object) HostFD() int {
	o.hostMu.Lock()
	defer o.hostMu.Unlock()
	return o.hostFD
}

// Acquire adds one reference. It is always safe to call while already
// holding another reference (spec.md §5: "Reference acquires inside a
// table-locked region are safe").
func (o *Object) Acquire() *Object {
	atomic.AddInt32(&o.refcount, 1)
	return o
}

// Release drops one reference. On transition to zero it closes the host
// resource — outside of any lock the caller may be holding, since closing
// can block (spec.md §5, §9). It must never be called while holding the
// table lock.
func (o *Object) Release(h hostif.Host) {
	n := atomic.AddInt32(&o.refcount, -1)
	if n < 0 {
		panic("capfd: refcount underflow")
	}
	if n != 0 {
		return
	}
	o.closeHost(h)
}

func (o *Object) closeHost(h hostif.Host) {
	if o.kind == KindDirectory {
		o.dir.mu.Lock()
		ds := o.dir.stream
		o.dir.mu.Unlock()
		if ds != nil {
			h.Close(ds.fd)
			return
		}
	}
	o.hostMu.Lock()
	fd := o.hostFD
	o.hostFD = noHost
	o.hostMu.Unlock()
	if fd != noHost {
		h.Close(fd)
	}
}

// Refcount is exposed for testing property 2 of spec.md §8.
func (o *Object) Refcount() int32 { return atomic.LoadInt32(&o.refcount) }

// Probe classifies a freshly opened host descriptor, returning its guest
// Kind and the maximal rights that Kind permits, with read/write stripped
// per the host access mode (spec.md §4.2 type_rights). accessMode is the
// O_ACCMODE bits of the flags the descriptor was opened with.
func Probe(h hostif.Host, hostFD int, accessMode int) (Kind, Rights, Rights, errno.Errno) {
	var st unix.Stat_t
	if err := h.Fstat(hostFD, &st); err != nil {
		return KindUnknown, 0, 0, errno.Translate(err)
	}

	kind, e := kindFromMode(h, hostFD, st.Mode)
	if !e.Ok() {
		return KindUnknown, 0, 0, e
	}

	base, inheriting := rightsForKind(kind)
	switch accessMode {
	case unix.O_RDONLY:
		base &^= RightFDWrite
	case unix.O_WRONLY:
		base &^= RightFDRead
	case unix.O_RDWR:
		// both kept
	}
	return kind, base, inheriting, errno.Success
}

func kindFromMode(h hostif.Host, hostFD int, mode uint32) (Kind, errno.Errno) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindRegularFile, errno.Success
	case unix.S_IFDIR:
		return KindDirectory, errno.Success
	case unix.S_IFBLK:
		return KindBlockDevice, errno.Success
	case unix.S_IFCHR:
		return KindCharDevice, errno.Success
	case unix.S_IFLNK:
		return KindSymlink, errno.Success
	case unix.S_IFSOCK:
		typ, err := h.GetsockoptInt(hostFD, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return KindUnknown, errno.Translate(err)
		}
		switch typ {
		case unix.SOCK_STREAM:
			return KindSocketStream, errno.Success
		case unix.SOCK_DGRAM:
			return KindSocketDgram, errno.Success
		default:
			return KindUnknown, errno.EINVAL
		}
	case unix.S_IFIFO:
		return KindCharDevice, errno.Success // treated as a character stream, per spec.md §3's POSIX type set
	default:
		return KindUnknown, errno.EINVAL
	}
}
