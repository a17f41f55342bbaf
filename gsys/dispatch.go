package gsys

import (
	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/clock"
	"github.com/neveragainde/cloudabi-utils/collab"
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/fdpass"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"github.com/neveragainde/cloudabi-utils/poll"
	"github.com/neveragainde/cloudabi-utils/resolve"
	"golang.org/x/sys/unix"
)

// Dispatcher is the per-process syscall surface: one descriptor table, one
// path resolver, one event multiplexer and one fd-passing layer, each
// bound to the same host and the same collaborators (spec.md §2's "one
// guest process, several guest threads" shape — Dispatcher is shared,
// thread-locality lives above this package per spec.md §9).
type Dispatcher struct {
	H        hostif.Host
	Table    *capfd.Table
	Resolver *resolve.Resolver
	Poll     *poll.Multiplexer
	FDPass   *fdpass.Layer
	Futex    collab.Futex
	Random   collab.Random
	TIDs     collab.TIDPool
}

// New wires a Dispatcher's sub-components together over a shared table.
func New(h hostif.Host, futex collab.Futex, random collab.Random, tids collab.TIDPool) *Dispatcher {
	table := capfd.New()
	return &Dispatcher{
		H:        h,
		Table:    table,
		Resolver: resolve.New(h),
		Poll:     poll.New(h, table, futex),
		FDPass:   fdpass.New(h, table),
		Futex:    futex,
		Random:   random,
		TIDs:     tids,
	}
}

// --- Clock -----------------------------------------------------------------

func (d *Dispatcher) ClockResGet(id clock.ID) (clock.Nanos, errno.Errno) { return clock.ResGet(id) }

func (d *Dispatcher) ClockTimeGet(id clock.ID, precision clock.Nanos) (clock.Nanos, errno.Errno) {
	return clock.TimeGet(id, precision)
}

// --- Descriptor --------------------------------------------------------------

func (d *Dispatcher) FDClose(fd uint32) errno.Errno { return d.Table.Close(fd, d.H) }

func (d *Dispatcher) FDDup(fd uint32) (uint32, errno.Errno) { return d.Table.Dup(fd) }

func (d *Dispatcher) FDReplace(from, to uint32) errno.Errno {
	return d.Table.Replace(from, to, d.H)
}

func (d *Dispatcher) FDDatasync(fd uint32) errno.Errno {
	ref, e := d.Table.Acquire(fd, capfd.RightFDDataSync, 0)
	if !e.Ok() {
		return e
	}
	defer ref.Obj.Release(d.H)
	return errno.Translate(d.H.Fdatasync(ref.Obj.HostFD()))
}

func (d *Dispatcher) FDSync(fd uint32) errno.Errno {
	ref, e := d.Table.Acquire(fd, capfd.RightFDSync, 0)
	if !e.Ok() {
		return e
	}
	defer ref.Obj.Release(d.H)
	return errno.Translate(d.H.Fsync(ref.Obj.HostFD()))
}

// FDSeek implements spec.md §4.6 step 2's special case: offset == 0 and
// whence == current only requires FD_TELL, anything else requires
// FD_SEEK|FD_TELL too.
func (d *Dispatcher) FDSeek(fd uint32, offset int64, whence Whence) (int64, errno.Errno) {
	host, e := hostWhence(whence)
	if !e.Ok() {
		return 0, e
	}
	need := capfd.RightFDSeek | capfd.RightFDTell
	if offset == 0 && whence == WhenceCurrent {
		need = capfd.RightFDTell
	}
	ref, e := d.Table.Acquire(fd, need, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)
	n, err := d.H.Seek(ref.Obj.HostFD(), offset, host)
	if err != nil {
		return 0, errno.Translate(err)
	}
	return n, errno.Success
}

func (d *Dispatcher) FDRead(fd uint32, iovs [][]byte) (int, errno.Errno) {
	ref, e := d.Table.Acquire(fd, capfd.RightFDRead, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)
	if len(iovs) == 1 {
		n, err := d.H.Read(ref.Obj.HostFD(), iovs[0])
		if err != nil {
			return 0, errno.Translate(err)
		}
		return n, errno.Success
	}
	return d.readScatter(ref.Obj.HostFD(), iovs)
}

func (d *Dispatcher) FDWrite(fd uint32, iovs [][]byte) (int, errno.Errno) {
	ref, e := d.Table.Acquire(fd, capfd.RightFDWrite, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)
	buf := concat(iovs)
	n, err := d.H.Write(ref.Obj.HostFD(), buf)
	if err != nil {
		return 0, errno.Translate(err)
	}
	return n, errno.Success
}

// FDPread/FDPwrite implement the scatter/gather fallback of spec.md §9:
// the host interface here (hostif.Host) only exposes single-buffer
// positional I/O, so multiple iovecs are gathered into one buffer for a
// write, and scattered back out of one buffer after a read.
func (d *Dispatcher) FDPread(fd uint32, iovs [][]byte, offset int64) (int, errno.Errno) {
	if len(iovs) == 0 {
		return 0, errno.EINVAL
	}
	ref, e := d.Table.Acquire(fd, capfd.RightFDRead|capfd.RightFDSeek, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)

	total := 0
	for _, v := range iovs {
		total += len(v)
	}
	buf := make([]byte, total)
	n, err := d.H.Pread(ref.Obj.HostFD(), buf, offset)
	if err != nil {
		return 0, errno.Translate(err)
	}
	scatter(iovs, buf[:n])
	return n, errno.Success
}

func (d *Dispatcher) FDPwrite(fd uint32, iovs [][]byte, offset int64) (int, errno.Errno) {
	if len(iovs) == 0 {
		return 0, errno.EINVAL
	}
	ref, e := d.Table.Acquire(fd, capfd.RightFDWrite|capfd.RightFDSeek, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)
	n, err := d.H.Pwrite(ref.Obj.HostFD(), concat(iovs), offset)
	if err != nil {
		return 0, errno.Translate(err)
	}
	return n, errno.Success
}

func (d *Dispatcher) readScatter(hostFD int, iovs [][]byte) (int, errno.Errno) {
	total := 0
	for _, v := range iovs {
		total += len(v)
	}
	buf := make([]byte, total)
	n, err := d.H.Read(hostFD, buf)
	if err != nil {
		return 0, errno.Translate(err)
	}
	scatter(iovs, buf[:n])
	return n, errno.Success
}

func concat(iovs [][]byte) []byte {
	total := 0
	for _, v := range iovs {
		total += len(v)
	}
	buf := make([]byte, 0, total)
	for _, v := range iovs {
		buf = append(buf, v...)
	}
	return buf
}

func scatter(iovs [][]byte, data []byte) {
	for _, v := range iovs {
		if len(data) == 0 {
			return
		}
		n := copy(v, data)
		data = data[n:]
	}
}

// FDStat is fd_stat_get's return shape / fd_stat_put's argument shape
// (spec.md §6; fs_flags semantics for non-file kinds are an open question,
// resolved in DESIGN.md).
type FDStat struct {
	Kind       capfd.Kind
	Base       capfd.Rights
	Inheriting capfd.Rights
	Flags      uint16
}

func (d *Dispatcher) FDStatGet(fd uint32) (FDStat, errno.Errno) {
	ref, e := d.Table.Acquire(fd, 0, 0)
	if !e.Ok() {
		return FDStat{}, e
	}
	defer ref.Obj.Release(d.H)
	var flags uint16
	if hfd := ref.Obj.HostFD(); hfd >= 0 {
		if fl, err := d.H.FcntlGetFL(hfd); err == nil {
			flags = uint16(fl)
		}
	}
	return FDStat{Kind: ref.Obj.Kind(), Base: ref.Base, Inheriting: ref.Inheriting, Flags: flags}, errno.Success
}

// FDStatPut restricts fd's rights (spec.md §8 scenario 2: rights may only
// shrink).
func (d *Dispatcher) FDStatPut(fd uint32, base, inheriting capfd.Rights) errno.Errno {
	return d.Table.RestrictRights(fd, base, inheriting)
}

// --- File-by-path ------------------------------------------------------------

// FileOpen implements file_open (spec.md §4.3/§4.6): resolve path under
// dirFD confined to its subtree, then open the leaf relative to the
// resolved lease.
func (d *Dispatcher) FileOpen(dirFD uint32, path []byte, follow bool, createFlags int, mode uint32) (uint32, errno.Errno) {
	dirRef, e := d.Table.Acquire(dirFD, capfd.RightPathOpen, 0)
	if !e.Ok() {
		return 0, e
	}
	defer dirRef.Obj.Release(d.H)

	needsFinal := createFlags&unix.O_CREAT != 0
	lease, e := d.Resolver.Resolve(dirRef.Obj, path, follow, needsFinal)
	if !e.Ok() {
		return 0, e
	}
	defer lease.Release(d.H)

	flags := createFlags | unix.O_CLOEXEC
	if !lease.Follow {
		flags |= unix.O_NOFOLLOW
	}
	hostFD, err := d.H.Openat(lease.HostDirFD, lease.Leaf, flags, mode)
	ge := errno.Translate(err)
	ge = fixupOpenSocket(d.H, lease.HostDirFD, lease.Leaf, ge)
	if flags&unix.O_NOFOLLOW != 0 {
		ge = fixupNoFollowSymlink(ge)
	}
	if !ge.Ok() {
		return 0, ge
	}

	accessMode := flags & unix.O_ACCMODE
	kind, base, inheriting, pe := capfd.Probe(d.H, hostFD, accessMode)
	if !pe.Ok() {
		d.H.Close(hostFD)
		return 0, pe
	}
	obj := capfd.NewWithHostFD(kind, hostFD)
	return d.Table.Insert(obj, base, inheriting), errno.Success
}

// fileLease is the common "resolve a path under a directory fd" prelude
// shared by every file-by-path op below.
func (d *Dispatcher) fileLease(dirFD uint32, path []byte, needBase capfd.Rights, follow, needsFinal bool) (*capfd.Object, *resolve.Lease, errno.Errno) {
	dirRef, e := d.Table.Acquire(dirFD, needBase, 0)
	if !e.Ok() {
		return nil, nil, e
	}
	lease, e := d.Resolver.Resolve(dirRef.Obj, path, follow, needsFinal)
	if !e.Ok() {
		dirRef.Obj.Release(d.H)
		return nil, nil, e
	}
	return dirRef.Obj, lease, errno.Success
}

func (d *Dispatcher) FileCreate(dirFD uint32, path []byte, asDirectory bool) errno.Errno {
	need := capfd.RightPathCreateFile
	if asDirectory {
		need = capfd.RightPathCreateDirectory
	}
	dirObj, lease, e := d.fileLease(dirFD, path, need, false, true)
	if !e.Ok() {
		return e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)

	if asDirectory {
		return errno.Translate(d.H.Mkdirat(lease.HostDirFD, lease.Leaf, 0777))
	}
	fd, err := d.H.Openat(lease.HostDirFD, lease.Leaf, unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0666)
	if err != nil {
		return errno.Translate(err)
	}
	d.H.Close(fd)
	return errno.Success
}

func (d *Dispatcher) FileUnlink(dirFD uint32, path []byte, removeDir bool) errno.Errno {
	need := capfd.RightPathUnlinkFile
	if removeDir {
		need = capfd.RightPathRemoveDirectory
	}
	dirObj, lease, e := d.fileLease(dirFD, path, need, false, true)
	if !e.Ok() {
		return e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)

	flags := 0
	if removeDir {
		flags = unix.AT_REMOVEDIR
	}
	ge := errno.Translate(d.H.Unlinkat(lease.HostDirFD, lease.Leaf, flags))
	if !removeDir {
		ge = fixupUnlinkDirectory(ge)
	}
	return ge
}

func (d *Dispatcher) FileReadlink(dirFD uint32, path []byte, buf []byte) (int, errno.Errno) {
	dirObj, lease, e := d.fileLease(dirFD, path, capfd.RightPathReadlink, false, true)
	if !e.Ok() {
		return 0, e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)

	n, err := d.H.Readlinkat(lease.HostDirFD, lease.Leaf, buf)
	if err != nil {
		return 0, errno.Translate(err)
	}
	return n, errno.Success
}

func (d *Dispatcher) FileSymlink(target string, dirFD uint32, path []byte) errno.Errno {
	dirObj, lease, e := d.fileLease(dirFD, path, capfd.RightPathSymlink, false, true)
	if !e.Ok() {
		return e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)
	return errno.Translate(d.H.Symlinkat(target, lease.HostDirFD, lease.Leaf))
}

func (d *Dispatcher) FileLink(srcDirFD uint32, srcPath []byte, dstDirFD uint32, dstPath []byte, followSrc bool) errno.Errno {
	srcObj, srcLease, e := d.fileLease(srcDirFD, srcPath, capfd.RightPathLinkSource, followSrc, true)
	if !e.Ok() {
		return e
	}
	defer srcObj.Release(d.H)
	defer srcLease.Release(d.H)

	dstObj, dstLease, e := d.fileLease(dstDirFD, dstPath, capfd.RightPathLinkTarget, false, true)
	if !e.Ok() {
		return e
	}
	defer dstObj.Release(d.H)
	defer dstLease.Release(d.H)

	flags := 0
	if srcLease.Follow {
		flags = unix.AT_SYMLINK_FOLLOW
	}
	err := d.H.Linkat(srcLease.HostDirFD, srcLease.Leaf, dstLease.HostDirFD, dstLease.Leaf, flags)
	if err == nil {
		return errno.Success
	}
	if errno.Translate(err) == errno.EXDEV {
		// Rule 5: cross-filesystem hard link of a symlink target the
		// host refuses — fall back to read-link-plus-symlink-at-dest.
		target := make([]byte, 4096)
		n, rerr := d.H.Readlinkat(srcLease.HostDirFD, srcLease.Leaf, target)
		if rerr != nil {
			return errno.Translate(rerr)
		}
		return errno.Translate(d.H.Symlinkat(string(target[:n]), dstLease.HostDirFD, dstLease.Leaf))
	}
	return errno.Translate(err)
}

func (d *Dispatcher) FileRename(srcDirFD uint32, srcPath []byte, dstDirFD uint32, dstPath []byte) errno.Errno {
	srcObj, srcLease, e := d.fileLease(srcDirFD, srcPath, capfd.RightPathRenameSource, false, true)
	if !e.Ok() {
		return e
	}
	defer srcObj.Release(d.H)
	defer srcLease.Release(d.H)

	dstObj, dstLease, e := d.fileLease(dstDirFD, dstPath, capfd.RightPathRenameTarget, false, true)
	if !e.Ok() {
		return e
	}
	defer dstObj.Release(d.H)
	defer dstLease.Release(d.H)

	ge := errno.Translate(d.H.Renameat(srcLease.HostDirFD, srcLease.Leaf, dstLease.HostDirFD, dstLease.Leaf))
	return fixupRenameBusy(ge)
}

func (d *Dispatcher) FileAdvise(fd uint32, offset, length int64, advice Advice) errno.Errno {
	host, e := hostAdvice(advice)
	if !e.Ok() {
		return e
	}
	ref, e := d.Table.Acquire(fd, capfd.RightFDAdvise, 0)
	if !e.Ok() {
		return e
	}
	defer ref.Obj.Release(d.H)
	return errno.Translate(d.H.Fadvise(ref.Obj.HostFD(), offset, length, host))
}

func (d *Dispatcher) FileAllocate(fd uint32, offset, length int64) errno.Errno {
	ref, e := d.Table.Acquire(fd, capfd.RightFDAllocate, 0)
	if !e.Ok() {
		return e
	}
	defer ref.Obj.Release(d.H)
	return errno.Translate(d.H.Fallocate(ref.Obj.HostFD(), 0, offset, length))
}

// FileReaddir implements spec.md §4.6 item 6: lazily promote, seek if the
// cookie moved, then serialise entries back-to-back until buf is full.
func (d *Dispatcher) FileReaddir(fd uint32, cookie uint64, buf []byte) (int, errno.Errno) {
	ref, e := d.Table.Acquire(fd, capfd.RightFDReaddir, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)

	if e := ref.Obj.EnsureStream(d.H); !e.Ok() {
		return 0, e
	}
	if e := ref.Obj.SeekTo(d.H, cookie); !e.Ok() {
		return 0, e
	}

	used := 0
	resumeCookie := cookie
	for {
		entry, ok, e := ref.Obj.Next(d.H)
		if !e.Ok() {
			if used > 0 {
				return used, errno.Success
			}
			return 0, e
		}
		if !ok {
			return used, errno.Success
		}
		n := capfd.EncodeEntry(buf[used:], entry)
		if n == 0 {
			// This entry doesn't fit: rewind to just before it so the
			// next call (with a bigger buffer, per spec.md §9's open
			// question) re-reads it rather than skipping it.
			ref.Obj.SeekTo(d.H, resumeCookie)
			return used, errno.Success
		}
		used += n
		resumeCookie = entry.Cookie
	}
}

// --- Memory ------------------------------------------------------------------

func (d *Dispatcher) MemMap(fd uint32, offset int64, length int, prot Prot, flags MapFlags) ([]byte, errno.Errno) {
	hostProtBits, e := hostProt(prot)
	if !e.Ok() {
		return nil, e
	}
	one := flags & (MapPrivate | MapShared)
	if one != MapPrivate && one != MapShared {
		return nil, errno.EINVAL
	}
	hostFlags := unix.MAP_PRIVATE
	if one == MapShared {
		hostFlags = unix.MAP_SHARED
	}
	if flags&MapFixed != 0 {
		hostFlags |= unix.MAP_FIXED
	}

	hostFD := -1
	if flags&MapAnon != 0 {
		if fd != ^uint32(0) || offset != 0 {
			return nil, errno.EINVAL
		}
		hostFlags |= unix.MAP_ANON
	} else {
		ref, e := d.Table.Acquire(fd, 0, 0)
		if !e.Ok() {
			return nil, e
		}
		defer ref.Obj.Release(d.H)
		hostFD = ref.Obj.HostFD()
	}

	b, err := d.H.Mmap(hostFD, offset, length, hostProtBits, hostFlags)
	if err != nil {
		return nil, errno.Translate(err)
	}
	return b, errno.Success
}

func (d *Dispatcher) MemProtect(b []byte, prot Prot) errno.Errno {
	host, e := hostProt(prot)
	if !e.Ok() {
		return e
	}
	return errno.Translate(d.H.Mprotect(b, host))
}

func (d *Dispatcher) MemSync(b []byte, flags SyncFlags) errno.Errno {
	host, e := hostMsyncFlags(flags)
	if !e.Ok() {
		return e
	}
	return errno.Translate(d.H.Msync(b, host))
}

func (d *Dispatcher) MemAdvise(b []byte, advice Advice) errno.Errno {
	// No portable host call for advising on an arbitrary byte slice
	// (madvise needs the mapping's own fd semantics); accepted but not
	// enforced, matching clock.TimeGet's precision-hint stance.
	if _, e := hostAdvice(advice); !e.Ok() {
		return e
	}
	return errno.Success
}

func (d *Dispatcher) MemUnmap(b []byte) errno.Errno {
	return errno.Translate(d.H.Munmap(b))
}

// --- Socket --------------------------------------------------------------

func (d *Dispatcher) SockSend(fd uint32, data []byte, attachedFDs []uint32) (int, errno.Errno) {
	ref, e := d.Table.Acquire(fd, capfd.RightFDWrite, 0)
	if !e.Ok() {
		return 0, e
	}
	defer ref.Obj.Release(d.H)
	return d.FDPass.Send(ref.Obj.HostFD(), data, attachedFDs)
}

func (d *Dispatcher) SockRecv(fd uint32, buf []byte, maxFDs int) (int, []fdpass.RecvResult, bool, errno.Errno) {
	ref, e := d.Table.Acquire(fd, capfd.RightFDRead, 0)
	if !e.Ok() {
		return 0, nil, false, e
	}
	defer ref.Obj.Release(d.H)
	return d.FDPass.Recv(ref.Obj.HostFD(), buf, maxFDs)
}

func (d *Dispatcher) SockShutdown(fd uint32, how ShutdownHow) errno.Errno {
	host, e := hostShutdownHow(how)
	if !e.Ok() {
		return e
	}
	ref, e := d.Table.Acquire(fd, capfd.RightSockShutdown, 0)
	if !e.Ok() {
		return e
	}
	defer ref.Obj.Release(d.H)
	return errno.Translate(d.H.Shutdown(ref.Obj.HostFD(), host))
}

// --- Wait ------------------------------------------------------------------

func (d *Dispatcher) PollOneoff(tid uint32, subs []collab.Subscription, out []collab.Event) (int, error) {
	return d.Poll.Poll(nil, tid, subs, out)
}

// --- Sync ------------------------------------------------------------------

func (d *Dispatcher) LockUnlock(tid uint32, lock uint64, scope collab.Scope) error {
	return d.Futex.LockUnlock(tid, lock, scope)
}

func (d *Dispatcher) CondvarSignal(cond uint64, scope collab.Scope, n uint32) error {
	return d.Futex.CondvarSignal(cond, scope, n)
}

// --- Thread/process ----------------------------------------------------------

func (d *Dispatcher) RandomGet(buf []byte) { d.Random.Buf(buf) }

// ProcRaise implements proc_raise: send signal to the emulator's own
// process.
func (d *Dispatcher) ProcRaise(signal unix.Signal) errno.Errno {
	return errno.Translate(d.H.Kill(d.H.Getpid(), signal))
}

// ProcExit implements proc_exit: terminate the process immediately with
// status, the same abrupt semantics _exit(2) has (no deferred cleanup,
// matching spec.md §6's "terminates the host thread"-style finality for
// the whole process rather than one thread).
func (d *Dispatcher) ProcExit(status int) {
	unix.Exit(status)
}

// ProcExec/ProcFork are explicitly unsupported by this ABI (spec.md §6).
func (d *Dispatcher) ProcExec() errno.Errno { return errno.ENOSYS }
func (d *Dispatcher) ProcFork() errno.Errno { return errno.ENOSYS }
