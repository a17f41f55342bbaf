package gsys

import (
	"syscall"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/clock"
	"github.com/neveragainde/cloudabi-utils/errno"
	"golang.org/x/sys/unix"
)

// FileStat is file_stat_get's return shape / file_stat_put's argument
// shape (spec.md §6). Filetype is best-effort: a socket special file stats
// as KindSocketStream without distinguishing stream from dgram, since that
// distinction needs SO_TYPE on an open fd, which a bare stat(2) has none of.
type FileStat struct {
	Filetype capfd.Kind
	Nlink    uint64
	Size     uint64
	Atim     clock.Nanos
	Mtim     clock.Nanos
	Ctim     clock.Nanos
}

// StatSetFlags is file_stat_put's field-selector mask.
type StatSetFlags uint8

const (
	StatSetSize StatSetFlags = 1 << iota
	StatSetAtim
	StatSetMtim
	StatSetAtimNow
	StatSetMtimNow
)

func fileKindFromMode(mode uint32) capfd.Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return capfd.KindRegularFile
	case unix.S_IFDIR:
		return capfd.KindDirectory
	case unix.S_IFBLK:
		return capfd.KindBlockDevice
	case unix.S_IFCHR, unix.S_IFIFO:
		return capfd.KindCharDevice
	case unix.S_IFLNK:
		return capfd.KindSymlink
	case unix.S_IFSOCK:
		return capfd.KindSocketStream
	default:
		return capfd.KindUnknown
	}
}

// FileStatGet implements file_stat_get: stat the resolved leaf without
// opening it.
func (d *Dispatcher) FileStatGet(dirFD uint32, path []byte, follow bool) (FileStat, errno.Errno) {
	dirObj, lease, e := d.fileLease(dirFD, path, capfd.RightPathFilestatGet, follow, true)
	if !e.Ok() {
		return FileStat{}, e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)

	flags := 0
	if !lease.Follow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	var st unix.Stat_t
	if err := d.H.Fstatat(lease.HostDirFD, lease.Leaf, &st, flags); err != nil {
		return FileStat{}, errno.Translate(err)
	}
	return FileStat{
		Filetype: fileKindFromMode(st.Mode),
		Nlink:    uint64(st.Nlink),
		Size:     uint64(st.Size),
		Atim:     clock.FromTimespec(syscall.Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)}),
		Mtim:     clock.FromTimespec(syscall.Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)}),
		Ctim:     clock.FromTimespec(syscall.Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)}),
	}, errno.Success
}

// FileStatPut implements file_stat_put: truncate and/or retime the
// resolved leaf according to setFlags, each field independent of the
// others (spec.md §6).
func (d *Dispatcher) FileStatPut(dirFD uint32, path []byte, follow bool, stat FileStat, setFlags StatSetFlags) errno.Errno {
	need := capfd.Rights(0)
	if setFlags&StatSetSize != 0 {
		need |= capfd.RightPathFilestatSetSize
	}
	if setFlags&(StatSetAtim|StatSetMtim|StatSetAtimNow|StatSetMtimNow) != 0 {
		need |= capfd.RightPathFilestatSetTimes
	}
	dirObj, lease, e := d.fileLease(dirFD, path, need, follow, true)
	if !e.Ok() {
		return e
	}
	defer dirObj.Release(d.H)
	defer lease.Release(d.H)

	if setFlags&StatSetSize != 0 {
		flags := unix.O_WRONLY
		if !lease.Follow {
			flags |= unix.O_NOFOLLOW
		}
		fd, err := d.H.Openat(lease.HostDirFD, lease.Leaf, flags, 0)
		if err != nil {
			return errno.Translate(err)
		}
		err = d.H.Ftruncate(fd, int64(stat.Size))
		d.H.Close(fd)
		if err != nil {
			return errno.Translate(err)
		}
	}

	if setFlags&(StatSetAtim|StatSetMtim|StatSetAtimNow|StatSetMtimNow) != 0 {
		ts := [2]unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
		switch {
		case setFlags&StatSetAtimNow != 0:
			ts[0] = unix.Timespec{Nsec: unix.UTIME_NOW}
		case setFlags&StatSetAtim != 0:
			host := clock.ToTimespec(stat.Atim)
			ts[0] = unix.Timespec{Sec: host.Sec, Nsec: host.Nsec}
		}
		switch {
		case setFlags&StatSetMtimNow != 0:
			ts[1] = unix.Timespec{Nsec: unix.UTIME_NOW}
		case setFlags&StatSetMtim != 0:
			host := clock.ToTimespec(stat.Mtim)
			ts[1] = unix.Timespec{Sec: host.Sec, Nsec: host.Nsec}
		}
		atFlags := 0
		if !lease.Follow {
			atFlags = unix.AT_SYMLINK_NOFOLLOW
		}
		if err := d.H.UtimesNanoAt(lease.HostDirFD, lease.Leaf, ts[:], atFlags); err != nil {
			return errno.Translate(err)
		}
	}
	return errno.Success
}

// FDCreate1 implements fd_create1(type): a standalone descriptor with no
// host-resource probing, since nothing has been opened yet to probe.
func (d *Dispatcher) FDCreate1(kind capfd.Kind) (uint32, errno.Errno) {
	switch kind {
	case capfd.KindSharedMemory:
		fd, err := d.H.MemfdCreate("cloudabi-shm", 0)
		if err != nil {
			return 0, errno.Translate(err)
		}
		base, inheriting := capfd.RightsForKind(kind)
		obj := capfd.NewWithHostFD(kind, fd)
		return d.Table.Insert(obj, base, inheriting), errno.Success

	case capfd.KindSocketStream, capfd.KindSocketDgram:
		typ := unix.SOCK_STREAM
		if kind == capfd.KindSocketDgram {
			typ = unix.SOCK_DGRAM
		}
		fd, err := d.H.Socket(unix.AF_UNIX, typ, 0)
		if err != nil {
			return 0, errno.Translate(err)
		}
		base, inheriting := capfd.RightsForKind(kind)
		obj := capfd.NewWithHostFD(kind, fd)
		return d.Table.Insert(obj, base, inheriting), errno.Success

	default:
		return 0, errno.EINVAL
	}
}

// FDCreate2 implements fd_create2(type): an atomically inserted, connected
// pair (spec.md §6; grounded on capfd.Table.InsertPair's socket-pair use
// case).
func (d *Dispatcher) FDCreate2(kind capfd.Kind) (uint32, uint32, errno.Errno) {
	var typ int
	switch kind {
	case capfd.KindSocketStream:
		typ = unix.SOCK_STREAM
	case capfd.KindSocketDgram:
		typ = unix.SOCK_DGRAM
	default:
		return 0, 0, errno.EINVAL
	}
	fds, err := d.H.Socketpair(unix.AF_UNIX, typ, 0)
	if err != nil {
		return 0, 0, errno.Translate(err)
	}
	base, inheriting := capfd.RightsForKind(kind)
	o1 := capfd.NewWithHostFD(kind, fds[0])
	o2 := capfd.NewWithHostFD(kind, fds[1])
	fd1, fd2 := d.Table.InsertPair(o1, o2, base, base, inheriting)
	return fd1, fd2, errno.Success
}
