// Package hostif narrows the host system calls the rest of this module
// needs down to a single interface, the way fs.FileHandle/fs.InodeEmbedder
// in the teacher separate "what a node does" from "how the kernel talks to
// it" (hanwen/go-fuse/v2/fs/api.go). OS is the real implementation, backed
// directly by golang.org/x/sys/unix, and the one this module's tests use.
package hostif

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Host is every raw operation dispatch, the path resolver, the event
// multiplexer and the descriptor-passing layer need from the underlying
// POSIX host.
type Host interface {
	Close(fd int) error
	Fstat(fd int, st *unix.Stat_t) error
	Fstatat(dirfd int, path string, st *unix.Stat_t, flags int) error

	Openat2(dirfd int, path string, how *unix.OpenHow) (int, error)
	Openat(dirfd int, path string, flags int, mode uint32) (int, error)
	Readlinkat(dirfd int, path string, buf []byte) (int, error)
	Mkdirat(dirfd int, path string, mode uint32) error
	Unlinkat(dirfd int, path string, flags int) error
	Symlinkat(target string, dirfd int, path string) error
	Linkat(olddirfd int, oldpath string, newdirfd int, newpath string, flags int) error
	Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error

	Getdents(fd int, buf []byte) (int, error)
	Seek(fd int, offset int64, whence int) (int64, error)
	Pread(fd int, buf []byte, offset int64) (int, error)
	Pwrite(fd int, buf []byte, offset int64) (int, error)
	Read(fd int, buf []byte) (int, error)
	Write(fd int, buf []byte) (int, error)

	Fsync(fd int) error
	Fdatasync(fd int) error
	Fallocate(fd int, mode uint32, off int64, length int64) error
	Fadvise(fd int, off int64, length int64, advice int) error
	Ftruncate(fd int, size int64) error

	GetsockoptInt(fd, level, opt int) (int, error)
	Shutdown(fd int, how int) error

	Poll(fds []unix.PollFd, timeoutMillis int) (int, error)
	IoctlFIONREAD(fd int) (int, error)

	Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error)
	Munmap(b []byte) error
	Msync(b []byte, flags int) error
	Mprotect(b []byte, prot int) error

	Sendmsg(fd int, p, oob []byte, flags int) error
	Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, err error)

	FcntlGetFL(fd int) (int, error)

	Socket(domain, typ, proto int) (int, error)
	Socketpair(domain, typ, proto int) ([2]int, error)
	MemfdCreate(name string, flags int) (int, error)
	UtimesNanoAt(dirfd int, path string, ts []unix.Timespec, flags int) error

	Kill(pid int, sig unix.Signal) error
	Getpid() int
	SchedYield() error
}

// OS is the real Host, a thin pass-through to golang.org/x/sys/unix.
type OS struct{}

var _ Host = OS{}

func (OS) Close(fd int) error               { return unix.Close(fd) }
func (OS) Fstat(fd int, st *unix.Stat_t) error { return unix.Fstat(fd, st) }
func (OS) Fstatat(dirfd int, path string, st *unix.Stat_t, flags int) error {
	return unix.Fstatat(dirfd, path, st, flags)
}

func (OS) Openat2(dirfd int, path string, how *unix.OpenHow) (int, error) {
	return unix.Openat2(dirfd, path, how)
}
func (OS) Openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	return unix.Openat(dirfd, path, flags, mode)
}
func (OS) Readlinkat(dirfd int, path string, buf []byte) (int, error) {
	return unix.Readlinkat(dirfd, path, buf)
}
func (OS) Mkdirat(dirfd int, path string, mode uint32) error {
	return unix.Mkdirat(dirfd, path, mode)
}
func (OS) Unlinkat(dirfd int, path string, flags int) error {
	return unix.Unlinkat(dirfd, path, flags)
}
func (OS) Symlinkat(target string, dirfd int, path string) error {
	return unix.Symlinkat(target, dirfd, path)
}
func (OS) Linkat(olddirfd int, oldpath string, newdirfd int, newpath string, flags int) error {
	return unix.Linkat(olddirfd, oldpath, newdirfd, newpath, flags)
}
func (OS) Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	return unix.Renameat(olddirfd, oldpath, newdirfd, newpath)
}

func (OS) Getdents(fd int, buf []byte) (int, error) { return unix.Getdents(fd, buf) }
func (OS) Seek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}
func (OS) Pread(fd int, buf []byte, offset int64) (int, error) {
	return unix.Pread(fd, buf, offset)
}
func (OS) Pwrite(fd int, buf []byte, offset int64) (int, error) {
	return unix.Pwrite(fd, buf, offset)
}
func (OS) Read(fd int, buf []byte) (int, error)  { return unix.Read(fd, buf) }
func (OS) Write(fd int, buf []byte) (int, error) { return unix.Write(fd, buf) }

func (OS) Fsync(fd int) error     { return unix.Fsync(fd) }
func (OS) Fdatasync(fd int) error { return unix.Fdatasync(fd) }
func (OS) Fallocate(fd int, mode uint32, off int64, length int64) error {
	return unix.Fallocate(fd, mode, off, length)
}
func (OS) Fadvise(fd int, off int64, length int64, advice int) error {
	return unix.Fadvise(fd, off, length, advice)
}
func (OS) Ftruncate(fd int, size int64) error { return unix.Ftruncate(fd, size) }

func (OS) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
func (OS) Shutdown(fd int, how int) error { return unix.Shutdown(fd, how) }

func (OS) Poll(fds []unix.PollFd, timeoutMillis int) (int, error) {
	return unix.Poll(fds, timeoutMillis)
}
func (OS) IoctlFIONREAD(fd int) (int, error) { return unix.IoctlGetInt(fd, unix.FIONREAD) }

func (OS) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}
func (OS) Munmap(b []byte) error          { return unix.Munmap(b) }
func (OS) Msync(b []byte, flags int) error { return unix.Msync(b, flags) }
func (OS) Mprotect(b []byte, prot int) error {
	return unix.Mprotect(b, prot)
}

func (OS) Sendmsg(fd int, p, oob []byte, flags int) error {
	return unix.Sendmsg(fd, p, oob, nil, flags)
}
func (OS) Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, err error) {
	n, oobn, recvflags, _, err = unix.Recvmsg(fd, p, oob, flags)
	return
}

func (OS) FcntlGetFL(fd int) (int, error) { return unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0) }

func (OS) Socket(domain, typ, proto int) (int, error) { return unix.Socket(domain, typ, proto) }
func (OS) Socketpair(domain, typ, proto int) ([2]int, error) {
	return unix.Socketpair(domain, typ, proto)
}
func (OS) MemfdCreate(name string, flags int) (int, error) { return unix.MemfdCreate(name, flags) }
func (OS) UtimesNanoAt(dirfd int, path string, ts []unix.Timespec, flags int) error {
	return unix.UtimesNanoAt(dirfd, path, ts, flags)
}

func (OS) Kill(pid int, sig unix.Signal) error { return unix.Kill(pid, sig) }
func (OS) Getpid() int                         { return unix.Getpid() }
func (OS) SchedYield() error                   { return unix.Sched_yield() }

// IsNoFollowSymlink reports whether err indicates the final path component
// was a symlink that open refused to follow — the condition spec.md §4.3
// treats as "read it as a symlink instead".
func IsNoFollowSymlink(err error) bool {
	return err == syscall.ELOOP || err == unix.ELOOP
}
