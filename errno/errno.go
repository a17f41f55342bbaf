// Package errno defines the fixed set of guest-visible error kinds and the
// translation from host syscall.Errno values onto them.
//
// The guest ABI never sees a raw host errno: every host failure passes
// through Translate, and every capability check that fails produces
// ENOTCAPABLE directly, without ever reaching the host.
package errno

import "syscall"

// Errno is a guest-visible error kind. Zero is success.
type Errno uint16

const (
	Success Errno = iota
	E2BIG
	EACCES
	EADDRINUSE
	EADDRNOTAVAIL
	EAFNOSUPPORT
	EAGAIN
	EALREADY
	EBADF
	EBADMSG
	EBUSY
	ECANCELED
	ECHILD
	ECONNABORTED
	ECONNREFUSED
	ECONNRESET
	EDEADLK
	EDESTADDRREQ
	EDOM
	EDQUOT
	EEXIST
	EFAULT
	EFBIG
	EHOSTUNREACH
	EIDRM
	EILSEQ
	EINPROGRESS
	EINTR
	EINVAL
	EIO
	EISCONN
	EISDIR
	ELOOP
	EMFILE
	EMLINK
	EMSGSIZE
	EMULTIHOP
	ENAMETOOLONG
	ENETDOWN
	ENETRESET
	ENETUNREACH
	ENFILE
	ENOBUFS
	ENODEV
	ENOENT
	ENOEXEC
	ENOLCK
	ENOLINK
	ENOMEM
	ENOMSG
	ENOPROTOOPT
	ENOSPC
	ENOSYS
	ENOTCONN
	ENOTDIR
	ENOTEMPTY
	ENOTRECOVERABLE
	ENOTSOCK
	ENOTSUP
	ENOTTY
	ENXIO
	EOVERFLOW
	EOWNERDEAD
	EPERM
	EPIPE
	EPROTO
	EPROTONOSUPPORT
	EPROTOTYPE
	ERANGE
	EROFS
	ESPIPE
	ESRCH
	ESTALE
	ETIMEDOUT
	ETXTBSY
	EXDEV
	ENOTCAPABLE // guest-only: capability check failed (spec.md §3 "Rights")
)

var names = [...]string{
	Success: "ESUCCESS", E2BIG: "E2BIG", EACCES: "EACCES", EADDRINUSE: "EADDRINUSE",
	EADDRNOTAVAIL: "EADDRNOTAVAIL", EAFNOSUPPORT: "EAFNOSUPPORT", EAGAIN: "EAGAIN",
	EALREADY: "EALREADY", EBADF: "EBADF", EBADMSG: "EBADMSG", EBUSY: "EBUSY",
	ECANCELED: "ECANCELED", ECHILD: "ECHILD", ECONNABORTED: "ECONNABORTED",
	ECONNREFUSED: "ECONNREFUSED", ECONNRESET: "ECONNRESET", EDEADLK: "EDEADLK",
	EDESTADDRREQ: "EDESTADDRREQ", EDOM: "EDOM", EDQUOT: "EDQUOT", EEXIST: "EEXIST",
	EFAULT: "EFAULT", EFBIG: "EFBIG", EHOSTUNREACH: "EHOSTUNREACH", EIDRM: "EIDRM",
	EILSEQ: "EILSEQ", EINPROGRESS: "EINPROGRESS", EINTR: "EINTR", EINVAL: "EINVAL",
	EIO: "EIO", EISCONN: "EISCONN", EISDIR: "EISDIR", ELOOP: "ELOOP", EMFILE: "EMFILE",
	EMLINK: "EMLINK", EMSGSIZE: "EMSGSIZE", EMULTIHOP: "EMULTIHOP",
	ENAMETOOLONG: "ENAMETOOLONG", ENETDOWN: "ENETDOWN", ENETRESET: "ENETRESET",
	ENETUNREACH: "ENETUNREACH", ENFILE: "ENFILE", ENOBUFS: "ENOBUFS", ENODEV: "ENODEV",
	ENOENT: "ENOENT", ENOEXEC: "ENOEXEC", ENOLCK: "ENOLCK", ENOLINK: "ENOLINK",
	ENOMEM: "ENOMEM", ENOMSG: "ENOMSG", ENOPROTOOPT: "ENOPROTOOPT", ENOSPC: "ENOSPC",
	ENOSYS: "ENOSYS", ENOTCONN: "ENOTCONN", ENOTDIR: "ENOTDIR", ENOTEMPTY: "ENOTEMPTY",
	ENOTRECOVERABLE: "ENOTRECOVERABLE", ENOTSOCK: "ENOTSOCK", ENOTSUP: "ENOTSUP",
	ENOTTY: "ENOTTY", ENXIO: "ENXIO", EOVERFLOW: "EOVERFLOW", EOWNERDEAD: "EOWNERDEAD",
	EPERM: "EPERM", EPIPE: "EPIPE", EPROTO: "EPROTO", EPROTONOSUPPORT: "EPROTONOSUPPORT",
	EPROTOTYPE: "EPROTOTYPE", ERANGE: "ERANGE", EROFS: "EROFS", ESPIPE: "ESPIPE",
	ESRCH: "ESRCH", ESTALE: "ESTALE", ETIMEDOUT: "ETIMEDOUT", ETXTBSY: "ETXTBSY",
	EXDEV: "EXDEV", ENOTCAPABLE: "ENOTCAPABLE",
}

func (e Errno) Error() string {
	if int(e) < len(names) && names[e] != "" {
		return names[e]
	}
	return "errno(unknown)"
}

func (e Errno) Ok() bool { return e == Success }

// hostTable maps host syscall.Errno values to guest kinds. Anything absent
// from the table becomes ENOSYS, per spec.md §6 ("anything unmapped becomes
// function-not-implemented").
var hostTable = map[syscall.Errno]Errno{
	syscall.E2BIG:          E2BIG,
	syscall.EACCES:         EACCES,
	syscall.EADDRINUSE:     EADDRINUSE,
	syscall.EADDRNOTAVAIL:  EADDRNOTAVAIL,
	syscall.EAFNOSUPPORT:   EAFNOSUPPORT,
	syscall.EAGAIN:         EAGAIN, // EWOULDBLOCK aliases EAGAIN on linux
	syscall.EALREADY:       EALREADY,
	syscall.EBADF:          EBADF,
	syscall.EBADMSG:        EBADMSG,
	syscall.EBUSY:          EBUSY,
	syscall.ECANCELED:      ECANCELED,
	syscall.ECHILD:         ECHILD,
	syscall.ECONNABORTED:   ECONNABORTED,
	syscall.ECONNREFUSED:   ECONNREFUSED,
	syscall.ECONNRESET:     ECONNRESET,
	syscall.EDEADLK:        EDEADLK,
	syscall.EDESTADDRREQ:   EDESTADDRREQ,
	syscall.EDOM:           EDOM,
	syscall.EDQUOT:         EDQUOT,
	syscall.EEXIST:         EEXIST,
	syscall.EFAULT:         EFAULT,
	syscall.EFBIG:          EFBIG,
	syscall.EHOSTUNREACH:   EHOSTUNREACH,
	syscall.EIDRM:          EIDRM,
	syscall.EILSEQ:         EILSEQ,
	syscall.EINPROGRESS:    EINPROGRESS,
	syscall.EINTR:          EINTR,
	syscall.EINVAL:         EINVAL,
	syscall.EIO:            EIO,
	syscall.EISCONN:        EISCONN,
	syscall.EISDIR:         EISDIR,
	syscall.ELOOP:          ELOOP,
	syscall.EMFILE:         EMFILE,
	syscall.EMLINK:         EMLINK,
	syscall.EMSGSIZE:       EMSGSIZE,
	syscall.EMULTIHOP:      EMULTIHOP,
	syscall.ENAMETOOLONG:   ENAMETOOLONG,
	syscall.ENETDOWN:       ENETDOWN,
	syscall.ENETRESET:      ENETRESET,
	syscall.ENETUNREACH:    ENETUNREACH,
	syscall.ENFILE:         ENFILE,
	syscall.ENOBUFS:        ENOBUFS,
	syscall.ENODEV:         ENODEV,
	syscall.ENOENT:         ENOENT,
	syscall.ENOEXEC:        ENOEXEC,
	syscall.ENOLCK:         ENOLCK,
	syscall.ENOLINK:        ENOLINK,
	syscall.ENOMEM:         ENOMEM,
	syscall.ENOMSG:         ENOMSG,
	syscall.ENOPROTOOPT:    ENOPROTOOPT,
	syscall.ENOSPC:         ENOSPC,
	syscall.ENOSYS:         ENOSYS,
	syscall.ENOTCONN:       ENOTCONN,
	syscall.ENOTDIR:        ENOTDIR,
	syscall.ENOTEMPTY:      ENOTEMPTY,
	syscall.ENOTRECOVERABLE: ENOTRECOVERABLE,
	syscall.ENOTSOCK:       ENOTSOCK,
	syscall.EOPNOTSUPP:     ENOTSUP, // spec.md §6: EOPNOTSUPP maps to not-supported
	syscall.ENOTTY:         ENOTTY,
	syscall.ENXIO:          ENXIO,
	syscall.EOVERFLOW:      EOVERFLOW,
	syscall.EOWNERDEAD:     EOWNERDEAD,
	syscall.EPERM:          EPERM,
	syscall.EPIPE:          EPIPE,
	syscall.EPROTO:         EPROTO,
	syscall.EPROTONOSUPPORT: EPROTONOSUPPORT,
	syscall.EPROTOTYPE:     EPROTOTYPE,
	syscall.ERANGE:         ERANGE,
	syscall.EROFS:          EROFS,
	syscall.ESPIPE:         ESPIPE,
	syscall.ESRCH:          ESRCH,
	syscall.ESTALE:         ESTALE,
	syscall.ETIMEDOUT:      ETIMEDOUT,
	syscall.ETXTBSY:        ETXTBSY,
	syscall.EXDEV:          EXDEV,
}

// Translate converts a host error into a guest Errno. A nil error becomes
// Success. Errors that are not a syscall.Errno (or do not wrap one) are
// reported as EIO, matching the teacher's fuse.ToStatus fallback of
// logging and returning ENOSYS for an unrecognised error shape, except we
// have no io.Writer to log through here so the caller logs before calling.
func Translate(err error) Errno {
	if err == nil {
		return Success
	}
	switch t := err.(type) {
	case Errno:
		return t
	case syscall.Errno:
		// unix.Errno is a type alias for syscall.Errno (golang.org/x/sys/unix
		// aliases.go), so this arm already catches both.
		if g, ok := hostTable[t]; ok {
			return g
		}
		return ENOSYS
	case *Wrapped:
		return t.Kind
	}
	if uw, ok := err.(interface{ Unwrap() error }); ok {
		return Translate(uw.Unwrap())
	}
	return EIO
}

// Wrapped pairs a guest Errno with the host error it was derived from, so
// callers that want to log host-level detail can still do so.
type Wrapped struct {
	Kind Errno
	Host error
}

func (w *Wrapped) Error() string { return w.Kind.Error() }
func (w *Wrapped) Unwrap() error { return w.Host }
