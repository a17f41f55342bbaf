package gsys

import (
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

// fixupOpenSocket implements spec.md §4.6 step 5's first rule: open(2)
// cannot return an fd for a socket special file, and some hosts report
// ENXIO rather than ENOTSUP for that case. open already failed, so there
// is no fd to probe — re-stat the path itself to tell the two apart.
func fixupOpenSocket(h hostif.Host, dirFD int, leaf string, e errno.Errno) errno.Errno {
	if e != errno.ENXIO {
		return e
	}
	var st unix.Stat_t
	if err := h.Fstatat(dirFD, leaf, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		if st.Mode&unix.S_IFMT == unix.S_IFSOCK {
			return errno.ENOTSUP
		}
	}
	return e
}

// fixupNoFollowSymlink implements rule 2: a host that misreports a
// no-follow-on-symlink open failure as EMLINK ("too many links") rather
// than ELOOP is translated to the too-many-levels kind the guest expects.
func fixupNoFollowSymlink(e errno.Errno) errno.Errno {
	if e == errno.EMLINK {
		return errno.ELOOP
	}
	return e
}

// fixupUnlinkDirectory implements rule 3: some hosts return EISDIR for an
// unlink(2) that should be rejected with EPERM (e.g. unlinking "." through
// a path that resolves to a directory without O_DIRECTORY semantics).
func fixupUnlinkDirectory(e errno.Errno) errno.Errno {
	if e == errno.EISDIR {
		return errno.EPERM
	}
	return e
}

// fixupRenameBusy implements rule 4.
func fixupRenameBusy(e errno.Errno) errno.Errno {
	if e == errno.EBUSY {
		return errno.EINVAL
	}
	return e
}
