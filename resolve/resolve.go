package resolve

import (
	"fmt"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

const (
	maxDirStackDepth  = 128 // spec.md §4.3: "directory-fd stack of bounded depth (128)"
	maxPathStackDepth = 32  // spec.md §4.3: "pending-path stack of bounded depth (32)"
	maxSymlinkHops    = 128 // spec.md §4.3 "Safeguards: an absolute cap of 128 symlink expansions"
)

// Resolver resolves (dirfd, relative path) pairs confined to dirfd's
// subtree. For lookups that do not follow a final symlink, Resolve tries
// the kernel-assisted fast path first (Linux openat2 with RESOLVE_BENEATH);
// lookups that follow one, and every lookup after the fast path first
// reports ENOSYS, use the manual component walk of spec.md §4.3. The
// ENOSYS decision is remembered for the Resolver's lifetime.
type Resolver struct {
	h                 hostif.Host
	forceManual       bool
	kernelUnsupported bool

	mountCacheMu sync.Mutex
	mountCache   map[int]bool // dirObj host fd -> "is itself a mountpoint", filled lazily
}

// New returns a Resolver backed by h. ForceManual exists so tests can
// exercise the portable algorithm even on a host that does support
// openat2.
func New(h hostif.Host) *Resolver {
	return &Resolver{h: h, mountCache: make(map[int]bool)}
}

// ForceManual disables the kernel-assisted fast path for this resolver
// instance.
func (r *Resolver) ForceManual() { r.forceManual = true }

// Resolve implements spec.md §4.3. dirObj is the caller's directory
// descriptor object (not consumed: the lease acquires its own reference).
// path need not be NUL-terminated; embedded NUL bytes fail with EINVAL
// (the "null-terminate helper" of spec.md §4.3).
func (r *Resolver) Resolve(dirObj *capfd.Object, path []byte, follow, needsFinalComponent bool) (*Lease, errno.Errno) {
	p, e := nulTerminate(path)
	if !e.Ok() {
		return nil, e
	}
	if dirObj.Kind() != capfd.KindDirectory {
		return nil, errno.ENOTDIR
	}

	// The fast path leaves the final component to the consuming host call,
	// which would follow a symlink there without confinement, so lookups
	// that follow the final component take the manual walk.
	if !r.forceManual && !r.kernelUnsupported && !follow {
		lease, e, handled := r.resolveKernel(dirObj, p, follow)
		if handled {
			return lease, e
		}
		r.kernelUnsupported = true
	}
	return r.resolveManual(dirObj, p, follow, needsFinalComponent)
}

// nulTerminate validates the borrowed (pointer, length) path carries no
// interior NUL, per spec.md §4.3.
func nulTerminate(b []byte) (string, errno.Errno) {
	for _, c := range b {
		if c == 0 {
			return "", errno.EINVAL
		}
	}
	return string(b), errno.Success
}

// splitComponent extracts the next path component from s, splitting at the
// first run of '/'. endsWithSlashes mirrors spec.md §4.3's ends_with_slashes.
func splitComponent(s string) (component, rest string, endsWithSlashes bool) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return s, "", false
	}
	j := idx
	for j < len(s) && s[j] == '/' {
		j++
	}
	return s[:idx], s[j:], true
}

// resolveManual is the "interesting case" algorithm of spec.md §4.3.
func (r *Resolver) resolveManual(dirObj *capfd.Object, path string, follow, needsFinalComponent bool) (*Lease, errno.Errno) {
	dirStack := make([]int, 1, 8)
	dirStack[0] = dirObj.HostFD()
	pathStack := make([]string, 1, 4)
	pathStack[0] = path

	hops := 0

	abort := func(e errno.Errno) (*Lease, errno.Errno) {
		for i := len(dirStack) - 1; i >= 1; i-- {
			r.h.Close(dirStack[i])
		}
		return nil, e
	}

	for {
		if len(pathStack) == 0 {
			return abort(errno.EINVAL)
		}
		top := len(pathStack) - 1
		cur := pathStack[top]
		component, rest, endsWithSlashes := splitComponent(cur)
		if rest == "" {
			pathStack = pathStack[:top]
		} else {
			pathStack[top] = rest
		}
		isLastNamed := len(pathStack) == 0

		switch {
		case component == "":
			if endsWithSlashes {
				return abort(errno.ENOTCAPABLE)
			}
			return abort(errno.ENOENT)

		case component == ".":
			continue

		case component == "..":
			if len(dirStack) == 1 {
				return abort(errno.ENOTCAPABLE)
			}
			r.h.Close(dirStack[len(dirStack)-1])
			dirStack = dirStack[:len(dirStack)-1]
			continue

		case !isLastNamed || (endsWithSlashes && !needsFinalComponent):
			// Intermediate component: must be a directory we can
			// descend into, or a symlink we expand in place.
			fd, err := r.h.Openat(dirStack[len(dirStack)-1], component,
				unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
			if err == nil {
				if len(dirStack) >= maxDirStackDepth {
					r.h.Close(fd)
					return abort(errno.ENAMETOOLONG)
				}
				dirStack = append(dirStack, fd)
				continue
			}
			if !isSymlinkIndicator(err) {
				return abort(errno.Translate(err))
			}
			hops++
			if hops > maxSymlinkHops {
				return abort(errno.ELOOP)
			}
			target, e := r.readlink(dirStack[len(dirStack)-1], component)
			if !e.Ok() {
				return abort(e)
			}
			if endsWithSlashes && !strings.HasSuffix(target, "/") {
				target += "/"
			}
			if len(pathStack) >= maxPathStackDepth {
				return abort(errno.ELOOP)
			}
			pathStack = append(pathStack, target)
			continue

		default:
			// Final named component.
			if endsWithSlashes || follow {
				hops++
				if hops > maxSymlinkHops {
					return abort(errno.ELOOP)
				}
				target, e := r.readlink(dirStack[len(dirStack)-1], component)
				switch {
				case e.Ok():
					if endsWithSlashes && !strings.HasSuffix(target, "/") {
						target += "/"
					}
					pathStack = append(pathStack, target)
					continue
				case e == errno.EINVAL || e == errno.ENOENT:
					return r.finish(dirObj, dirStack, component, false)
				default:
					return abort(e)
				}
			}
			return r.finish(dirObj, dirStack, component, follow)
		}
	}
}

// resolveKernel is the Linux fast path: a single openat2(2) call with
// RESOLVE_BENEATH asks the kernel to walk everything up to (but not
// including) the final component, refusing any ".." or absolute symlink
// that would step outside dirObj's subtree, while still following symlinks
// that stay inside it — unlike the manual walk, which must detect that
// itself one component at a time. handled is false only when the running
// kernel predates openat2 (ENOSYS), in which case the caller falls back to
// resolveManual and remembers not to try this path again.
func (r *Resolver) resolveKernel(dirObj *capfd.Object, path string, follow bool) (*Lease, errno.Errno, bool) {
	if path == "" {
		return nil, errno.ENOENT, true
	}
	if path[0] == '/' {
		// A leading '/' is an empty first component, same as the manual
		// walk's component == "" case: spec.md §4.3 rejects it as an
		// attempt to reach outside the confined subtree.
		return nil, errno.ENOTCAPABLE, true
	}

	resolveFlags := uint64(unix.RESOLVE_BENEATH)
	if r.isBaseMountpoint(dirObj.HostFD()) {
		resolveFlags |= unix.RESOLVE_NO_XDEV
	}

	dirPart, leaf := splitLeaf(path)
	if leaf == ".." {
		// A final ".." must be resolved by the kernel too, or the
		// consuming host call would step above dirObj unchecked.
		leaf = ""
	}
	if leaf == "" {
		// The whole path names a directory (trailing slashes or a final
		// ".."): resolve it in full and hand back a lease whose leaf is
		// "." so callers can still operate via (fd, name) pairs.
		fd, err := r.h.Openat2(dirObj.HostFD(), path, &unix.OpenHow{
			Flags:   unix.O_DIRECTORY | unix.O_CLOEXEC,
			Resolve: resolveFlags,
		})
		if err != nil {
			if err == unix.ENOSYS {
				return nil, errno.Success, false
			}
			return nil, translateBeneathViolation(err), true
		}
		return &Lease{HostDirFD: fd, Leaf: ".", Follow: true, intermediateFD: fd, dir: dirObj.Acquire()}, errno.Success, true
	}

	if dirPart == "" {
		return &Lease{HostDirFD: dirObj.HostFD(), Leaf: leaf, Follow: follow, intermediateFD: -1, dir: dirObj.Acquire()}, errno.Success, true
	}

	fd, err := r.h.Openat2(dirObj.HostFD(), dirPart, &unix.OpenHow{
		Flags:   unix.O_DIRECTORY | unix.O_CLOEXEC,
		Resolve: resolveFlags,
	})
	if err != nil {
		if err == unix.ENOSYS {
			return nil, errno.Success, false
		}
		return nil, translateBeneathViolation(err), true
	}
	return &Lease{HostDirFD: fd, Leaf: leaf, Follow: follow, intermediateFD: fd, dir: dirObj.Acquire()}, errno.Success, true
}

// translateBeneathViolation maps the host's way of reporting a
// RESOLVE_BENEATH escape attempt (".." past the subtree root, or an
// absolute symlink) onto the guest's capability-violation kind, matching
// what the manual walker returns for the same ".." case.
func translateBeneathViolation(err error) errno.Errno {
	if err == unix.EXDEV {
		return errno.ENOTCAPABLE
	}
	return errno.Translate(err)
}

// isBaseMountpoint reports, caching the answer for the lifetime of the
// Resolver, whether the directory behind hostFD is itself a distinct host
// mountpoint. When it is, resolveKernel additionally asks the kernel to
// confine resolution to that filesystem (RESOLVE_NO_XDEV), not just that
// subtree, since a bind mount or overlay nested under a confined directory
// would otherwise let the guest step onto a different filesystem's inode
// space while staying "beneath" the path.
func (r *Resolver) isBaseMountpoint(hostFD int) bool {
	r.mountCacheMu.Lock()
	if v, ok := r.mountCache[hostFD]; ok {
		r.mountCacheMu.Unlock()
		return v
	}
	r.mountCacheMu.Unlock()

	mounted, err := mountinfo.Mounted(fmt.Sprintf("/proc/self/fd/%d", hostFD))
	if err != nil {
		mounted = false
	}

	r.mountCacheMu.Lock()
	r.mountCache[hostFD] = mounted
	r.mountCacheMu.Unlock()
	return mounted
}

// splitLeaf splits path into its parent-directory prefix (possibly empty;
// when non-empty it keeps the '/' that precedes the final component) and
// its final component (empty if path ends in one or more '/').
func splitLeaf(path string) (dirPart, leaf string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx+1], path[idx+1:]
}

func (r *Resolver) finish(dirObj *capfd.Object, dirStack []int, leaf string, follow bool) (*Lease, errno.Errno) {
	top := dirStack[len(dirStack)-1]
	intermediate := -1
	if len(dirStack) > 1 {
		intermediate = top
		for i := len(dirStack) - 2; i >= 1; i-- {
			r.h.Close(dirStack[i])
		}
	}
	return &Lease{
		HostDirFD:      top,
		Leaf:           leaf,
		Follow:         follow,
		intermediateFD: intermediate,
		dir:            dirObj.Acquire(),
	}, errno.Success
}

func (r *Resolver) readlink(dirfd int, name string) (string, errno.Errno) {
	for l := 256; l <= 1<<20; l *= 2 {
		buf := make([]byte, l)
		n, err := r.h.Readlinkat(dirfd, name, buf)
		if err != nil {
			return "", errno.Translate(err)
		}
		if n < l {
			return string(buf[:n]), errno.Success
		}
	}
	return "", errno.ENAMETOOLONG
}

// isSymlinkIndicator reports whether err is the host's way of saying "that
// component is a symlink, not a directory" when opened with
// O_DIRECTORY|O_NOFOLLOW (spec.md §4.3: "failure with too-many-levels or
// similar symlink indicator").
func isSymlinkIndicator(err error) bool {
	e := errno.Translate(err)
	return e == errno.ELOOP || e == errno.ENOTDIR
}
