package capfd

import (
	"encoding/binary"

	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

// DirEntry is one decoded directory entry, ready for wire serialisation in
// the 24-byte header format of spec.md §6.
type DirEntry struct {
	Cookie uint64
	Ino    uint64
	Kind   Kind
	Name   string
}

const dirBufSize = 8192

// EnsureStream lazily promotes the raw host fd to a directory-stream
// handle on first use, per spec.md §4.6 item 6 and §4.2's directory-only
// extension. Grounded on fs/dirstream_unix.go's NewLoopbackDirStream,
// adapted so the fd is the one the object already owns rather than a
// fresh syscall.Open of a path.
func (o *Object) EnsureStream(h hostif.Host) errno.Errno {
	if o.kind != KindDirectory {
		return errno.ENOTDIR
	}
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if o.dir.stream != nil {
		return errno.Success
	}
	o.hostMu.Lock()
	fd := o.hostFD
	o.hostFD = noHost
	o.hostMu.Unlock()
	if fd == noHost {
		return errno.EBADF
	}
	o.dir.stream = &dirStream{fd: fd, buf: make([]byte, dirBufSize)}
	return errno.Success
}

// SeekTo repositions the directory stream at the given cookie if it
// differs from the cached cursor (spec.md §4.6 item 6: "if the guest
// cookie differs from the cached cursor, rewind or seek").
func (o *Object) SeekTo(h hostif.Host, cookie uint64) errno.Errno {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()
	if o.dir.stream == nil {
		return errno.EBADF
	}
	if cookie == o.dir.cursor {
		return errno.Success
	}
	if _, err := h.Seek(o.dir.stream.fd, int64(cookie), unix.SEEK_SET); err != nil {
		return errno.Translate(err)
	}
	o.dir.stream.todo = nil
	o.dir.stream.todoErrno = errno.Success
	o.dir.cursor = cookie
	return errno.Success
}

// Next returns the next decoded entry, loading more raw dirent data from
// the host as needed. A zero-value, errno.Success return with ok=false
// means end of directory. Any host error encountered after at least one
// entry was already handed to Next's caller is deferred until the
// following call that finds the buffer empty (spec.md §7: "a host error
// after at least one entry has been written returns success with the
// partial buffer").
func (o *Object) Next(h hostif.Host) (DirEntry, bool, errno.Errno) {
	o.dir.mu.Lock()
	defer o.dir.mu.Unlock()

	if len(o.dir.stream.todo) == 0 {
		if o.dir.stream.todoErrno != errno.Success {
			e := o.dir.stream.todoErrno
			o.dir.stream.todoErrno = errno.Success
			return DirEntry{}, false, e
		}
		o.load(h)
		if len(o.dir.stream.todo) == 0 {
			if o.dir.stream.todoErrno != errno.Success {
				e := o.dir.stream.todoErrno
				o.dir.stream.todoErrno = errno.Success
				return DirEntry{}, false, e
			}
			return DirEntry{}, false, errno.Success
		}
	}

	e, consumed, ok := parseDirent64(o.dir.stream.todo)
	if !ok {
		// A truncated record can only happen if the host returned a
		// torn buffer; treat as end of available data for this call.
		o.dir.stream.todo = nil
		return DirEntry{}, false, errno.Success
	}
	o.dir.stream.todo = o.dir.stream.todo[consumed:]
	o.dir.cursor = e.Cookie
	return e, true, errno.Success
}

func (o *Object) load(h hostif.Host) {
	ds := o.dir.stream
	n, err := h.Getdents(ds.fd, ds.buf)
	if n < 0 {
		n = 0
	}
	ds.todo = ds.buf[:n]
	ds.todoErrno = errno.Translate(err)
}

// parseDirent64 decodes one Linux dirent64 record: d_ino(8) d_off(8)
// d_reclen(2) d_type(1) d_name(NUL-terminated, padded to d_reclen).
func parseDirent64(buf []byte) (DirEntry, int, bool) {
	const fixedHeader = 19 // ino(8) + off(8) + reclen(2) + type(1)
	if len(buf) < fixedHeader {
		return DirEntry{}, 0, false
	}
	ino := binary.LittleEndian.Uint64(buf[0:8])
	off := binary.LittleEndian.Uint64(buf[8:16])
	reclen := binary.LittleEndian.Uint16(buf[16:18])
	typ := buf[18]
	if int(reclen) > len(buf) || reclen < fixedHeader {
		return DirEntry{}, 0, false
	}
	nameBytes := buf[19:reclen]
	nul := indexByte(nameBytes, 0)
	if nul >= 0 {
		nameBytes = nameBytes[:nul]
	}
	return DirEntry{
		Cookie: off,
		Ino:    ino,
		Kind:   directTypeToKind(typ),
		Name:   string(nameBytes),
	}, int(reclen), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func directTypeToKind(t byte) Kind {
	switch t {
	case unix.DT_REG:
		return KindRegularFile
	case unix.DT_DIR:
		return KindDirectory
	case unix.DT_LNK:
		return KindSymlink
	case unix.DT_BLK:
		return KindBlockDevice
	case unix.DT_CHR, unix.DT_FIFO:
		return KindCharDevice
	case unix.DT_SOCK:
		return KindSocketStream
	default:
		return KindUnknown
	}
}

// EncodeEntry serialises one entry into the 24-byte-header wire format of
// spec.md §6, returning the number of bytes written. If dst is too small
// to hold the whole entry, it writes nothing and returns 0 — the caller
// (gsys readdir) is responsible for the "truncate, don't abort" policy by
// calling EncodeEntry only when it already knows the entry fits, or by
// discarding a zero-length result.
func EncodeEntry(dst []byte, e DirEntry) int {
	total := 24 + len(e.Name)
	if len(dst) < total {
		return 0
	}
	binary.LittleEndian.PutUint64(dst[0:8], e.Cookie)
	binary.LittleEndian.PutUint64(dst[8:16], e.Ino)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(len(e.Name)))
	dst[20] = byte(e.Kind)
	dst[21], dst[22], dst[23] = 0, 0, 0
	copy(dst[24:total], e.Name)
	return total
}
