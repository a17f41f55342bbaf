package gsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/collab/collabtest"
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(hostif.OS{}, &collabtest.Futex{}, collabtest.NewRandom(1), &collabtest.TIDPool{})
}

// rootFD seeds a guest fd bound to dir, as whatever bootstraps the guest's
// initial table would (spec.md §8 "Seed the table with fd 3 = directory").
func rootFD(t *testing.T, d *Dispatcher, dir string) uint32 {
	t.Helper()
	hostFD, err := os.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	obj := capfd.NewWithHostFD(capfd.KindDirectory, int(hostFD.Fd()))
	base, inheriting := capfd.Rights(0), capfd.Rights(0)
	_, b, i, e := capfd.Probe(d.H, int(hostFD.Fd()), 0)
	if e.Ok() {
		base, inheriting = b, i
	}
	return d.Table.Insert(obj, base, inheriting)
}

func TestFileOpenCapabilityEscapeBlocked(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	_, e := d.FileOpen(fd, []byte("../etc/passwd"), true, 0, 0)
	if e != errno.ENOTCAPABLE {
		t.Fatalf("got %v, want ENOTCAPABLE", e)
	}
}

func TestFileOpenRightsShrinkOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	hfd, e := d.FileOpen(fd, []byte("f"), true, unix.O_RDWR, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}

	if e := d.FDStatPut(hfd, capfd.RightFDRead, 0); !e.Ok() {
		t.Fatalf("first restrict: %v", e)
	}
	st, e := d.FDStatGet(hfd)
	if !e.Ok() || st.Base != capfd.RightFDRead {
		t.Fatalf("stat after restrict: base=%v err=%v", st.Base, e)
	}

	if e := d.FDStatPut(hfd, capfd.RightFDRead|capfd.RightFDWrite, 0); e != errno.ENOTCAPABLE {
		t.Fatalf("widening attempt: got %v, want ENOTCAPABLE", e)
	}
}

func TestFileReaddirPagination(t *testing.T) {
	dir := t.TempDir()
	const n = 10
	names := make(map[string]bool)
	for i := 0; i < n; i++ {
		name := string(rune('a'+i)) + "_______" // 8 bytes
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
		names[name] = true
	}

	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	seen := make(map[string]bool)
	cookie := uint64(0)
	calls := 0
	for {
		calls++
		if calls > 20 {
			t.Fatalf("too many readdir calls, seen so far: %v", seen)
		}
		buf := make([]byte, 128)
		used, e := d.FileReaddir(fd, cookie, buf)
		if !e.Ok() {
			t.Fatalf("FileReaddir: %v", e)
		}
		if used == 0 {
			break
		}
		off := 0
		var lastCookie uint64
		for off < used {
			entry, consumed := decodeEntry(t, buf[off:used])
			seen[entry.name] = true
			lastCookie = entry.cookie
			off += consumed
		}
		cookie = lastCookie
	}

	for name := range names {
		if !seen[name] {
			t.Fatalf("entry %q never returned", name)
		}
	}
}

type decodedEntry struct {
	cookie uint64
	name   string
}

func decodeEntry(t *testing.T, buf []byte) (decodedEntry, int) {
	t.Helper()
	if len(buf) < 24 {
		t.Fatalf("truncated entry header: %d bytes", len(buf))
	}
	cookie := leU64(buf[0:8])
	nameLen := leU32(buf[16:20])
	total := 24 + int(nameLen)
	if len(buf) < total {
		t.Fatalf("truncated entry body: have %d, want %d", len(buf), total)
	}
	return decodedEntry{cookie: cookie, name: string(buf[24:total])}, total
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func TestFDCloseRacesWithRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	rfd := rootFD(t, d, dir)
	fd, e := d.FileOpen(rfd, []byte("f"), true, 0, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([][]byte, 1)
		buf[0] = make([]byte, 4)
		for i := 0; i < 200; i++ {
			d.FDRead(fd, buf)
		}
	}()
	for i := 0; i < 5; i++ {
		d.FDDup(fd)
	}
	d.FDClose(fd)
	<-done
}

func TestFileCreateAndUnlink(t *testing.T) {
	dir := t.TempDir()
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	if e := d.FileCreate(fd, []byte("newfile"), false); !e.Ok() {
		t.Fatalf("FileCreate: %v", e)
	}
	if _, err := os.Stat(filepath.Join(dir, "newfile")); err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if e := d.FileUnlink(fd, []byte("newfile"), false); !e.Ok() {
		t.Fatalf("FileUnlink: %v", e)
	}
	if _, err := os.Stat(filepath.Join(dir, "newfile")); !os.IsNotExist(err) {
		t.Fatalf("file still exists after unlink")
	}
}

func TestFileSymlinkAndReadlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "target"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	if e := d.FileSymlink("target", fd, []byte("link")); !e.Ok() {
		t.Fatalf("FileSymlink: %v", e)
	}
	buf := make([]byte, 64)
	n, e := d.FileReadlink(fd, []byte("link"), buf)
	if !e.Ok() {
		t.Fatalf("FileReadlink: %v", e)
	}
	if string(buf[:n]) != "target" {
		t.Fatalf("readlink = %q, want target", buf[:n])
	}
}

func TestFileRename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	if e := d.FileRename(fd, []byte("a"), fd, []byte("b")); !e.Ok() {
		t.Fatalf("FileRename: %v", e)
	}
	if _, err := os.Stat(filepath.Join(dir, "b")); err != nil {
		t.Fatalf("rename target missing: %v", err)
	}
}

func TestFDSeekSpecialCaseRights(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)
	f, e := d.FileOpen(fd, []byte("f"), true, 0, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}
	if e := d.FDStatPut(f, capfd.RightFDTell, 0); !e.Ok() {
		t.Fatalf("restrict to FD_TELL only: %v", e)
	}

	if _, e := d.FDSeek(f, 0, WhenceCurrent); !e.Ok() {
		t.Fatalf("tell-only seek with FD_TELL should succeed: %v", e)
	}
	if _, e := d.FDSeek(f, 1, WhenceCurrent); e != errno.ENOTCAPABLE {
		t.Fatalf("non-trivial seek without FD_SEEK: got %v, want ENOTCAPABLE", e)
	}
}

func TestFDPreadPwriteRejectsEmptyIovec(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)
	f, e := d.FileOpen(fd, []byte("f"), true, 0, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}
	if _, e := d.FDPread(f, nil, 0); e != errno.EINVAL {
		t.Fatalf("FDPread with no iovecs: got %v, want EINVAL", e)
	}
	if _, e := d.FDPwrite(f, nil, 0); e != errno.EINVAL {
		t.Fatalf("FDPwrite with no iovecs: got %v, want EINVAL", e)
	}
}

func TestFDPreadScattersAcrossIovecs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("abcdefgh"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)
	f, e := d.FileOpen(fd, []byte("f"), true, 0, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}
	iovs := [][]byte{make([]byte, 4), make([]byte, 4)}
	n, e := d.FDPread(f, iovs, 0)
	if !e.Ok() || n != 8 {
		t.Fatalf("FDPread: n=%d err=%v", n, e)
	}
	if string(iovs[0]) != "abcd" || string(iovs[1]) != "efgh" {
		t.Fatalf("scatter mismatch: %q %q", iovs[0], iovs[1])
	}
}

func TestMemMapRejectsAmbiguousSharing(t *testing.T) {
	d := newDispatcher(t)
	_, e := d.MemMap(^uint32(0), 0, 4096, ProtRead, MapAnon)
	if e != errno.EINVAL {
		t.Fatalf("MemMap with neither MapPrivate nor MapShared: got %v, want EINVAL", e)
	}
}

func TestMemMapAnon(t *testing.T) {
	d := newDispatcher(t)
	b, e := d.MemMap(^uint32(0), 0, 4096, ProtRead|ProtWrite, MapAnon|MapPrivate)
	if !e.Ok() {
		t.Fatalf("MemMap anon: %v", e)
	}
	if len(b) != 4096 {
		t.Fatalf("mapping length = %d, want 4096", len(b))
	}
	defer d.MemUnmap(b)
}

func TestHostProtRejectsWriteExec(t *testing.T) {
	if _, e := hostProt(ProtWrite | ProtExec); e != errno.ENOTSUP {
		t.Fatalf("write+exec: got %v, want ENOTSUP", e)
	}
}

func TestFixupUnlinkDirectoryTranslatesEISDIRToEPERM(t *testing.T) {
	if got := fixupUnlinkDirectory(errno.EISDIR); got != errno.EPERM {
		t.Fatalf("got %v, want EPERM", got)
	}
	if got := fixupUnlinkDirectory(errno.ENOENT); got != errno.ENOENT {
		t.Fatalf("unrelated errno must pass through unchanged, got %v", got)
	}
}

func TestFixupRenameBusyTranslatesToEINVAL(t *testing.T) {
	if got := fixupRenameBusy(errno.EBUSY); got != errno.EINVAL {
		t.Fatalf("got %v, want EINVAL", got)
	}
}

func TestFixupNoFollowSymlinkTranslatesEMLINKToELOOP(t *testing.T) {
	if got := fixupNoFollowSymlink(errno.EMLINK); got != errno.ELOOP {
		t.Fatalf("got %v, want ELOOP", got)
	}
}
