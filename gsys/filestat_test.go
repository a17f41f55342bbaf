package gsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/errno"
)

func TestFileStatGetRegularFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	st, e := d.FileStatGet(fd, []byte("f"), true)
	if !e.Ok() {
		t.Fatalf("FileStatGet: %v", e)
	}
	if st.Filetype != capfd.KindRegularFile {
		t.Fatalf("Filetype = %v, want KindRegularFile", st.Filetype)
	}
	if st.Size != 5 {
		t.Fatalf("Size = %d, want 5", st.Size)
	}
}

func TestFileStatGetCapabilityEscapeBlocked(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	if _, e := d.FileStatGet(fd, []byte("../etc"), true); e != errno.ENOTCAPABLE {
		t.Fatalf("got %v, want ENOTCAPABLE", e)
	}
}

func TestFileStatPutSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	e := d.FileStatPut(fd, []byte("f"), true, FileStat{Size: 2}, StatSetSize)
	if !e.Ok() {
		t.Fatalf("FileStatPut: %v", e)
	}
	st, err := os.Stat(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 2 {
		t.Fatalf("size after truncate = %d, want 2", st.Size())
	}
}

func TestFileStatPutAtimNow(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)

	e := d.FileStatPut(fd, []byte("f"), true, FileStat{}, StatSetAtimNow)
	if !e.Ok() {
		t.Fatalf("FileStatPut atim now: %v", e)
	}
}

func TestFDCreate1SharedMemory(t *testing.T) {
	d := newDispatcher(t)
	fd, e := d.FDCreate1(capfd.KindSharedMemory)
	if !e.Ok() {
		t.Fatalf("FDCreate1: %v", e)
	}
	defer d.FDClose(fd)

	st, e := d.FDStatGet(fd)
	if !e.Ok() {
		t.Fatalf("FDStatGet: %v", e)
	}
	if !st.Base.Has(capfd.RightFDRead) || !st.Base.Has(capfd.RightFDWrite) {
		t.Fatalf("shared memory fd missing read/write rights: %v", st.Base)
	}
}

func TestFDCreate1InvalidKind(t *testing.T) {
	d := newDispatcher(t)
	if _, e := d.FDCreate1(capfd.KindDirectory); e != errno.EINVAL {
		t.Fatalf("got %v, want EINVAL", e)
	}
}

func TestFDCreate2SocketPairConnected(t *testing.T) {
	d := newDispatcher(t)
	fd1, fd2, e := d.FDCreate2(capfd.KindSocketStream)
	if !e.Ok() {
		t.Fatalf("FDCreate2: %v", e)
	}
	defer d.FDClose(fd1)
	defer d.FDClose(fd2)

	if _, e := d.SockSend(fd1, []byte("ping"), nil); !e.Ok() {
		t.Fatalf("SockSend: %v", e)
	}
	buf := make([]byte, 4)
	n, _, _, e := d.SockRecv(fd2, buf, 0)
	if !e.Ok() {
		t.Fatalf("SockRecv: %v", e)
	}
	if n != 4 || string(buf) != "ping" {
		t.Fatalf("got n=%d buf=%q, want ping", n, buf)
	}
}

func TestFDDupSharesStatWithOriginal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t)
	fd := rootFD(t, d, dir)
	orig, e := d.FileOpen(fd, []byte("f"), true, 0, 0)
	if !e.Ok() {
		t.Fatalf("FileOpen: %v", e)
	}
	dup, e := d.FDDup(orig)
	if !e.Ok() {
		t.Fatalf("FDDup: %v", e)
	}

	origStat, e := d.FDStatGet(orig)
	if !e.Ok() {
		t.Fatalf("FDStatGet(orig): %v", e)
	}
	dupStat, e := d.FDStatGet(dup)
	if !e.Ok() {
		t.Fatalf("FDStatGet(dup): %v", e)
	}
	if diff := pretty.Compare(origStat, dupStat); diff != "" {
		t.Fatalf("dup's stat diverged from the original it shares an object with:\n%s", diff)
	}
}

func TestProcRaiseNullSignalSucceeds(t *testing.T) {
	d := newDispatcher(t)
	if e := d.ProcRaise(0); !e.Ok() {
		t.Fatalf("ProcRaise(0) against self: %v", e)
	}
}
