package capfd

import (
	"os"
	"sync"
	"testing"

	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sync/errgroup"
)

func devNullObject(t *testing.T) *Object {
	t.Helper()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	return NewWithHostFD(KindCharDevice, int(f.Fd()))
}

func TestTableInsertLookupAcquire(t *testing.T) {
	tab := New()
	obj := devNullObject(t)
	fd := tab.Insert(obj, RightFDRead, 0)

	ref, e := tab.Lookup(fd, RightFDRead, 0)
	if !e.Ok() {
		t.Fatalf("Lookup: %v", e)
	}
	if ref.Obj != obj {
		t.Fatalf("wrong object returned")
	}

	if _, e := tab.Lookup(fd, RightFDWrite, 0); e.Ok() {
		t.Fatalf("expected ENOTCAPABLE requesting a right not held")
	}
}

func TestTableBadDescriptor(t *testing.T) {
	tab := New()
	if _, e := tab.Lookup(0, 0, 0); e.Ok() {
		t.Fatalf("unexpected success on empty table")
	} else if e != errno.EBADF {
		t.Fatalf("got %v, want EBADF", e)
	}
}

func TestTableGrowthInvariant(t *testing.T) {
	tab := New()
	var fds []uint32
	for i := 0; i < 37; i++ {
		obj := devNullObject(t)
		fds = append(fds, tab.Insert(obj, RightFDRead, 0))
	}
	if tab.Used() != 37 {
		t.Fatalf("used = %d, want 37", tab.Used())
	}
	if tab.Size() < 2*tab.Used() {
		t.Fatalf("size %d must be >= 2*used %d", tab.Size(), tab.Used())
	}

	seen := map[uint32]bool{}
	for _, fd := range fds {
		if seen[fd] {
			t.Fatalf("duplicate fd %d assigned", fd)
		}
		seen[fd] = true
	}
}

func TestTableCloseReleasesReference(t *testing.T) {
	tab := New()
	obj := devNullObject(t)
	fd := tab.Insert(obj, RightFDRead, 0)
	if e := tab.Close(fd, hostif.OS{}); !e.Ok() {
		t.Fatalf("Close: %v", e)
	}
	if obj.Refcount() != 0 {
		t.Fatalf("refcount after close = %d, want 0", obj.Refcount())
	}
	if _, e := tab.Lookup(fd, 0, 0); e.Ok() {
		t.Fatalf("fd should be gone after close")
	}
	if e := tab.Close(fd, hostif.OS{}); e.Ok() {
		t.Fatalf("double close should fail")
	}
}

func TestTableDupSharesObject(t *testing.T) {
	tab := New()
	obj := devNullObject(t)
	fd := tab.Insert(obj, RightFDRead|RightFDWrite, 0)
	dupFd, e := tab.Dup(fd)
	if !e.Ok() {
		t.Fatalf("Dup: %v", e)
	}
	if dupFd == fd {
		t.Fatalf("dup returned same fd")
	}
	if obj.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2 after dup", obj.Refcount())
	}
	tab.Close(fd, hostif.OS{})
	if obj.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1 after closing original", obj.Refcount())
	}
	ref, e := tab.Lookup(dupFd, RightFDRead, 0)
	if !e.Ok() || ref.Obj != obj {
		t.Fatalf("dup fd lost its object")
	}
}

func TestTableReplace(t *testing.T) {
	tab := New()
	o1 := devNullObject(t)
	o2 := devNullObject(t)
	fd1 := tab.Insert(o1, RightFDRead, 0)
	fd2 := tab.Insert(o2, RightFDWrite, 0)

	if e := tab.Replace(fd1, fd2, hostif.OS{}); !e.Ok() {
		t.Fatalf("Replace: %v", e)
	}
	if o2.Refcount() != 0 {
		t.Fatalf("old occupant of `to` should be released, refcount=%d", o2.Refcount())
	}
	ref, e := tab.Lookup(fd2, RightFDRead, 0)
	if !e.Ok() || ref.Obj != o1 {
		t.Fatalf("fd2 should now point at o1's object")
	}
	if o1.Refcount() != 2 {
		t.Fatalf("o1 refcount = %d, want 2 (original fd1 slot + replaced fd2 slot)", o1.Refcount())
	}
}

func TestRestrictRightsOnlyShrinks(t *testing.T) {
	tab := New()
	obj := devNullObject(t)
	fd := tab.Insert(obj, RightFDRead|RightFDWrite, 0)

	if e := tab.RestrictRights(fd, RightFDRead, 0); !e.Ok() {
		t.Fatalf("first restrict should succeed: %v", e)
	}
	if e := tab.RestrictRights(fd, RightFDRead|RightFDWrite, 0); e.Ok() {
		t.Fatalf("second restrict should fail: rights cannot widen")
	}
}

func TestTableConcurrentInsert(t *testing.T) {
	tab := New()
	var g errgroup.Group
	var mu sync.Mutex
	var fds []uint32
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			obj := devNullObject(t)
			fd := tab.Insert(obj, RightFDRead, 0)
			mu.Lock()
			fds = append(fds, fd)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if tab.Used() != 64 {
		t.Fatalf("used = %d, want 64", tab.Used())
	}
	seen := map[uint32]bool{}
	for _, fd := range fds {
		if seen[fd] {
			t.Fatalf("fd %d handed out twice concurrently", fd)
		}
		seen[fd] = true
	}
}
