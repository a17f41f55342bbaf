package fdpass

import (
	"os"
	"testing"

	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

func TestDescriptorPassingRoundTrip(t *testing.T) {
	sockA, sockB := socketpair(t)
	defer unix.Close(sockA)
	defer unix.Close(sockB)

	senderTable := capfd.New()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	sendObj := capfd.NewWithHostFD(capfd.KindCharDevice, int(f.Fd()))
	guestFD := senderTable.Insert(sendObj, capfd.RightFDRead, 0)

	sender := New(hostif.OS{}, senderTable)
	n, e := sender.Send(sockA, []byte("hi"), []uint32{guestFD})
	if !e.Ok() {
		t.Fatalf("Send: %v", e)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}

	recvTable := capfd.New()
	receiver := New(hostif.OS{}, recvTable)
	buf := make([]byte, 16)
	rn, results, ctrunc, e := receiver.Recv(sockB, buf, 1)
	if !e.Ok() {
		t.Fatalf("Recv: %v", e)
	}
	if ctrunc {
		t.Fatalf("unexpected CTRUNC")
	}
	if rn != 2 || string(buf[:rn]) != "hi" {
		t.Fatalf("payload = %q, want hi", buf[:rn])
	}
	if len(results) != 1 || results[0].GuestFD < 0 {
		t.Fatalf("results = %+v, want one successfully inserted fd", results)
	}

	ref, e := recvTable.Lookup(uint32(results[0].GuestFD), capfd.RightFDRead, 0)
	if !e.Ok() {
		t.Fatalf("receiver table lookup: %v", e)
	}
	if ref.Obj.Kind() != capfd.KindCharDevice {
		t.Fatalf("kind = %v, want KindCharDevice", ref.Obj.Kind())
	}
}

func TestSendRejectsVirtualDescriptor(t *testing.T) {
	sockA, sockB := socketpair(t)
	defer unix.Close(sockA)
	defer unix.Close(sockB)

	tab := capfd.New()
	obj := capfd.NewObject(capfd.KindSharedMemory) // no host fd attached
	fd := tab.Insert(obj, capfd.RightFDRead, 0)

	sender := New(hostif.OS{}, tab)
	_, e := sender.Send(sockA, []byte("x"), []uint32{fd})
	if e.Ok() {
		t.Fatalf("expected EBADF sending a descriptor with no host number")
	}
}
