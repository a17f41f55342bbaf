// Package fdpass implements sock_send/sock_recv's guest-descriptor-passing
// extension (spec.md §4.5): guest fds riding along a Unix-domain-socket
// message as SCM_RIGHTS ancillary data.
//
// Grounded on fuse/mount_darwin.go's getConnection, which receives exactly
// this shape of ancillary message (ParseSocketControlMessage then
// ParseUnixRights) to bootstrap the FUSE mount fd, generalized here to an
// arbitrary number of descriptors in either direction and to the x/sys/unix
// equivalents of the syscall package calls the teacher uses.
package fdpass

import (
	"github.com/neveragainde/cloudabi-utils/capfd"
	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
	"golang.org/x/sys/unix"
)

// Layer is the table- and host-bound fd-passing implementation.
type Layer struct {
	h     hostif.Host
	table *capfd.Table
}

func New(h hostif.Host, table *capfd.Table) *Layer {
	return &Layer{h: h, table: table}
}

// Send implements sock_send with attached fds: guestFDs are looked up and
// held referenced for the duration of the host sendmsg, then released.
func (l *Layer) Send(sockHostFD int, data []byte, guestFDs []uint32) (int, errno.Errno) {
	refs := make([]capfd.EntryRef, 0, len(guestFDs))
	defer func() {
		for _, r := range refs {
			r.Obj.Release(l.h)
		}
	}()

	hostFDs := make([]int, 0, len(guestFDs))
	for _, fd := range guestFDs {
		ref, e := l.table.Acquire(fd, 0, 0)
		if !e.Ok() {
			return 0, e
		}
		refs = append(refs, ref)
		hf := ref.Obj.HostFD()
		if hf < 0 {
			return 0, errno.EBADF
		}
		hostFDs = append(hostFDs, hf)
	}

	var oob []byte
	if len(hostFDs) > 0 {
		oob = unix.UnixRights(hostFDs...)
	}
	if err := l.h.Sendmsg(sockHostFD, data, oob, 0); err != nil {
		return 0, errno.Translate(err)
	}
	return len(data), errno.Success
}

// RecvResult is one descriptor handed over by sock_recv: either a freshly
// inserted guest fd, or an error that maps to a -1 output slot (spec.md
// §4.5: "If classification or insertion fails, close the received host fd
// and write -1 to that output slot").
type RecvResult struct {
	GuestFD int32 // -1 on failure
}

// Recv implements sock_recv: reads up to len(buf) bytes plus up to maxFDs
// ancillary descriptors, inserting each received fd into the table at a
// fresh random slot.
func (l *Layer) Recv(sockHostFD int, buf []byte, maxFDs int) (n int, results []RecvResult, ctrunc bool, e errno.Errno) {
	oobSpace := 0
	if maxFDs > 0 {
		oobSpace = unix.CmsgSpace(maxFDs * 4)
	}
	oob := make([]byte, oobSpace)

	rn, oobn, recvflags, err := l.h.Recvmsg(sockHostFD, buf, oob, 0)
	if err != nil {
		return 0, nil, false, errno.Translate(err)
	}
	ctrunc = recvflags&unix.MSG_CTRUNC != 0

	if oobn == 0 {
		return rn, nil, ctrunc, errno.Success
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return rn, nil, ctrunc, errno.Translate(err)
	}

	for _, msg := range messages {
		hostFDs, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, hfd := range hostFDs {
			results = append(results, l.classifyAndInsert(hfd))
		}
	}
	return rn, results, ctrunc, errno.Success
}

func (l *Layer) classifyAndInsert(hostFD int) RecvResult {
	accMode := unix.O_RDWR
	if flags, err := l.h.FcntlGetFL(hostFD); err == nil {
		accMode = flags & unix.O_ACCMODE
	}

	kind, base, inheriting, e := capfd.Probe(l.h, hostFD, accMode)
	if !e.Ok() {
		l.h.Close(hostFD)
		return RecvResult{GuestFD: -1}
	}
	obj := capfd.NewWithHostFD(kind, hostFD)
	fd := l.table.Insert(obj, base, inheriting)
	return RecvResult{GuestFD: int32(fd)}
}
