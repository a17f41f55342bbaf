package gthread

import "golang.org/x/sys/unix"

// gettid identifies the calling goroutine's currently-pinned OS thread.
// Only meaningful while runtime.LockOSThread is in effect, which Spawn and
// Exit guarantee around every register/unregister call.
func gettid() int { return unix.Gettid() }
