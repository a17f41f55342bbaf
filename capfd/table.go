package capfd

import (
	"math/rand"
	"sync"

	"github.com/neveragainde/cloudabi-utils/errno"
	"github.com/neveragainde/cloudabi-utils/hostif"
)

// entry is a descriptor-table slot: either empty (Obj == nil) or populated.
// Grounded on fuse.portableHandleMap's slice-of-*Handled shape, generalized
// with the two rights masks spec.md §3 requires.
type entry struct {
	Obj        *Object
	Base       Rights
	Inheriting Rights
}

func (e *entry) empty() bool { return e.Obj == nil }

// Table is the per-process descriptor table of spec.md §4.1: a dense array
// indexed by guest fd number, size + used count, guarded by a reader-writer
// lock, with random slot assignment on insert.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	used    int
}

// New returns an empty table. Size grows lazily on first insert.
func New() *Table {
	return &Table{}
}

// EntryRef is the (object, rights) pair returned by Lookup and Acquire: a
// copy of the entry, not an alias of the table's storage. Lookup's copy
// holds no reference of its own; Acquire's holds one, which the caller
// releases.
type EntryRef struct {
	Obj        *Object
	Base       Rights
	Inheriting Rights
}

// Lookup returns the entry at fd under the shared lock, without acquiring
// an additional reference. need{Base,Inheriting} are checked against the
// entry's own masks; on any capability shortfall it returns ENOTCAPABLE
// without distinguishing that from "not mine to use" (spec.md §4.1,
// §7 "Rights violations ... indistinguishable from operation not
// permitted").
func (t *Table) Lookup(fd uint32, needBase, needInheriting Rights) (EntryRef, errno.Errno) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(fd, needBase, needInheriting)
}

func (t *Table) lookupLocked(fd uint32, needBase, needInheriting Rights) (EntryRef, errno.Errno) {
	if int(fd) >= len(t.entries) {
		return EntryRef{}, errno.EBADF
	}
	e := &t.entries[fd]
	if e.empty() {
		return EntryRef{}, errno.EBADF
	}
	if needBase&^e.Base != 0 || needInheriting&^e.Inheriting != 0 {
		return EntryRef{}, errno.ENOTCAPABLE
	}
	return EntryRef{Obj: e.Obj, Base: e.Base, Inheriting: e.Inheriting}, errno.Success
}

// Acquire is Lookup plus one additional reference, with the table lock
// released before return — the normal path for I/O syscalls (spec.md
// §4.1 acquire()).
func (t *Table) Acquire(fd uint32, needBase, needInheriting Rights) (EntryRef, errno.Errno) {
	t.mu.RLock()
	ref, e := t.lookupLocked(fd, needBase, needInheriting)
	if e.Ok() {
		ref.Obj.Acquire()
	}
	t.mu.RUnlock()
	return ref, e
}

// growLocked doubles size until size > 2*(used+incr), the growth policy of
// spec.md §4.1.
func (t *Table) growLocked(incr int) {
	need := 2 * (t.used + incr)
	size := len(t.entries)
	if size > need {
		return
	}
	if size == 0 {
		size = 4
	}
	for size <= need {
		size *= 2
	}
	grown := make([]entry, size)
	copy(grown, t.entries)
	t.entries = grown
}

// randomEmptySlot performs the rejection sampling of spec.md §4.1: draw
// uniform indices until an empty one turns up. Termination is guaranteed
// in expectation by the used <= size/2 invariant, which growLocked upholds
// before this is ever called.
func (t *Table) randomEmptySlot() uint32 {
	size := len(t.entries)
	for {
		idx := rand.Intn(size)
		if t.entries[idx].empty() {
			return uint32(idx)
		}
	}
}

// Insert places obj (consuming the caller's reference) at a uniformly
// random empty slot, growing first if needed, and returns the new fd
// (spec.md §4.1 insert()).
func (t *Table) Insert(obj *Object, base, inheriting Rights) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.growLocked(1)
	fd := t.randomEmptySlot()
	t.entries[fd] = entry{Obj: obj, Base: base, Inheriting: inheriting}
	t.used++
	return fd
}

// InsertAt places obj at a caller-chosen fd, growing the table as needed
// (spec.md §4.1 insert_at()). It fails with EEXIST-shaped semantics only
// in the sense the spec defines "ok|error"; here a pre-populated slot at
// fd is an error so callers never silently leak the old object's
// reference.
func (t *Table) InsertAt(fd uint32, obj *Object, base, inheriting Rights) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fd) >= len(t.entries) {
		need := int(fd) + 1
		size := len(t.entries)
		if size == 0 {
			size = 4
		}
		for size <= need {
			size *= 2
		}
		grown := make([]entry, size)
		copy(grown, t.entries)
		t.entries = grown
	}
	if !t.entries[fd].empty() {
		return errno.EEXIST
	}
	t.entries[fd] = entry{Obj: obj, Base: base, Inheriting: inheriting}
	t.used++
	return errno.Success
}

// InsertPair atomically inserts two objects at two freshly chosen random
// slots, growing with incr=2 (spec.md §4.1 insert_pair(), used by socket
// pair creation).
func (t *Table) InsertPair(o1, o2 *Object, base1, base2, inheriting Rights) (uint32, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.growLocked(2)
	fd1 := t.randomEmptySlot()
	t.entries[fd1] = entry{Obj: o1, Base: base1, Inheriting: inheriting}
	t.used++
	fd2 := t.randomEmptySlot()
	t.entries[fd2] = entry{Obj: o2, Base: base2, Inheriting: inheriting}
	t.used++
	return fd1, fd2
}

// Close detaches the entry at fd and releases its object reference after
// the lock is dropped (spec.md §4.1 close(), §5 "releases ... MUST occur
// outside any lock").
func (t *Table) Close(fd uint32, h hostif.Host) errno.Errno {
	t.mu.Lock()
	if int(fd) >= len(t.entries) || t.entries[fd].empty() {
		t.mu.Unlock()
		return errno.EBADF
	}
	obj := t.entries[fd].Obj
	t.entries[fd] = entry{}
	t.used--
	t.mu.Unlock()

	obj.Release(h)
	return errno.Success
}

// Replace implements spec.md §4.1 replace(): the entry at `to` is detached
// (its reference released after the lock is dropped) and a new reference
// to `from`'s object is installed at `to` with `from`'s rights.
func (t *Table) Replace(from, to uint32, h hostif.Host) errno.Errno {
	t.mu.Lock()
	if int(from) >= len(t.entries) || t.entries[from].empty() {
		t.mu.Unlock()
		return errno.EBADF
	}
	src := t.entries[from]

	for int(to) >= len(t.entries) {
		size := len(t.entries)
		if size == 0 {
			size = 4
		} else {
			size *= 2
		}
		grown := make([]entry, size)
		copy(grown, t.entries)
		t.entries = grown
	}

	var old *Object
	wasPopulated := !t.entries[to].empty()
	if wasPopulated {
		old = t.entries[to].Obj
	} else {
		t.used++
	}
	t.entries[to] = entry{Obj: src.Obj.Acquire(), Base: src.Base, Inheriting: src.Inheriting}
	t.mu.Unlock()

	if wasPopulated {
		old.Release(h)
	}
	return errno.Success
}

// Dup installs a new reference to from's object at a fresh random slot
// with from's rights (spec.md §4.1 dup()).
func (t *Table) Dup(from uint32) (uint32, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(from) >= len(t.entries) || t.entries[from].empty() {
		return 0, errno.EBADF
	}
	src := t.entries[from]
	t.growLocked(1)
	fd := t.randomEmptySlot()
	t.entries[fd] = entry{Obj: src.Obj.Acquire(), Base: src.Base, Inheriting: src.Inheriting}
	t.used++
	return fd, errno.Success
}

// RestrictRights narrows the rights on fd; both new masks must already be
// subsets of the current masks (spec.md §4.1 restrict_rights(), §3
// "Rights are monotonically non-increasing").
func (t *Table) RestrictRights(fd uint32, base, inheriting Rights) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, e := t.lookupLocked(fd, base, inheriting)
	if !e.Ok() {
		return e
	}
	t.entries[fd].Base = base
	t.entries[fd].Inheriting = inheriting
	return errno.Success
}

// Used and Size expose the invariants of spec.md §8 property 1 for tests.
func (t *Table) Used() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
