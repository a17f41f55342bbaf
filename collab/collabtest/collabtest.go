// Package collabtest provides minimal in-memory fakes of the collab
// interfaces, used only by this repo's own tests — grounded on the
// teacher's habit of keeping a small, self-contained test double (e.g.
// fs/mem.go's in-memory filesystem, used across several _test.go files
// rather than one bespoke fake per test).
package collabtest

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/neveragainde/cloudabi-utils/collab"
)

// Futex is a no-op futex collaborator: it claims a Poll call only when
// every subscription is a futex one (so poll.Multiplexer falls through to
// its own fd/clock handling whenever an fd or clock subscription is
// present) and records lock/condvar calls for assertions.
type Futex struct {
	mu      sync.Mutex
	Unlocks []uint64
	Signals []uint64
}

func (f *Futex) LockUnlock(tid uint32, lock uint64, scope collab.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unlocks = append(f.Unlocks, lock)
	return nil
}

func (f *Futex) CondvarSignal(cond uint64, scope collab.Scope, n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Signals = append(f.Signals, cond)
	return nil
}

func (f *Futex) Poll(ctx context.Context, tid uint32, subs []collab.Subscription) ([]collab.Event, bool, error) {
	for _, s := range subs {
		if s.Kind != collab.SubFutex {
			return nil, false, nil
		}
	}
	return nil, len(subs) > 0, nil
}

func (f *Futex) CondTimedwait(ctx context.Context, cond, mutex uint64, absNanos uint64, isAbsolute bool) error {
	return nil
}

// Random is a math/rand-backed fake; deterministic given a seed so tests
// can assert distribution properties without true entropy.
type Random struct {
	r *rand.Rand
}

func NewRandom(seed int64) *Random { return &Random{r: rand.New(rand.NewSource(seed))} }

func (r *Random) Uniform(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(r.r.Int63n(int64(n)))
}

func (r *Random) Buf(buf []byte) { r.r.Read(buf) }

// TIDPool hands out sequential ids starting at 1.
type TIDPool struct {
	next uint32
}

func (p *TIDPool) Allocate() uint32 { return atomic.AddUint32(&p.next, 1) }
