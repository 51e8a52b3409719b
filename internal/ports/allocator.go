// Package ports hands out TCP ports from a fixed pool, one per active
// deployment or session. The pool is in-process state only: every lease is
// paired with a registry row, and after a restart the rows are re-adopted
// via Reserve before any new lease is granted.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned by Lease when no port in the pool is free.
var ErrExhausted = errors.New("port pool exhausted")

// Allocator tracks leases over the inclusive range [min, max].
type Allocator struct {
	mu     sync.Mutex
	min    int
	max    int
	leased map[int]string // port → owner
	next   int

	// probe reports whether the port can actually be bound on the host.
	// Overridable in tests; defaults to a real net.Listen check.
	probe func(port int) bool
}

func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Allocator{
		min:    min,
		max:    max,
		leased: make(map[int]string),
		next:   min,
		probe:  probeBind,
	}, nil
}

// probeBind checks that nothing else on the host already listens on the
// port. The allocator forgets its leases on restart, and other processes
// bind ports it never knew about, so trusting the in-memory map alone
// would hand out ports that immediately fail to bind.
func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Lease returns a free port from the pool, recorded against owner.
func (a *Allocator) Lease(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, taken := a.leased[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = owner
		return port, nil
	}
	return 0, ErrExhausted
}

// Reserve marks a port as leased without probing, used at startup to
// re-adopt ports recorded on surviving registry rows. Returns false if the
// port is outside the pool or already leased to a different owner.
func (a *Allocator) Reserve(port int, owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return false
	}
	if cur, taken := a.leased[port]; taken {
		return cur == owner
	}
	a.leased[port] = owner
	return true
}

// Release frees a port leased to owner. Releasing a port that is not
// leased, or that has since been leased to a different owner, is a no-op:
// a stale row carrying an already-reclaimed port must never clobber the
// current holder's lease.
func (a *Allocator) Release(port int, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.leased[port]; ok && cur == owner {
		delete(a.leased, port)
	}
}

// Owner returns the owner of a leased port, or "" if the port is free.
func (a *Allocator) Owner(port int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[port]
}

// LeasedCount returns the number of active leases.
func (a *Allocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
