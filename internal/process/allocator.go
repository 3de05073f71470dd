// Package process launches, supervises, probes, and terminates dev-server
// processes. It owns the port allocator.
package process

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortsExhausted is returned when every port in the range is taken.
var ErrPortsExhausted = errors.New("no available port in range")

// Allocator hands out unique local TCP ports from the half-open range
// [start, end). The scan skips both tracked allocations and ports some
// other process is already listening on.
type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int
	allocated map[int]struct{}
}

// NewAllocator creates an allocator over [start, end).
func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
	}
}

// Allocate returns the first free port in the range.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port < a.end; port++ {
		if _, taken := a.allocated[port]; taken {
			continue
		}
		if portInUse(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// InUse returns the number of currently allocated ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// portInUse probes whether something is already bound on the port. Binding
// briefly and closing is race-prone in theory, but the allocated map keeps
// our own sessions apart; this catches foreign listeners.
func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
