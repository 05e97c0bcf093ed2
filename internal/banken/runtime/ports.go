package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
)

// PortAllocator picks host ports for new containers out of a configured
// inclusive range by scanning the bindings of currently known managed
// containers.
//
// The scan-then-pick sequence is deliberately not guarded by a lock that
// spans allocation and container creation: two concurrent allocations can
// pick the same port. The runtime rejects the second create atomically
// (port already bound), the manager marks that attempt failed, and the
// caller retries. Accepting that race keeps the allocator stateless and is
// a documented trade-off, not an oversight.
type PortAllocator struct {
	rt    Runtime
	start int
	end   int
}

// NewPortAllocator creates an allocator over [start, end] inclusive.
func NewPortAllocator(rt Runtime, start, end int) (*PortAllocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &PortAllocator{rt: rt, start: start, end: end}, nil
}

// Allocate returns the lowest port in the range not bound by any managed
// container. When the range is exhausted it returns a random in-range port
// together with ErrPortExhausted; the port is still usable as a best-effort
// guess and the error only signals the lost uniqueness guarantee.
func (a *PortAllocator) Allocate(ctx context.Context) (int, error) {
	used, err := a.usedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan used ports: %w", err)
	}

	for port := a.start; port <= a.end; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}

	fallback := a.start + rand.Intn(a.end-a.start+1)
	slog.Warn("host port range exhausted, falling back to random pick",
		"range_start", a.start, "range_end", a.end, "port", fallback)
	return fallback, ErrPortExhausted
}

// usedPorts collects the host ports bound by running managed containers.
// Stopped containers hold no host port and are skipped.
func (a *PortAllocator) usedPorts(ctx context.Context) (map[int]struct{}, error) {
	summaries, err := a.rt.List(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[int]struct{})
	for _, s := range summaries {
		if s.State != StateRunning {
			continue
		}
		for _, hostPort := range s.Ports {
			used[hostPort] = struct{}{}
		}
	}
	return used, nil
}
