package supervisor

import "sort"

// portPool hands out ports from a fixed contiguous range. Not safe for
// concurrent use on its own; the supervisor's mutex guards it.
type portPool struct {
	free []int
}

func newPortPool(base, size int) *portPool {
	p := &portPool{free: make([]int, 0, size)}
	for i := 0; i < size; i++ {
		p.free = append(p.free, base+i)
	}
	return p
}

// acquire removes and returns the lowest free port.
func (p *portPool) acquire() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	port := p.free[0]
	p.free = p.free[1:]
	return port, true
}

// release returns a port to the pool, keeping the free list sorted so
// allocation stays deterministic.
func (p *portPool) release(port int) {
	i := sort.SearchInts(p.free, port)
	if i < len(p.free) && p.free[i] == port {
		return // already free, double release is a no-op
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = port
}

// available returns the number of free ports.
func (p *portPool) available() int {
	return len(p.free)
}
