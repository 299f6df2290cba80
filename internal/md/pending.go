package md

import (
	"sort"
	"sync"
)

// pendingTable maps sequence numbers to unresolved calls. Removing an entry
// is what grants the right to resolve it.
type pendingTable struct {
	mu    sync.Mutex
	calls map[uint32]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint32]*Call)}
}

func (p *pendingTable) add(c *Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[c.seq] = c
}

// take removes and returns the call for seq, or nil if none is pending.
func (p *pendingTable) take(seq uint32) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[seq]
	if !ok {
		return nil
	}
	delete(p.calls, seq)
	return c
}

// takeCall removes c only if it is still the entry for its sequence.
func (p *pendingTable) takeCall(c *Call) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls[c.seq] != c {
		return false
	}
	delete(p.calls, c.seq)
	return true
}

func (p *pendingTable) takeAll() []*Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Call, 0, len(p.calls))
	for seq, c := range p.calls {
		out = append(out, c)
		delete(p.calls, seq)
	}
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *pendingTable) sequences() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.calls))
	for seq := range p.calls {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
