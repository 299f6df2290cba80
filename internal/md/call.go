package md

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/trdp/internal/protocol"
)

// Reply is a resolved MD_REPLY.
type Reply struct {
	ComID       uint32
	Sequence    uint32
	Payload     []byte
	SessionID   [protocol.SessionIDSize]byte
	ReplyStatus uint32
	Source      netip.AddrPort
	Transport   TransportKind
	RoundTrip   time.Duration
	Header      protocol.Header
}

// Call is the handle for one outstanding request. It resolves exactly once:
// by reply, timeout, cancellation or requester shutdown.
type Call struct {
	seq       uint32
	comID     uint32
	sessionID [protocol.SessionIDSize]byte
	transport TransportKind
	sentAt    time.Time
	owner     *Requester

	once  sync.Once
	done  chan struct{}
	reply Reply
	err   error

	mu    sync.Mutex
	timer *time.Timer
}

func newCall(owner *Requester, seq, comID uint32, sid [protocol.SessionIDSize]byte, kind TransportKind) *Call {
	return &Call{
		seq:       seq,
		comID:     comID,
		sessionID: sid,
		transport: kind,
		sentAt:    time.Now(),
		owner:     owner,
		done:      make(chan struct{}),
	}
}

func (c *Call) setTimer(t *time.Timer) {
	c.mu.Lock()
	c.timer = t
	c.mu.Unlock()
}

func (c *Call) resolve(r Reply, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.reply = r
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

func (c *Call) Seq() uint32 {
	return c.seq
}

func (c *Call) ComID() uint32 {
	return c.comID
}

func (c *Call) SessionID() [protocol.SessionIDSize]byte {
	return c.sessionID
}

// Done is closed once the call resolves.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call resolves or ctx ends. A ctx error leaves the
// call pending.
func (c *Call) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (c *Call) Result() (Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	default:
		return Reply{}, ErrPending
	}
}

// Cancel resolves the call with ErrCanceled. It reports false when the call
// was already resolved.
func (c *Call) Cancel() bool {
	if c.owner == nil || !c.owner.pending.takeCall(c) {
		return false
	}
	return c.owner.finish(c, Reply{}, ErrCanceled)
}
