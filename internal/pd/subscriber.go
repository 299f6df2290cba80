package pd

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/logging"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/danmuck/trdp/internal/protocol"
	"github.com/danmuck/trdp/internal/transport"
	"github.com/rs/zerolog"
)

// Sample is one accepted PD telegram. Payload is shared by all listeners and
// must not be modified.
type Sample struct {
	ComID      uint32
	Sequence   uint32
	Payload    []byte
	Source     netip.AddrPort
	ReceivedAt time.Time
	Header     protocol.Header
}

// Listener receives samples on the subscriber's receive goroutine.
type Listener func(Sample)

type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// SubscriberStats counts subscriber activity since creation.
type SubscriberStats struct {
	ComID     uint32 `json:"com_id"`
	Port      int    `json:"port"`
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Listeners int    `json:"listeners"`
}

type Subscriber struct {
	cfg SubscriberConfig
	udp *transport.UDP
	log zerolog.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners atomic.Pointer[[]listenerEntry]

	started atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSubscriber binds the receive socket and joins the multicast group, if any.
// Reception begins with Start.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	cfg = cfg.WithDefaults()
	udp, err := transport.ListenUDP(transport.ListenConfig{Address: cfg.Address, Port: cfg.Port})
	if err != nil {
		return nil, err
	}
	if cfg.Group.IsValid() {
		if err := udp.JoinGroup(cfg.Group, cfg.Interface); err != nil {
			udp.Close()
			return nil, err
		}
	}
	s := &Subscriber{
		cfg: cfg,
		udp: udp,
		log: logging.Component("pd.subscriber").With().
			Uint32("com_id", cfg.ComID).
			Int("port", udp.LocalPort()).
			Logger(),
	}
	empty := []listenerEntry{}
	s.listeners.Store(&empty)
	return s, nil
}

// Start launches the receive goroutine. Repeated calls are no-ops.
func (s *Subscriber) Start() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		s.log.Warn().Msg("subscriber already started")
		return nil
	}
	s.running.Store(true)
	s.wg.Add(1)
	go s.receiveLoop()
	s.log.Info().Str("group", groupLabel(s.cfg.Group)).Msg("subscriber started")
	return nil
}

// AddListener registers fn and returns a handle for RemoveListener.
func (s *Subscriber) AddListener(fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cur := *s.listeners.Load()
	next := make([]listenerEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, listenerEntry{id: s.nextID, fn: fn})
	s.listeners.Store(&next)
	return s.nextID
}

// RemoveListener reports whether id was registered.
func (s *Subscriber) RemoveListener(id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.listeners.Load()
	next := make([]listenerEntry, 0, len(cur))
	for _, l := range cur {
		if l.id != id {
			next = append(next, l)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	s.listeners.Store(&next)
	return true
}

func (s *Subscriber) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxFrameSize)
	for s.running.Load() {
		n, src, err := s.udp.Receive(buf, s.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || !s.running.Load() {
				return
			}
			s.log.Error().Err(err).Msg("receive failed")
			continue
		}
		if n == 0 {
			continue
		}
		s.handle(buf[:n], src)
	}
}

func (s *Subscriber) handle(b []byte, src netip.AddrPort) {
	pkt, err := protocol.DecodePacket(b)
	if err != nil {
		reason := observability.DropFormat
		if errors.Is(err, protocol.ErrIntegrity) {
			reason = observability.DropIntegrity
		}
		s.drop(reason)
		s.log.Warn().Err(err).Str("src", src.String()).Msg("dropping malformed packet")
		return
	}
	if pkt.Header.MessageType != protocol.MsgPD {
		s.drop(observability.DropType)
		s.log.Debug().Stringer("type", pkt.Header.MessageType).Str("src", src.String()).Msg("ignoring non-PD packet")
		return
	}
	if pkt.Header.ComID != s.cfg.ComID {
		s.drop(observability.DropComID)
		s.log.Trace().Uint32("got_com_id", pkt.Header.ComID).Msg("ignoring foreign com id")
		return
	}

	s.received.Add(1)
	observability.RecordPDReceived(s.cfg.ComID)
	sample := Sample{
		ComID:      pkt.Header.ComID,
		Sequence:   pkt.Header.SequenceCounter,
		Payload:    pkt.Payload,
		Source:     src,
		ReceivedAt: time.Now(),
		Header:     pkt.Header,
	}
	for _, l := range *s.listeners.Load() {
		s.invoke(l, sample)
	}
}

func (s *Subscriber) invoke(l listenerEntry, sample Sample) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Uint64("listener", uint64(l.id)).Uint32("seq", sample.Sequence).Msg("listener panicked")
		}
	}()
	l.fn(sample)
}

func (s *Subscriber) drop(reason string) {
	s.dropped.Add(1)
	observability.RecordDropped("pd.subscriber", reason)
}

// Port returns the bound UDP port.
func (s *Subscriber) Port() int {
	return s.udp.LocalPort()
}

func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		ComID:     s.cfg.ComID,
		Port:      s.udp.LocalPort(),
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Listeners: len(*s.listeners.Load()),
	}
}

// Close stops reception, releases the socket and waits up to the shutdown
// grace period for the receive goroutine. Safe to repeat.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)
	err := s.udp.Close()
	if !waitTimeout(&s.wg, s.cfg.ShutdownGrace) {
		s.log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("receive goroutine did not stop in time")
	}
	s.log.Info().Uint64("received", s.received.Load()).Uint64("dropped", s.dropped.Load()).Msg("subscriber closed")
	return err
}

func groupLabel(g netip.Addr) string {
	if !g.IsValid() {
		return "unicast"
	}
	return g.String()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
