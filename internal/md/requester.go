// Package md implements TRDP message data: request/reply exchanges over UDP
// or TCP, correlated by sequence number.
package md

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/logging"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/danmuck/trdp/internal/protocol"
	"github.com/danmuck/trdp/internal/transport"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// Request describes one outbound MD_REQUEST.
type Request struct {
	ComID       uint32
	Payload     []byte
	Destination netip.AddrPort
	// ReplyComID 0 asks for replies on ComID.
	ReplyComID uint32
	Transport  TransportKind
	// Timeout 0 uses the requester default.
	Timeout        time.Duration
	SourceURI      string
	DestinationURI string
}

// RequesterStats is a snapshot for the admin surface.
type RequesterStats struct {
	Port        int                           `json:"port"`
	Pending     int                           `json:"pending"`
	Connections int                           `json:"tcp_connections"`
	Latency     observability.LatencySnapshot `json:"latency"`
}

type Requester struct {
	cfg     RequesterConfig
	udp     *transport.UDP
	log     zerolog.Logger
	seq     atomic.Uint32
	pending *pendingTable
	latency *observability.LatencyStats

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[netip.AddrPort]*transport.TCP

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewRequester binds the UDP reply socket and starts its reply worker.
func NewRequester(cfg RequesterConfig) (*Requester, error) {
	cfg = cfg.WithDefaults()
	if len(cfg.SourceURI) > protocol.URISize {
		return nil, protocol.ErrURITooLong
	}
	udp, err := transport.ListenUDP(transport.ListenConfig{Address: cfg.LocalAddress, Port: cfg.LocalPort})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Requester{
		cfg:     cfg,
		udp:     udp,
		log:     logging.Component("md.requester").With().Int("port", udp.LocalPort()).Logger(),
		pending: newPendingTable(),
		latency: observability.NewLatencyStats(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[netip.AddrPort]*transport.TCP),
	}
	r.running.Store(true)
	r.wg.Add(1)
	go r.udpReplyLoop()
	return r, nil
}

// SendRequest registers a pending call and sends the request. It returns as
// soon as the request is on the wire; use the Call to await the reply. ctx
// bounds connection setup for TCP requests.
func (r *Requester) SendRequest(ctx context.Context, req Request) (*Call, error) {
	if len(req.Payload) > protocol.MaxMDDataSize {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrMDPayloadTooLarge, len(req.Payload), protocol.MaxMDDataSize)
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if !req.Destination.IsValid() {
		return nil, fmt.Errorf("md: request destination required")
	}
	srcURI := req.SourceURI
	if srcURI == "" {
		srcURI = r.cfg.SourceURI
	}
	if len(srcURI) > protocol.URISize || len(req.DestinationURI) > protocol.URISize {
		return nil, protocol.ErrURITooLong
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.ReplyTimeout
	}
	replyComID := req.ReplyComID
	if replyComID == 0 {
		replyComID = req.ComID
	}

	seq := r.seq.Add(1) - 1
	sid := [protocol.SessionIDSize]byte(uuid.NewV1())

	h := protocol.NewHeader(protocol.MsgMDRequest)
	h.SequenceCounter = seq
	h.ComID = req.ComID
	h.ReplyComID = replyComID
	h.ReplyIPAddress = protocol.IPv4ToUint32(r.replyAddress(req.Destination.Addr()))
	h.MD.SessionID = sid
	h.MD.ReplyTimeout = uint32(timeout / time.Millisecond)
	h.MD.SourceURI = srcURI
	h.MD.DestinationURI = req.DestinationURI

	b, err := protocol.EncodePacket(h, req.Payload)
	if err != nil {
		return nil, err
	}

	call := newCall(r, seq, req.ComID, sid, req.Transport)
	r.pending.add(call)
	if r.closed.Load() && r.pending.takeCall(call) {
		call.resolve(Reply{}, ErrClosed)
		return nil, ErrClosed
	}
	call.setTimer(time.AfterFunc(timeout, func() {
		if r.pending.takeCall(call) {
			r.finish(call, Reply{}, fmt.Errorf("%w: seq=%d after %v", ErrTimeout, seq, timeout))
		}
	}))

	if err := r.send(ctx, req.Transport, req.Destination, b); err != nil {
		if r.pending.takeCall(call) {
			call.resolve(Reply{}, err)
		}
		r.log.Warn().Err(err).Uint32("seq", seq).Str("dst", req.Destination.String()).Msg("request send failed")
		return nil, err
	}

	observability.RecordMDRequest("requester", req.Transport.String())
	r.log.Debug().
		Uint32("seq", seq).
		Uint32("com_id", req.ComID).
		Str("dst", req.Destination.String()).
		Stringer("transport", req.Transport).
		Msg("request sent")
	return call, nil
}

func (r *Requester) replyAddress(dst netip.Addr) netip.Addr {
	if r.cfg.ReplyAddress.IsValid() {
		return r.cfg.ReplyAddress
	}
	return transport.ReplyAddressFor(dst)
}

func (r *Requester) send(ctx context.Context, kind TransportKind, dst netip.AddrPort, b []byte) error {
	switch kind {
	case UDP:
		return r.udp.Send(b, dst)
	case TCP:
		conn, err := r.conn(ctx, dst)
		if err != nil {
			return err
		}
		if err := conn.Send(b); err != nil {
			r.dropConn(dst, conn)
			return err
		}
		return nil
	default:
		return fmt.Errorf("md: unsupported transport %s", kind)
	}
}

// conn returns the cached connection to dst, dialing one if needed.
func (r *Requester) conn(ctx context.Context, dst netip.AddrPort) (*transport.TCP, error) {
	r.mu.Lock()
	if c, ok := r.conns[dst]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	c, err := transport.DialTCP(dialCtx, dst, r.cfg.Dial)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		c.Close()
		return nil, ErrClosed
	}
	if existing, ok := r.conns[dst]; ok {
		c.Close()
		return existing, nil
	}
	r.conns[dst] = c
	r.wg.Add(1)
	go r.tcpReplyLoop(dst, c)
	r.log.Debug().Str("dst", dst.String()).Msg("tcp connection established")
	return c, nil
}

func (r *Requester) dropConn(dst netip.AddrPort, c *transport.TCP) {
	r.mu.Lock()
	if r.conns[dst] == c {
		delete(r.conns, dst)
	}
	r.mu.Unlock()
	c.Close()
}

func (r *Requester) udpReplyLoop() {
	defer r.wg.Done()
	buf := make([]byte, protocol.MaxFrameSize)
	for r.running.Load() {
		n, src, err := r.udp.Receive(buf, r.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || !r.running.Load() {
				return
			}
			r.log.Error().Err(err).Msg("udp receive failed")
			continue
		}
		if n == 0 {
			continue
		}
		r.handleReply(buf[:n], src, UDP)
	}
}

func (r *Requester) tcpReplyLoop(dst netip.AddrPort, c *transport.TCP) {
	defer r.wg.Done()
	defer r.dropConn(dst, c)
	for r.running.Load() {
		raw, err := c.ReadPacket(r.cfg.ReceiveTimeout)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrClosed) || !r.running.Load():
			case errors.Is(err, io.EOF):
				r.log.Debug().Str("dst", dst.String()).Msg("tcp peer closed")
			default:
				r.log.Warn().Err(err).Str("dst", dst.String()).Msg("tcp stream failed, closing")
			}
			return
		}
		if raw == nil {
			continue
		}
		r.handleReply(raw, dst, TCP)
	}
}

func (r *Requester) handleReply(b []byte, src netip.AddrPort, kind TransportKind) {
	pkt, err := protocol.DecodePacket(b)
	if err != nil {
		reason := observability.DropFormat
		if errors.Is(err, protocol.ErrIntegrity) {
			reason = observability.DropIntegrity
		}
		observability.RecordDropped("md.requester", reason)
		r.log.Warn().Err(err).Str("src", src.String()).Msg("dropping malformed reply")
		return
	}
	if pkt.Header.MessageType != protocol.MsgMDReply {
		observability.RecordDropped("md.requester", observability.DropType)
		r.log.Debug().Stringer("type", pkt.Header.MessageType).Str("src", src.String()).Msg("ignoring non-reply packet")
		return
	}
	call := r.pending.take(pkt.Header.SequenceCounter)
	if call == nil {
		observability.RecordDropped("md.requester", observability.DropUnmatched)
		r.log.Debug().Uint32("seq", pkt.Header.SequenceCounter).Str("src", src.String()).Msg("no pending request for reply")
		return
	}

	reply := Reply{
		ComID:     pkt.Header.ComID,
		Sequence:  pkt.Header.SequenceCounter,
		Payload:   pkt.Payload,
		Source:    src,
		Transport: kind,
		RoundTrip: time.Since(call.sentAt),
		Header:    pkt.Header,
	}
	if pkt.Header.MD != nil {
		reply.SessionID = pkt.Header.MD.SessionID
		reply.ReplyStatus = pkt.Header.MD.ReplyStatus
	}
	r.finish(call, reply, nil)
}

// finish resolves a call already removed from the pending table and records
// the outcome.
func (r *Requester) finish(c *Call, reply Reply, err error) bool {
	if !c.resolve(reply, err) {
		return false
	}
	result := "reply"
	switch {
	case err == nil:
		r.latency.Put(reply.RoundTrip, nil)
		observability.ObserveMDRoundTrip(c.transport.String(), reply.RoundTrip)
	case errors.Is(err, ErrTimeout):
		result = "timeout"
		r.latency.Put(0, err)
	case errors.Is(err, ErrCanceled):
		result = "canceled"
	case errors.Is(err, ErrClosed):
		result = "closed"
	default:
		result = "error"
	}
	observability.RecordMDResult(result)
	r.log.Debug().Uint32("seq", c.seq).Str("result", result).Msg("call resolved")
	return true
}

// Pending returns the number of unresolved calls.
func (r *Requester) Pending() int {
	return r.pending.len()
}

// PendingSequences lists unresolved sequence numbers in ascending order.
func (r *Requester) PendingSequences() []uint32 {
	return r.pending.sequences()
}

// Port returns the local UDP port replies arrive on.
func (r *Requester) Port() int {
	return r.udp.LocalPort()
}

func (r *Requester) Stats() RequesterStats {
	r.mu.Lock()
	conns := len(r.conns)
	r.mu.Unlock()
	return RequesterStats{
		Port:        r.udp.LocalPort(),
		Pending:     r.pending.len(),
		Connections: conns,
		Latency:     r.latency.Snapshot(),
	}
}

// Close fails every pending call with ErrClosed, releases all sockets and
// waits up to the shutdown grace period for workers. Safe to repeat.
func (r *Requester) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.running.Store(false)
	r.cancel()

	for _, c := range r.pending.takeAll() {
		r.finish(c, Reply{}, ErrClosed)
	}

	err := r.udp.Close()
	r.mu.Lock()
	for dst, c := range r.conns {
		c.Close()
		delete(r.conns, dst)
	}
	r.mu.Unlock()

	if !waitTimeout(&r.wg, r.cfg.ShutdownGrace) {
		r.log.Warn().Dur("grace", r.cfg.ShutdownGrace).Msg("workers did not stop in time")
	}
	r.log.Info().Msg("requester closed")
	return err
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
