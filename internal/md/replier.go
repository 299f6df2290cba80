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
	"golang.org/x/time/rate"
)

// IncomingRequest is an MD_REQUEST as seen by a Handler.
type IncomingRequest struct {
	ComID          uint32
	ReplyComID     uint32
	Sequence       uint32
	SessionID      [protocol.SessionIDSize]byte
	Payload        []byte
	SourceURI      string
	DestinationURI string
	Source         netip.AddrPort
	Transport      TransportKind
	ReplyTimeout   time.Duration
	Header         protocol.Header
}

// Handler produces the reply payload for a request. An empty payload sends
// no reply.
type Handler interface {
	HandleRequest(ctx context.Context, req IncomingRequest) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, req IncomingRequest) ([]byte, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, req IncomingRequest) ([]byte, error) {
	return f(ctx, req)
}

// ReplierStats counts replier activity since creation.
type ReplierStats struct {
	Port        int    `json:"port"`
	Handled     uint64 `json:"handled"`
	Replied     uint64 `json:"replied"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	Connections int    `json:"tcp_connections"`
}

type Replier struct {
	cfg     ReplierConfig
	handler Handler
	udp     *transport.UDP
	ln      *transport.TCPListener
	limiter *rate.Limiter
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*transport.TCP]struct{}

	started atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	handled atomic.Uint64
	replied atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewReplier binds the TCP listener and a UDP socket on the same port.
func NewReplier(cfg ReplierConfig, h Handler) (*Replier, error) {
	if h == nil {
		return nil, fmt.Errorf("md: replier handler required")
	}
	cfg = cfg.WithDefaults()
	if len(cfg.URI) > protocol.URISize {
		return nil, protocol.ErrURITooLong
	}
	ln, err := transport.ListenTCP(transport.ListenConfig{Address: cfg.Address, Port: cfg.Port})
	if err != nil {
		return nil, err
	}
	udp, err := transport.ListenUDP(transport.ListenConfig{Address: cfg.Address, Port: ln.Port()})
	if err != nil {
		ln.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Replier{
		cfg:     cfg,
		handler: h,
		udp:     udp,
		ln:      ln,
		log:     logging.Component("md.replier").With().Int("port", ln.Port()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*transport.TCP]struct{}),
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return r, nil
}

// Start launches the UDP loop and the TCP accept loop. Repeated calls are no-ops.
func (r *Replier) Start() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		r.log.Warn().Msg("replier already started")
		return nil
	}
	r.running.Store(true)
	r.wg.Add(2)
	go r.udpLoop()
	go r.acceptLoop()
	r.log.Info().Msg("replier started")
	return nil
}

func (r *Replier) udpLoop() {
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
		r.handlePacket(buf[:n], src, UDP, nil)
	}
}

func (r *Replier) acceptLoop() {
	defer r.wg.Done()
	for r.running.Load() {
		conn, err := r.ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || !r.running.Load() {
				return
			}
			r.log.Error().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !r.track(conn) {
			conn.Close()
			return
		}
		go r.connLoop(conn)
	}
}

func (r *Replier) track(c *transport.TCP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.conns[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Replier) untrack(c *transport.TCP) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	c.Close()
}

func (r *Replier) connLoop(c *transport.TCP) {
	defer r.wg.Done()
	defer r.untrack(c)
	peer := c.RemoteAddr()
	r.log.Debug().Str("peer", peer.String()).Msg("tcp connection accepted")
	for r.running.Load() {
		raw, err := c.ReadPacket(r.cfg.ReceiveTimeout)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrClosed) || !r.running.Load():
			case errors.Is(err, io.EOF):
				r.log.Debug().Str("peer", peer.String()).Msg("tcp peer closed")
			default:
				r.log.Warn().Err(err).Str("peer", peer.String()).Msg("tcp stream failed, closing")
			}
			return
		}
		if raw == nil {
			continue
		}
		r.handlePacket(raw, peer, TCP, c)
	}
}

func (r *Replier) handlePacket(b []byte, src netip.AddrPort, kind TransportKind, conn *transport.TCP) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.drop(observability.DropRateLimit)
		r.log.Warn().Str("src", src.String()).Msg("rate limit exceeded, dropping request")
		return
	}
	pkt, err := protocol.DecodePacket(b)
	if err != nil {
		reason := observability.DropFormat
		if errors.Is(err, protocol.ErrIntegrity) {
			reason = observability.DropIntegrity
		}
		r.drop(reason)
		r.log.Warn().Err(err).Str("src", src.String()).Msg("dropping malformed request")
		return
	}
	if pkt.Header.MessageType != protocol.MsgMDRequest {
		r.drop(observability.DropType)
		r.log.Warn().Stringer("type", pkt.Header.MessageType).Str("src", src.String()).Msg("ignoring non-request packet")
		return
	}

	req := IncomingRequest{
		ComID:      pkt.Header.ComID,
		ReplyComID: pkt.Header.ReplyComID,
		Sequence:   pkt.Header.SequenceCounter,
		Payload:    pkt.Payload,
		Source:     src,
		Transport:  kind,
		Header:     pkt.Header,
	}
	if mdh := pkt.Header.MD; mdh != nil {
		req.SessionID = mdh.SessionID
		req.SourceURI = mdh.SourceURI
		req.DestinationURI = mdh.DestinationURI
		req.ReplyTimeout = time.Duration(mdh.ReplyTimeout) * time.Millisecond
	}
	r.handled.Add(1)
	observability.RecordMDRequest("replier", kind.String())

	resp, err := r.invoke(req)
	if err != nil {
		r.failed.Add(1)
		r.log.Error().Err(err).Uint32("seq", req.Sequence).Uint32("com_id", req.ComID).Msg("handler failed")
		return
	}
	if len(resp) == 0 {
		r.log.Debug().Uint32("seq", req.Sequence).Msg("handler returned no reply")
		return
	}
	if err := r.reply(req, pkt.Header, resp, conn); err != nil {
		r.failed.Add(1)
		r.log.Error().Err(err).Uint32("seq", req.Sequence).Str("src", src.String()).Msg("reply failed")
		return
	}
	r.replied.Add(1)
}

// invoke runs the handler, converting a panic into an error. The handler
// context ends with the request's reply timeout or replier shutdown.
func (r *Replier) invoke(req IncomingRequest) (resp []byte, err error) {
	ctx := r.ctx
	if req.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.ReplyTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = fmt.Errorf("md: handler panic: %v", p)
		}
	}()
	return r.handler.HandleRequest(ctx, req)
}

func (r *Replier) reply(req IncomingRequest, reqHeader protocol.Header, payload []byte, conn *transport.TCP) error {
	h := protocol.NewHeader(protocol.MsgMDReply)
	h.SequenceCounter = req.Sequence
	h.ComID = req.ReplyComID
	if h.ComID == 0 {
		h.ComID = req.ComID
	}
	h.EtbTopoCnt = reqHeader.EtbTopoCnt
	h.OpTrnTopoCnt = reqHeader.OpTrnTopoCnt
	h.MD.SessionID = req.SessionID
	h.MD.SourceURI = r.cfg.URI
	if h.MD.SourceURI == "" {
		h.MD.SourceURI = req.DestinationURI
	}
	h.MD.DestinationURI = req.SourceURI

	b, err := protocol.EncodePacket(h, payload)
	if err != nil {
		return err
	}
	if req.Transport == TCP {
		return conn.Send(b)
	}

	ip := req.Source.Addr()
	if reqHeader.ReplyIPAddress != 0 {
		ip = reqHeader.ReplyAddr()
	}
	return r.udp.Send(b, netip.AddrPortFrom(ip, req.Source.Port()))
}

func (r *Replier) drop(reason string) {
	r.dropped.Add(1)
	observability.RecordDropped("md.replier", reason)
}

// Port returns the shared TCP/UDP port.
func (r *Replier) Port() int {
	return r.ln.Port()
}

func (r *Replier) Stats() ReplierStats {
	r.mu.Lock()
	conns := len(r.conns)
	r.mu.Unlock()
	return ReplierStats{
		Port:        r.ln.Port(),
		Handled:     r.handled.Load(),
		Replied:     r.replied.Load(),
		Failed:      r.failed.Load(),
		Dropped:     r.dropped.Load(),
		Connections: conns,
	}
}

// Close stops both loops, closes the listener and every live connection, and
// waits up to the shutdown grace period. Safe to repeat.
func (r *Replier) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.running.Store(false)
	r.cancel()

	err := errors.Join(r.ln.Close(), r.udp.Close())
	r.mu.Lock()
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	if !waitTimeout(&r.wg, r.cfg.ShutdownGrace) {
		r.log.Warn().Dur("grace", r.cfg.ShutdownGrace).Msg("workers did not stop in time")
	}
	r.log.Info().Uint64("handled", r.handled.Load()).Uint64("replied", r.replied.Load()).Msg("replier closed")
	return err
}
