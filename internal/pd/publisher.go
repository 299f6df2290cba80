// Package pd implements TRDP process data: cyclic, unacknowledged telegrams
// identified by ComId and delivered over UDP unicast or multicast.
package pd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/logging"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/danmuck/trdp/internal/protocol"
	"github.com/danmuck/trdp/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Publisher struct {
	cfg    PublisherConfig
	udp    *transport.UDP
	seq    atomic.Uint32
	closed atomic.Bool
	log    zerolog.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Destination.IsValid() {
		return nil, fmt.Errorf("pd: publisher destination required")
	}
	udp, err := transport.ListenUDP(transport.ListenConfig{Port: cfg.LocalPort})
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		cfg: cfg,
		udp: udp,
		log: logging.Component("pd.publisher").With().
			Uint32("com_id", cfg.ComID).
			Str("dst", cfg.Destination.String()).
			Logger(),
	}
	if cfg.Destination.Addr().IsMulticast() {
		if err := p.configureMulticast(); err != nil {
			udp.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Publisher) configureMulticast() error {
	if err := p.udp.SetMulticastInterface(p.cfg.Interface); err != nil {
		return err
	}
	if p.cfg.TTL > 0 {
		if err := p.udp.SetMulticastTTL(p.cfg.TTL); err != nil {
			return err
		}
	}
	return p.udp.SetMulticastLoopback(!p.cfg.NoLoopback)
}

// Publish sends payload as one PD telegram. Each call consumes the next
// sequence number, starting from 0.
func (p *Publisher) Publish(payload []byte) error {
	if len(payload) > protocol.MaxPDDataSize {
		return fmt.Errorf("%w: %d > %d", protocol.ErrPDPayloadTooLarge, len(payload), protocol.MaxPDDataSize)
	}
	if p.closed.Load() {
		return ErrClosed
	}

	h := protocol.NewHeader(protocol.MsgPD)
	h.SequenceCounter = p.seq.Add(1) - 1
	h.ComID = p.cfg.ComID
	h.EtbTopoCnt = p.cfg.EtbTopoCnt
	h.OpTrnTopoCnt = p.cfg.OpTrnTopoCnt

	b, err := protocol.EncodePacket(h, payload)
	if err != nil {
		return err
	}
	if err := p.udp.Send(b, p.cfg.Destination); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	observability.RecordPDPublished(p.cfg.ComID)
	p.log.Trace().Uint32("seq", h.SequenceCounter).Int("len", len(payload)).Msg("published")
	return nil
}

// RunCyclic publishes source() once per cycle until ctx ends or the publisher
// closes. Send failures are logged and the cycle continues.
func (p *Publisher) RunCyclic(ctx context.Context, cycle time.Duration, source func() []byte) error {
	if cycle <= 0 {
		return fmt.Errorf("pd: cycle time must be positive")
	}
	limiter := rate.NewLimiter(rate.Every(cycle), 1)
	p.log.Info().Dur("cycle", cycle).Msg("cyclic publishing started")
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next slot lies past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}
		err := p.Publish(source())
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return err
		default:
			p.log.Warn().Err(err).Msg("cyclic publish failed")
		}
	}
}

// Sequence returns the sequence number the next Publish will use.
func (p *Publisher) Sequence() uint32 {
	return p.seq.Load()
}

func (p *Publisher) ComID() uint32 {
	return p.cfg.ComID
}

// Close is safe to repeat.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.udp.Close()
}
