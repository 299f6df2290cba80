// Package node runs a set of TRDP endpoints described by a node config file.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/trdp/internal/config"
	"github.com/danmuck/trdp/internal/logging"
	"github.com/danmuck/trdp/internal/md"
	"github.com/danmuck/trdp/internal/pd"
	"github.com/rs/zerolog"
)

// PublisherStats reports one configured cyclic publisher.
type PublisherStats struct {
	ComID        uint32 `json:"com_id"`
	Destination  string `json:"destination"`
	NextSequence uint32 `json:"next_sequence"`
}

// Stats is the node snapshot served on the admin surface.
type Stats struct {
	Name        string               `json:"name"`
	Uptime      string               `json:"uptime"`
	Publishers  []PublisherStats     `json:"publishers"`
	Subscribers []pd.SubscriberStats `json:"subscribers"`
	Replier     *md.ReplierStats     `json:"replier,omitempty"`
	Requester   md.RequesterStats    `json:"requester"`
}

type publisher struct {
	entry config.PublisherEntry
	pub   *pd.Publisher
}

type Node struct {
	cfg     config.NodeConfig
	log     zerolog.Logger
	started time.Time
	ready   atomic.Bool

	publishers  []publisher
	subscribers []*pd.Subscriber
	replier     *md.Replier
	requester   *md.Requester

	closeOnce sync.Once
	closeErr  error
}

// New binds every endpoint in cfg. Nothing is sent or received until Run.
func New(cfg config.NodeConfig) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		log:     logging.Component("node").With().Str("node", cfg.Name).Logger(),
		started: time.Now(),
	}
	if err := n.build(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	for _, entry := range n.cfg.Publishers {
		p, err := pd.NewPublisher(entry.PublisherConfig())
		if err != nil {
			return fmt.Errorf("publisher com_id=%d: %w", entry.ComID, err)
		}
		n.publishers = append(n.publishers, publisher{entry: entry, pub: p})
	}
	for _, entry := range n.cfg.Subscribers {
		s, err := pd.NewSubscriber(entry.SubscriberConfig())
		if err != nil {
			return fmt.Errorf("subscriber com_id=%d: %w", entry.ComID, err)
		}
		s.AddListener(n.logSample)
		n.subscribers = append(n.subscribers, s)
	}
	if n.cfg.Replier.Enabled {
		r, err := md.NewReplier(n.cfg.Replier.ReplierConfig(), RouteHandler(n.cfg.Replier.Routes))
		if err != nil {
			return fmt.Errorf("replier: %w", err)
		}
		n.replier = r
	}
	req, err := md.NewRequester(n.cfg.Requester.RequesterConfig())
	if err != nil {
		return fmt.Errorf("requester: %w", err)
	}
	n.requester = req
	return nil
}

func (n *Node) logSample(s pd.Sample) {
	n.log.Debug().
		Uint32("com_id", s.ComID).
		Uint32("seq", s.Sequence).
		Str("src", s.Source.String()).
		Int("len", len(s.Payload)).
		Msg("pd sample")
}

// Run starts all endpoints and blocks until ctx ends, then closes the node.
func (n *Node) Run(ctx context.Context) error {
	for _, s := range n.subscribers {
		if err := s.Start(); err != nil {
			return err
		}
	}
	if n.replier != nil {
		if err := n.replier.Start(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, p := range n.publishers {
		wg.Add(1)
		go func(p publisher) {
			defer wg.Done()
			payload := []byte(p.entry.Payload)
			err := p.pub.RunCyclic(ctx, p.entry.Cycle(), func() []byte { return payload })
			if err != nil && ctx.Err() == nil && !errors.Is(err, pd.ErrClosed) {
				n.log.Error().Err(err).Uint32("com_id", p.entry.ComID).Msg("cyclic publisher stopped")
			}
		}(p)
	}

	n.ready.Store(true)
	n.log.Info().
		Int("publishers", len(n.publishers)).
		Int("subscribers", len(n.subscribers)).
		Bool("replier", n.replier != nil).
		Msg("node running")

	<-ctx.Done()
	n.ready.Store(false)
	err := n.Close()
	wg.Wait()
	n.log.Info().Msg("node stopped")
	return err
}

// Ready reports whether Run has started every endpoint.
func (n *Node) Ready() bool {
	return n.ready.Load()
}

func (n *Node) Requester() *md.Requester {
	return n.requester
}

func (n *Node) Stats() Stats {
	st := Stats{
		Name:   n.cfg.Name,
		Uptime: time.Since(n.started).Round(time.Second).String(),
	}
	for _, p := range n.publishers {
		st.Publishers = append(st.Publishers, PublisherStats{
			ComID:        p.entry.ComID,
			Destination:  p.entry.Destination,
			NextSequence: p.pub.Sequence(),
		})
	}
	for _, s := range n.subscribers {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	if n.replier != nil {
		rs := n.replier.Stats()
		st.Replier = &rs
	}
	if n.requester != nil {
		st.Requester = n.requester.Stats()
	}
	return st
}

// Close releases every endpoint. Safe to repeat.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		for _, p := range n.publishers {
			errs = append(errs, p.pub.Close())
		}
		for _, s := range n.subscribers {
			errs = append(errs, s.Close())
		}
		if n.replier != nil {
			errs = append(errs, n.replier.Close())
		}
		if n.requester != nil {
			errs = append(errs, n.requester.Close())
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
