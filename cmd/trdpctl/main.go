package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/trdp/internal/md"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/danmuck/trdp/internal/pd"
	"github.com/danmuck/trdp/internal/protocol"
)

const usage = `usage: trdpctl <command> [flags]

commands:
  publish    send process data telegrams
  subscribe  print received process data
  request    send one message data request and print the reply
  reply      answer message data requests until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	observability.InitLogger("trdpctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "trdpctl: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "publish":
		return runPublish(ctx, args, out)
	case "subscribe":
		return runSubscribe(ctx, args, out)
	case "request":
		return runRequest(ctx, args, out)
	case "reply":
		return runReply(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runPublish(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	dest := fs.String("dest", fmt.Sprintf("%s:%d", protocol.DefaultMulticastGroup, protocol.DefaultPDPort), "destination ip:port")
	comID := fs.Uint("com-id", 1000, "ComId")
	payload := fs.String("payload", "Hello TRDP PD", "payload text")
	count := fs.Int("count", 1, "telegrams to send; 0 runs until interrupted")
	cycle := fs.Duration("cycle", 100*time.Millisecond, "interval between telegrams")
	iface := fs.String("iface", "", "multicast interface name")
	ttl := fs.Int("ttl", 1, "multicast ttl")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dst, err := netip.ParseAddrPort(*dest)
	if err != nil {
		return fmt.Errorf("parse dest: %w", err)
	}
	p, err := pd.NewPublisher(pd.PublisherConfig{
		ComID:       uint32(*comID),
		Destination: dst,
		Interface:   *iface,
		TTL:         *ttl,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	body := []byte(*payload)
	if *count == 0 {
		err := p.RunCyclic(ctx, *cycle, func() []byte { return body })
		if ctx.Err() != nil {
			err = nil
		}
		return err
	}

	for i := 0; i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(*cycle):
			}
		}
		seq := p.Sequence()
		if err := p.Publish(body); err != nil {
			return err
		}
		fmt.Fprintf(out, "published com_id=%d seq=%d len=%d dst=%s\n", *comID, seq, len(body), dst)
	}
	return nil
}

func runSubscribe(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	port := fs.Int("port", protocol.DefaultPDPort, "listen port")
	comID := fs.Uint("com-id", 0, "ComId filter; 0 accepts all")
	group := fs.String("group", "", "multicast group to join")
	iface := fs.String("iface", "", "multicast interface name")
	duration := fs.Duration("duration", 0, "stop after this long; 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := pd.DefaultSubscriberConfig()
	cfg.ComID = uint32(*comID)
	cfg.Port = *port
	cfg.Interface = *iface
	if *group != "" {
		g, err := netip.ParseAddr(*group)
		if err != nil {
			return fmt.Errorf("parse group: %w", err)
		}
		cfg.Group = g
	}

	s, err := pd.NewSubscriber(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	samples := make(chan pd.Sample, 64)
	s.AddListener(func(sample pd.Sample) {
		select {
		case samples <- sample:
		default:
		}
	})
	if err := s.Start(); err != nil {
		return err
	}

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	for {
		select {
		case <-ctx.Done():
			st := s.Stats()
			fmt.Fprintf(out, "received=%d dropped=%d\n", st.Received, st.Dropped)
			return nil
		case sample := <-samples:
			fmt.Fprintf(out, "pd com_id=%d seq=%d src=%s payload=%q\n",
				sample.ComID, sample.Sequence, sample.Source, sample.Payload)
		}
	}
}

func runRequest(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	dest := fs.String("dest", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultMDPort), "replier ip:port")
	comID := fs.Uint("com-id", 2001, "request ComId")
	replyComID := fs.Uint("reply-com-id", 0, "expected reply ComId")
	payload := fs.String("payload", "Hello TRDP MD", "payload text")
	kind := fs.String("transport", "udp", "udp|tcp")
	timeout := fs.Duration("timeout", protocol.DefaultMDTimeout, "reply timeout")
	srcURI := fs.String("src-uri", "", "source URI")
	dstURI := fs.String("dst-uri", "", "destination URI")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dst, err := netip.ParseAddrPort(*dest)
	if err != nil {
		return fmt.Errorf("parse dest: %w", err)
	}
	tk, err := md.ParseTransportKind(*kind)
	if err != nil {
		return err
	}

	r, err := md.NewRequester(md.DefaultRequesterConfig())
	if err != nil {
		return err
	}
	defer r.Close()

	call, err := r.SendRequest(ctx, md.Request{
		ComID:          uint32(*comID),
		ReplyComID:     uint32(*replyComID),
		Payload:        []byte(*payload),
		Destination:    dst,
		Transport:      tk,
		Timeout:        *timeout,
		SourceURI:      *srcURI,
		DestinationURI: *dstURI,
	})
	if err != nil {
		return err
	}
	reply, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reply com_id=%d seq=%d status=%d rtt=%s transport=%s payload=%q\n",
		reply.ComID, reply.Sequence, reply.ReplyStatus, reply.RoundTrip, reply.Transport, reply.Payload)
	return nil
}

func runReply(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reply", flag.ContinueOnError)
	port := fs.Int("port", protocol.DefaultMDPort, "listen port for udp and tcp")
	comID := fs.Uint("com-id", 0, "answer only this ComId; 0 answers all")
	static := fs.String("reply", "", "fixed reply text; empty echoes the request")
	uri := fs.String("uri", "", "source URI stamped on replies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := md.DefaultReplierConfig()
	cfg.Port = *port
	cfg.URI = *uri
	handler := md.HandlerFunc(func(_ context.Context, req md.IncomingRequest) ([]byte, error) {
		if *comID != 0 && req.ComID != uint32(*comID) {
			return nil, fmt.Errorf("com_id %d not served", req.ComID)
		}
		fmt.Fprintf(out, "request com_id=%d seq=%d src=%s transport=%s payload=%q\n",
			req.ComID, req.Sequence, req.Source, req.Transport, req.Payload)
		if *static != "" {
			return []byte(*static), nil
		}
		return req.Payload, nil
	})

	rep, err := md.NewReplier(cfg, handler)
	if err != nil {
		return err
	}
	if err := rep.Start(); err != nil {
		rep.Close()
		return err
	}
	fmt.Fprintf(out, "replier listening port=%d\n", rep.Port())
	<-ctx.Done()
	return rep.Close()
}
