package md

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/trdp/internal/protocol"
	"github.com/danmuck/trdp/internal/testutil/testlog"
	"github.com/danmuck/trdp/internal/transport"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req IncomingRequest) ([]byte, error) {
		if string(req.Payload) == "Hello TRDP MD" {
			return []byte("Reply from TRDP MD"), nil
		}
		return append([]byte(nil), req.Payload...), nil
	})
}

func startReplier(t *testing.T, cfg ReplierConfig, h Handler) *Replier {
	t.Helper()
	cfg.Address = "127.0.0.1"
	rep, err := NewReplier(cfg, h)
	if err != nil {
		t.Fatalf("new replier: %v", err)
	}
	if err := rep.Start(); err != nil {
		t.Fatalf("start replier: %v", err)
	}
	t.Cleanup(func() { rep.Close() })
	return rep
}

func newRequester(t *testing.T) *Requester {
	t.Helper()
	cfg := DefaultRequesterConfig()
	cfg.LocalAddress = "127.0.0.1"
	cfg.ReceiveTimeout = 50 * time.Millisecond
	req, err := NewRequester(cfg)
	if err != nil {
		t.Fatalf("new requester: %v", err)
	}
	t.Cleanup(func() { req.Close() })
	return req
}

// silentPort returns a bound UDP port that never answers.
func silentPort(t *testing.T) netip.AddrPort {
	t.Helper()
	u, err := transport.ListenUDP(transport.ListenConfig{Address: "127.0.0.1"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return netip.AddrPortFrom(loopback, uint16(u.LocalPort()))
}

func waitReply(t *testing.T, call *Call) (Reply, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := call.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call %d never resolved", call.Seq())
	}
	return reply, err
}

func TestRequestReplyUDP(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{}, echoHandler())
	req := newRequester(t)

	call, err := req.SendRequest(context.Background(), Request{
		ComID:       2001,
		Payload:     []byte("Hello TRDP MD"),
		Destination: netip.AddrPortFrom(loopback, uint16(rep.Port())),
		SourceURI:   "caller",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := waitReply(t, call)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if string(reply.Payload) != "Reply from TRDP MD" {
		t.Fatalf("payload=%q", reply.Payload)
	}
	if reply.Sequence != call.Seq() || reply.ComID != 2001 || reply.SessionID != call.SessionID() {
		t.Fatalf("correlation mismatch: reply=%+v seq=%d", reply, call.Seq())
	}
	if reply.Header.MD == nil || reply.Header.MD.DestinationURI != "caller" {
		t.Fatalf("reply uri: %+v", reply.Header.MD)
	}
	if reply.Transport != UDP || reply.RoundTrip <= 0 {
		t.Fatalf("transport=%s rtt=%v", reply.Transport, reply.RoundTrip)
	}
	if req.Pending() != 0 {
		t.Fatalf("pending=%d", req.Pending())
	}
	if st := req.Stats(); st.Latency.Count != 1 {
		t.Fatalf("latency count=%d", st.Latency.Count)
	}
}

func TestRequestReplyTCP(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{}, echoHandler())
	req := newRequester(t)
	dst := netip.AddrPortFrom(loopback, uint16(rep.Port()))

	for i := 0; i < 2; i++ {
		call, err := req.SendRequest(context.Background(), Request{
			ComID:       2001,
			Payload:     []byte("Hello TRDP MD"),
			Destination: dst,
			Transport:   TCP,
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		reply, err := waitReply(t, call)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if string(reply.Payload) != "Reply from TRDP MD" || reply.Transport != TCP {
			t.Fatalf("reply %d: payload=%q transport=%s", i, reply.Payload, reply.Transport)
		}
	}
	if st := req.Stats(); st.Connections != 1 {
		t.Fatalf("expected one cached connection, got %d", st.Connections)
	}
}

func TestReplyComIDHonored(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{}, echoHandler())
	req := newRequester(t)

	call, err := req.SendRequest(context.Background(), Request{
		ComID:       2001,
		ReplyComID:  3001,
		Payload:     []byte("x"),
		Destination: netip.AddrPortFrom(loopback, uint16(rep.Port())),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := waitReply(t, call)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ComID != 3001 {
		t.Fatalf("reply com id=%d", reply.ComID)
	}
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	req := newRequester(t)

	start := time.Now()
	call, err := req.SendRequest(context.Background(), Request{
		ComID:       2001,
		Payload:     []byte("anyone?"),
		Destination: silentPort(t),
		Timeout:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = waitReply(t, call)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("timed out early: %v", elapsed)
	}
	if req.Pending() != 0 {
		t.Fatalf("pending=%d", req.Pending())
	}
	if _, err := call.Result(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("result: %v", err)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{}, echoHandler())
	req := newRequester(t)
	dst := netip.AddrPortFrom(loopback, uint16(rep.Port()))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("request-%02d", i))
			kind := UDP
			if i%2 == 1 {
				kind = TCP
			}
			call, err := req.SendRequest(context.Background(), Request{ComID: 10, Payload: payload, Destination: dst, Transport: kind})
			if err != nil {
				errs <- err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			reply, err := call.Wait(ctx)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(reply.Payload, payload) || reply.Sequence != call.Seq() {
				errs <- fmt.Errorf("request %d got %q seq=%d want seq=%d", i, reply.Payload, reply.Sequence, call.Seq())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRequestPayloadLimit(t *testing.T) {
	testlog.Start(t)
	req := newRequester(t)
	_, err := req.SendRequest(context.Background(), Request{
		ComID:       1,
		Payload:     make([]byte, protocol.MaxMDDataSize+1),
		Destination: silentPort(t),
	})
	if !errors.Is(err, protocol.ErrMDPayloadTooLarge) || !errors.Is(err, protocol.ErrLimit) {
		t.Fatalf("expected ErrMDPayloadTooLarge, got %v", err)
	}
	if req.Pending() != 0 {
		t.Fatalf("rejected request left pending entry")
	}

	_, err = req.SendRequest(context.Background(), Request{
		ComID:       1,
		Destination: silentPort(t),
		SourceURI:   string(make([]byte, protocol.URISize+1)),
	})
	if !errors.Is(err, protocol.ErrURITooLong) {
		t.Fatalf("expected ErrURITooLong, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultRequesterConfig()
	cfg.LocalAddress = "127.0.0.1"
	cfg.ReceiveTimeout = 50 * time.Millisecond
	req, err := NewRequester(cfg)
	if err != nil {
		t.Fatalf("new requester: %v", err)
	}

	call, err := req.SendRequest(context.Background(), Request{
		ComID:       1,
		Payload:     []byte("x"),
		Destination: silentPort(t),
		Timeout:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := waitReply(t, call); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := req.SendRequest(context.Background(), Request{ComID: 1, Destination: silentPort(t)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: expected ErrClosed, got %v", err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCancelCall(t *testing.T) {
	testlog.Start(t)
	req := newRequester(t)
	call, err := req.SendRequest(context.Background(), Request{
		ComID:       1,
		Payload:     []byte("x"),
		Destination: silentPort(t),
		Timeout:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := call.Result(); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
	if !call.Cancel() {
		t.Fatalf("cancel of pending call returned false")
	}
	if call.Cancel() {
		t.Fatalf("second cancel returned true")
	}
	if _, err := waitReply(t, call); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if req.Pending() != 0 {
		t.Fatalf("pending=%d", req.Pending())
	}
}

func TestHandlerPanicDoesNotStopReplier(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(ctx context.Context, req IncomingRequest) ([]byte, error) {
		switch string(req.Payload) {
		case "boom":
			panic("handler bug")
		case "fail":
			return nil, errors.New("handler refused")
		}
		return []byte("ok"), nil
	})
	rep := startReplier(t, ReplierConfig{}, h)
	req := newRequester(t)
	dst := netip.AddrPortFrom(loopback, uint16(rep.Port()))

	for _, payload := range []string{"boom", "fail"} {
		call, err := req.SendRequest(context.Background(), Request{ComID: 1, Payload: []byte(payload), Destination: dst, Timeout: 150 * time.Millisecond})
		if err != nil {
			t.Fatalf("send %s: %v", payload, err)
		}
		if _, err := waitReply(t, call); !errors.Is(err, ErrTimeout) {
			t.Fatalf("%s: expected no reply, got %v", payload, err)
		}
	}

	call, err := req.SendRequest(context.Background(), Request{ComID: 1, Payload: []byte("fine"), Destination: dst})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := waitReply(t, call)
	if err != nil || string(reply.Payload) != "ok" {
		t.Fatalf("reply after panic: %q %v", reply.Payload, err)
	}
	if st := rep.Stats(); st.Failed != 2 || st.Replied != 1 {
		t.Fatalf("replier stats: %+v", st)
	}
}

func TestReplierRateLimit(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{RateLimit: 0.5, RateBurst: 1}, echoHandler())
	req := newRequester(t)
	dst := netip.AddrPortFrom(loopback, uint16(rep.Port()))

	first, err := req.SendRequest(context.Background(), Request{ComID: 1, Payload: []byte("a"), Destination: dst})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := waitReply(t, first); err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := req.SendRequest(context.Background(), Request{ComID: 1, Payload: []byte("b"), Destination: dst, Timeout: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := waitReply(t, second); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected rate limited request to time out, got %v", err)
	}
	if rep.Stats().Dropped != 1 {
		t.Fatalf("dropped=%d", rep.Stats().Dropped)
	}
}

func TestReplierIgnoresNonRequests(t *testing.T) {
	testlog.Start(t)
	rep := startReplier(t, ReplierConfig{}, echoHandler())

	raw, err := transport.ListenUDP(transport.ListenConfig{Address: "127.0.0.1"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer raw.Close()
	b, err := protocol.EncodePacket(protocol.NewHeader(protocol.MsgMDNotification), []byte("note"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := raw.Send(b, netip.AddrPortFrom(loopback, uint16(rep.Port()))); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rep.Stats().Dropped == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := rep.Stats(); st.Dropped != 1 || st.Handled != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestReplierLifecycle(t *testing.T) {
	testlog.Start(t)
	rep, err := NewReplier(ReplierConfig{Address: "127.0.0.1"}, echoHandler())
	if err != nil {
		t.Fatalf("new replier: %v", err)
	}
	if rep.Port() == 0 {
		t.Fatalf("ephemeral port not resolved")
	}
	rep.Start()
	rep.Start()
	if err := rep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rep.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := rep.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: expected ErrClosed, got %v", err)
	}
	if _, err := NewReplier(ReplierConfig{}, nil); err == nil {
		t.Fatalf("nil handler accepted")
	}
}

func TestPendingTableTakeIsExclusive(t *testing.T) {
	testlog.Start(t)
	p := newPendingTable()
	a := &Call{seq: 1, done: make(chan struct{})}
	b := &Call{seq: 2, done: make(chan struct{})}
	p.add(a)
	p.add(b)
	if got := p.sequences(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("sequences=%v", got)
	}
	if p.take(1) != a || p.take(1) != nil {
		t.Fatalf("take must return the call exactly once")
	}
	if !p.takeCall(b) || p.takeCall(b) {
		t.Fatalf("takeCall must succeed exactly once")
	}
	if p.len() != 0 {
		t.Fatalf("len=%d", p.len())
	}
}
