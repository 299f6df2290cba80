package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/trdp/internal/md"
	"github.com/danmuck/trdp/internal/pd"
	"github.com/danmuck/trdp/internal/testutil/testlog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatchUnknownAndHelp(t *testing.T) {
	testlog.Start(t)
	var out syncBuffer
	if err := dispatch(context.Background(), "teleport", nil, &out); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := dispatch(context.Background(), "help", nil, &out); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(out.String(), "subscribe") {
		t.Fatalf("usage missing commands: %q", out.String())
	}
	if err := dispatch(context.Background(), "publish", []string{"-dest", "nowhere"}, &out); err == nil {
		t.Fatalf("expected dest parse error")
	}
}

func TestPublishCommandReachesSubscriber(t *testing.T) {
	testlog.Start(t)
	s, err := pd.NewSubscriber(pd.SubscriberConfig{ComID: 1000, Address: "127.0.0.1", ReceiveTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	defer s.Close()
	got := make(chan pd.Sample, 4)
	s.AddListener(func(sample pd.Sample) { got <- sample })
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var out syncBuffer
	args := []string{"-dest", fmt.Sprintf("127.0.0.1:%d", s.Port()), "-count", "2", "-cycle", "10ms"}
	if err := dispatch(context.Background(), "publish", args, &out); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case sample := <-got:
			if string(sample.Payload) != "Hello TRDP PD" {
				t.Fatalf("payload=%q", sample.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("sample %d not received", i)
		}
	}
	if !strings.Contains(out.String(), "seq=1") {
		t.Fatalf("publish output missing second sequence: %q", out.String())
	}
}

func TestRequestCommandAgainstReplier(t *testing.T) {
	testlog.Start(t)
	cfg := md.DefaultReplierConfig()
	cfg.Port = 0
	rep, err := md.NewReplier(cfg, md.HandlerFunc(func(_ context.Context, req md.IncomingRequest) ([]byte, error) {
		return []byte("Reply from TRDP MD"), nil
	}))
	if err != nil {
		t.Fatalf("replier: %v", err)
	}
	defer rep.Close()
	if err := rep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, kind := range []string{"udp", "tcp"} {
		var out syncBuffer
		args := []string{"-dest", fmt.Sprintf("127.0.0.1:%d", rep.Port()), "-transport", kind, "-timeout", "3s"}
		if err := dispatch(context.Background(), "request", args, &out); err != nil {
			t.Fatalf("%s request: %v", kind, err)
		}
		if !strings.Contains(out.String(), `payload="Reply from TRDP MD"`) {
			t.Fatalf("%s output: %q", kind, out.String())
		}
	}
}

func TestReplyCommandStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- dispatch(ctx, "reply", []string{"-port", "0", "-reply", "ok"}, &out) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "replier listening") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reply: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("reply command did not stop")
	}
}
