package captcha

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryFIFOPerChannel(t *testing.T) {
	r := NewRegistry(5)
	r.Push(2, "first")
	r.Push(2, "second")
	r.Push(3, "other-channel")

	ctx := context.Background()
	got, err := r.Pop(ctx, 2, time.Second)
	if err != nil || got != "first" {
		t.Fatalf("pop: got %q err %v", got, err)
	}
	got, err = r.Pop(ctx, 2, time.Second)
	if err != nil || got != "second" {
		t.Fatalf("pop: got %q err %v", got, err)
	}
	got, err = r.Pop(ctx, 3, time.Second)
	if err != nil || got != "other-channel" {
		t.Fatalf("pop on channel 3: got %q err %v", got, err)
	}
}

func TestRegistryChannelIsolation(t *testing.T) {
	r := NewRegistry(5)
	r.Push(1, "for-one")

	_, err := r.Pop(context.Background(), 2, 50*time.Millisecond)
	if !errors.Is(err, ErrTokenTimeout) {
		t.Fatalf("expected timeout on empty channel, got %v", err)
	}
	if r.Len(1) != 1 {
		t.Fatalf("token on channel 1 was consumed: len=%d", r.Len(1))
	}
}

func TestRegistryPopTimeoutAndCancel(t *testing.T) {
	r := NewRegistry(2)

	start := time.Now()
	_, err := r.Pop(context.Background(), 1, 50*time.Millisecond)
	if !errors.Is(err, ErrTokenTimeout) {
		t.Fatalf("expected ErrTokenTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("pop returned before timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Pop(ctx, 1, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegistryClamp(t *testing.T) {
	r := NewRegistry(5)
	if r.Clamp(0) != 1 || r.Clamp(-3) != 1 {
		t.Fatalf("low clamp failed")
	}
	if r.Clamp(99) != 5 {
		t.Fatalf("high clamp failed")
	}
	if r.Clamp(4) != 4 {
		t.Fatalf("in-range channel changed")
	}

	r.Push(42, "clamped")
	got, err := r.Pop(context.Background(), 5, time.Second)
	if err != nil || got != "clamped" {
		t.Fatalf("clamped push did not land on last channel: %q %v", got, err)
	}
}

func TestRegistryPendingRequests(t *testing.T) {
	r := NewRegistry(5)
	if r.HasPending() {
		t.Fatalf("fresh registry has pending requests")
	}

	r.Announce(3, "generate", 1)
	r.Announce(1, "generate", 2)

	req, ok := r.FirstPending()
	if !ok || req.Channel != 3 {
		t.Fatalf("first pending: got %+v ok=%v", req, ok)
	}
	req, ok = r.Pending(1)
	if !ok || req.Count != 2 {
		t.Fatalf("pending on channel 1: got %+v ok=%v", req, ok)
	}

	// Re-announcing replaces, it does not stack.
	r.Announce(3, "generate", 5)
	req, _ = r.Pending(3)
	if req.Count != 5 {
		t.Fatalf("announce did not replace: %+v", req)
	}

	r.Withdraw(3)
	if _, ok := r.Pending(3); ok {
		t.Fatalf("withdrawn request still pending")
	}
	if !r.HasPending() {
		t.Fatalf("channel 1 request disappeared")
	}
	r.Withdraw(1)
	if r.HasPending() {
		t.Fatalf("registry still pending after withdrawals")
	}
}

func TestRegistryPushDropsWhenFull(t *testing.T) {
	r := NewRegistry(1)
	for i := 0; i < channelDepth; i++ {
		if !r.Push(1, "t") {
			t.Fatalf("push %d rejected below capacity", i)
		}
	}
	if r.Push(1, "overflow") {
		t.Fatalf("expected push to drop on full channel")
	}
	if r.Len(1) != channelDepth {
		t.Fatalf("unexpected queue length %d", r.Len(1))
	}
}
