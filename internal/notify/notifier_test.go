package notify

import (
	"context"
	"testing"
	"time"
)

func TestNotifier_PublishFansOutToSubscribers(t *testing.T) {
	n := New(4)
	ch1, unsub1 := n.Subscribe()
	defer unsub1()
	ch2, unsub2 := n.Subscribe()
	defer unsub2()

	n.Publish(42)

	select {
	case v := <-ch1:
		if v != 42 {
			t.Fatalf("ch1 got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on ch1")
	}
	select {
	case v := <-ch2:
		if v != 42 {
			t.Fatalf("ch2 got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on ch2")
	}

	if n.Head() != 42 {
		t.Fatalf("Head() = %d, want 42", n.Head())
	}
}

func TestNotifier_PublishDropsWhenSubscriberFull(t *testing.T) {
	n := New(1)
	ch, unsub := n.Subscribe()
	defer unsub()

	n.Publish(1)
	n.Publish(2) // subscriber hasn't drained 1 yet; this must not block

	v := <-ch
	if v != 1 {
		t.Fatalf("got %d, want 1 (the dropped notification must be 2, not 1)", v)
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := New(4)
	ch, unsub := n.Subscribe()
	unsub()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestNotifier_WaitForReturnsImmediatelyIfAlreadyPast(t *testing.T) {
	n := New(4)
	n.Publish(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.WaitFor(ctx, 5); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestNotifier_WaitForBlocksUntilPublish(t *testing.T) {
	n := New(4)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- n.WaitFor(ctx, 5)
	}()

	time.Sleep(10 * time.Millisecond)
	n.Publish(5)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitFor: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitFor to return")
	}
}

func TestNotifier_WaitForContextCancelled(t *testing.T) {
	n := New(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.WaitFor(ctx, 5); err == nil {
		t.Fatal("expected error for already-cancelled context")
	}
}
