package gateway

import (
	"testing"
)

func newQueueClient(capacity int) *Client {
	return &Client{
		ID:    "test-session",
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	client := newQueueClient(2)

	// Far more messages than capacity; Enqueue must return every time.
	for i := 0; i < 100; i++ {
		client.Enqueue([]byte{byte(i)})
	}

	if got := len(client.queue); got != 2 {
		t.Fatalf("queue must stay at capacity, got %d", got)
	}
	if client.Dropped() == 0 {
		t.Error("overflow must be counted as drops")
	}
}

func TestEnqueueEvictsOldest(t *testing.T) {
	client := newQueueClient(2)

	client.Enqueue([]byte("a"))
	client.Enqueue([]byte("b"))
	client.Enqueue([]byte("c"))

	first := <-client.queue
	second := <-client.queue
	if string(first) != "b" || string(second) != "c" {
		t.Errorf("expected oldest message evicted, queue held %q then %q", first, second)
	}
	if client.Dropped() != 1 {
		t.Errorf("expected 1 drop, got %d", client.Dropped())
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	client := newQueueClient(2)
	close(client.done)

	client.Enqueue([]byte("late"))

	if len(client.queue) != 0 {
		t.Error("closed client must not accept messages")
	}
}
