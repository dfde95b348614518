package face

import (
	"bytes"
	"testing"
	"time"
)

func TestOutQueueDeliversInOrder(t *testing.T) {
	a, b := NewMemFacePair("a", "b")
	defer a.Close()
	defer b.Close()

	q := NewOutQueue(a)
	defer q.Close()

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		q.Enqueue(m)
	}

	for _, want := range msgs {
		select {
		case got := <-b.Incoming():
			if !bytes.Equal(got, want) {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestOutQueueDropsOldestOnOverflow(t *testing.T) {
	a, b := NewMemFacePair("a", "b")
	defer a.Close()
	defer b.Close()

	// Gate a's out-queue forever so Enqueue calls pile up without draining.
	gated := NewDutyCycleFace(a, time.Hour)
	gated.mu.Lock()
	gated.ready = time.Now().Add(time.Hour)
	gated.mu.Unlock()

	q := NewOutQueue(gated)
	defer q.Close()

	for i := 0; i < outQueueCapacity+5; i++ {
		q.Enqueue([]byte{byte(i)})
	}

	q.mu.Lock()
	n := len(q.pending)
	first := q.pending[0][0]
	q.mu.Unlock()

	if n != outQueueCapacity {
		t.Errorf("pending length = %d, want %d", n, outQueueCapacity)
	}
	if want := byte(5); first != want {
		t.Errorf("oldest surviving entry = %d, want %d (5 dropped)", first, want)
	}
}

func TestDutyCycleFaceGatesSend(t *testing.T) {
	a, b := NewMemFacePair("a", "b")
	defer a.Close()
	defer b.Close()

	gated := NewDutyCycleFace(a, 50*time.Millisecond)
	before := gated.EarliestSend()
	if !before.IsZero() && before.After(time.Now()) {
		t.Fatalf("expected face ready immediately before any send")
	}

	if err := gated.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-b.Incoming()

	after := gated.EarliestSend()
	if !after.After(time.Now().Add(-time.Millisecond)) {
		t.Errorf("EarliestSend did not advance after Send")
	}
}
