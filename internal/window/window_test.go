package window

import (
	"testing"
	"time"
)

func TestSendWindowAdmitAndFull(t *testing.T) {
	w := NewSendWindow(2, time.Millisecond, 10*time.Millisecond)
	now := time.Now()
	seq1, err := w.Admit(now)
	if err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	seq2, err := w.Admit(now)
	if err != nil {
		t.Fatalf("Admit 2: %v", err)
	}
	if seq1 == seq2 {
		t.Fatal("expected distinct sequence numbers")
	}
	if _, err := w.Admit(now); err == nil {
		t.Fatal("expected ErrWindowFull on third admit")
	}
	if w.InFlight() != 2 {
		t.Fatalf("expected InFlight=2, got %d", w.InFlight())
	}
}

func TestSendWindowAckRetiresPending(t *testing.T) {
	w := NewSendWindow(4, time.Millisecond, 10*time.Millisecond)
	now := time.Now()
	w.Admit(now)
	w.Admit(now)
	w.Admit(now)
	w.Ack(2, 0)
	if w.InFlight() != 1 {
		t.Fatalf("expected 1 remaining in flight after ack, got %d", w.InFlight())
	}
}

func TestSendWindowAckBitmapRetiresOutOfOrder(t *testing.T) {
	w := NewSendWindow(4, time.Millisecond, 10*time.Millisecond)
	now := time.Now()
	w.Admit(now) // seq 1
	w.Admit(now) // seq 2
	w.Admit(now) // seq 3
	// ack seq 1 contiguously, and seq 3 out of order via bitmap bit 1 (seq 1+1+1=3)
	w.Ack(1, 1<<1)
	if w.InFlight() != 1 {
		t.Fatalf("expected seq 2 still pending, got InFlight=%d", w.InFlight())
	}
}

func TestSendWindowDueForRetryBacksOff(t *testing.T) {
	w := NewSendWindow(4, time.Millisecond, 100*time.Millisecond)
	now := time.Now()
	w.Admit(now)
	due := w.DueForRetry(now.Add(5 * time.Millisecond))
	if len(due) != 1 {
		t.Fatalf("expected 1 due retry, got %d", len(due))
	}
	// Immediately after, it should not be due again (backoff advanced).
	due = w.DueForRetry(now.Add(6 * time.Millisecond))
	if len(due) != 0 {
		t.Fatalf("expected 0 due retries immediately after backoff advance, got %d", len(due))
	}
}

func TestReceiveWindowInOrder(t *testing.T) {
	r := NewReceiveWindow(8)
	for seq := int64(1); seq <= 3; seq++ {
		ok, reason := r.Accept(seq)
		if !ok {
			t.Fatalf("Accept(%d) rejected: %s", seq, reason)
		}
	}
	ackSeq, bitmap, _ := r.AckState()
	if ackSeq != 3 {
		t.Fatalf("expected ackSeq=3, got %d", ackSeq)
	}
	if bitmap != 0 {
		t.Fatalf("expected empty bitmap, got %b", bitmap)
	}
}

func TestReceiveWindowOutOfOrderThenGapCloses(t *testing.T) {
	r := NewReceiveWindow(8)
	if ok, reason := r.Accept(2); !ok {
		t.Fatalf("Accept(2) rejected: %s", reason)
	}
	ackSeq, _, _ := r.AckState()
	if ackSeq != 0 {
		t.Fatalf("expected base unchanged at ackSeq=0 until gap closes, got %d", ackSeq)
	}
	if ok, reason := r.Accept(1); !ok {
		t.Fatalf("Accept(1) rejected: %s", reason)
	}
	ackSeq, bitmap, _ := r.AckState()
	if ackSeq != 2 {
		t.Fatalf("expected gap closure to advance ackSeq to 2, got %d", ackSeq)
	}
	if bitmap != 0 {
		t.Fatalf("expected bitmap cleared after gap closure, got %b", bitmap)
	}
}

func TestReceiveWindowDuplicateDropped(t *testing.T) {
	r := NewReceiveWindow(8)
	r.Accept(1)
	ok, reason := r.Accept(1)
	if ok {
		t.Fatal("expected duplicate to be rejected")
	}
	if reason != DropDuplicate {
		t.Fatalf("expected DropDuplicate, got %s", reason)
	}
}

func TestReceiveWindowTooFarAheadDropped(t *testing.T) {
	r := NewReceiveWindow(4)
	ok, reason := r.Accept(10)
	if ok {
		t.Fatal("expected far-ahead frame to be rejected")
	}
	if reason != DropTooFar {
		t.Fatalf("expected DropTooFar, got %s", reason)
	}
}

func TestReceiveWindowReset(t *testing.T) {
	r := NewReceiveWindow(8)
	r.Accept(1)
	r.Accept(2)
	r.Reset()
	ackSeq, bitmap, _ := r.AckState()
	if ackSeq != 0 || bitmap != 0 {
		t.Fatalf("expected reset state, got ackSeq=%d bitmap=%b", ackSeq, bitmap)
	}
}
