package consumer

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestScheduler_FiresAfterDelay(t *testing.T) {
	s := NewRequeueScheduler(zap.NewNop())
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("msg-1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled callback never fired")
	}

	// The entry is removed once it fires.
	deadline := time.Now().Add(time.Second)
	for s.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d after fire, want 0", s.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_SameIDReplacesPending(t *testing.T) {
	s := NewRequeueScheduler(zap.NewNop())
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("msg-1", 50*time.Millisecond, func() { first.Add(1) })
	s.Schedule("msg-1", 10*time.Millisecond, func() { second.Add(1) })

	time.Sleep(150 * time.Millisecond)

	if first.Load() != 0 {
		t.Error("replaced callback should not fire")
	}
	if second.Load() != 1 {
		t.Errorf("replacement fired %d times, want 1", second.Load())
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewRequeueScheduler(zap.NewNop())
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("msg-1", 20*time.Millisecond, func() { fired.Add(1) })

	if !s.Cancel("msg-1") {
		t.Fatal("Cancel should report a pending entry")
	}
	if s.Cancel("msg-1") {
		t.Error("second Cancel should report nothing pending")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled callback fired")
	}
}

func TestScheduler_StopDropsPendingAndRejectsNew(t *testing.T) {
	s := NewRequeueScheduler(zap.NewNop())

	var fired atomic.Int32
	s.Schedule("msg-1", 20*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("msg-2", 20*time.Millisecond, func() { fired.Add(1) })

	if dropped := s.Stop(); dropped != 2 {
		t.Errorf("Stop dropped %d, want 2", dropped)
	}

	s.Schedule("msg-3", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("callbacks fired after Stop: %d", fired.Load())
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after Stop, want 0", s.Pending())
	}
}
