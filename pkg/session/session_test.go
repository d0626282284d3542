package session

import (
	"testing"

	"github.com/atlas-aero/esp-at-nal/pkg/urc"
)

func TestApplyWifiLifecycle(t *testing.T) {
	s := New()
	s.Apply(urc.Event{Kind: urc.WifiConnected})
	s.Apply(urc.Event{Kind: urc.ReceivedIP})

	if got := s.JoinState(); !got.Connected || !got.IPAssigned {
		t.Fatalf("got %+v, want connected+ip_assigned", got)
	}

	s.Apply(urc.Event{Kind: urc.WifiDisconnected})
	if got := s.JoinState(); got.Connected || got.IPAssigned {
		t.Fatalf("got %+v, want disconnected and ip cleared", got)
	}
}

func TestApplySocketTransitions(t *testing.T) {
	s := New()
	s.ForceOpen(0)
	s.Apply(urc.Event{Kind: urc.SocketConnected, LinkID: 0})
	if !s.IsSocketConnected(0) {
		t.Fatal("expected slot 0 connected")
	}

	s.Apply(urc.Event{Kind: urc.SocketClosed, LinkID: 0})
	if !s.IsSocketClosing(0) {
		t.Fatal("expected slot 0 closing after SocketClosed URC")
	}
	if s.IsSocketConnected(0) {
		t.Fatal("slot should no longer read as connected")
	}
}

func TestApplyDataAvailableOutOfRangeIgnored(t *testing.T) {
	s := New()
	s.Apply(urc.Event{Kind: urc.DataAvailable, LinkID: 99, Count: 5})
	for i := 0; i < NumSockets; i++ {
		if s.Sockets[i].DataAvailable != 0 {
			t.Fatalf("slot %d unexpectedly mutated", i)
		}
	}
}

func TestReduceAvailableDataSaturates(t *testing.T) {
	s := New()
	s.Apply(urc.Event{Kind: urc.DataAvailable, LinkID: 2, Count: 3})
	s.ReduceAvailableData(2, 10)
	if s.Sockets[2].DataAvailable != 0 {
		t.Fatalf("expected saturation to zero, got %d", s.Sockets[2].DataAvailable)
	}
}

func TestIsReceivedByteCountIncorrect(t *testing.T) {
	s := New()
	if s.IsReceivedByteCountIncorrect(9) {
		t.Fatal("unset byte count must not be reported incorrect")
	}

	s.Apply(urc.Event{Kind: urc.RecvByteCount, Count: 4})
	if !s.IsReceivedByteCountIncorrect(9) {
		t.Fatal("expected mismatch to be reported")
	}
	if s.IsReceivedByteCountIncorrect(4) {
		t.Fatal("expected matching count to not be reported incorrect")
	}
}

func TestGetNextOpenAndReset(t *testing.T) {
	s := New()
	for i := 0; i < NumSockets; i++ {
		id, ok := s.GetNextOpen()
		if !ok || id != i {
			t.Fatalf("iteration %d: got (%d, %v)", i, id, ok)
		}
		s.ForceOpen(id)
	}

	if _, ok := s.GetNextOpen(); ok {
		t.Fatal("expected no open slot left")
	}

	s.Apply(urc.Event{Kind: urc.WifiConnected})
	s.Reset()
	if s.JoinState().Connected {
		t.Fatal("expected Reset to clear joined state")
	}
	if _, ok := s.GetNextOpen(); !ok {
		t.Fatal("expected Reset to free all slots")
	}
}

func TestTakePendingData(t *testing.T) {
	s := New()
	if _, ok := s.TakePendingData(); ok {
		t.Fatal("expected no pending data initially")
	}

	s.Apply(urc.Event{Kind: urc.Data, Payload: []byte("abcde")})
	data, ok := s.TakePendingData()
	if !ok || string(data) != "abcde" {
		t.Fatalf("got (%q, %v)", data, ok)
	}

	if _, ok := s.TakePendingData(); ok {
		t.Fatal("expected pending data to be consumed")
	}
}
