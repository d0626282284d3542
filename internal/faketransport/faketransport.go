// Package faketransport provides deterministic test doubles for
// transport.Transport and transport.Timer, so the coordinator's
// correlation logic can be exercised against scripted wire fixtures
// without a real UART or wall-clock waits.
package faketransport

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/atlas-aero/esp-at-nal/pkg/transport"
)

// Transport is an in-memory transport.Transport. Tests Feed() the bytes
// a real peer would have sent and later inspect Written() to assert on
// what the coordinator actually put on the wire.
type Transport struct {
	mu       sync.Mutex
	inbound  bytes.Buffer
	outbound bytes.Buffer
	writeErr error
	readErr  error
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{}
}

// Feed appends bytes to the inbound stream, as if the peer had just sent
// them.
func (t *Transport) Feed(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound.Write(p)
}

// FeedString is Feed for a string literal fixture.
func (t *Transport) FeedString(s string) {
	t.Feed([]byte(s))
}

// Read implements transport.Transport, never blocking: it returns
// whatever is currently buffered, possibly zero bytes.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return 0, t.readErr
	}
	n, err := t.inbound.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Write implements transport.Transport, recording everything written for
// later assertions.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	return t.outbound.Write(p)
}

// Written returns everything written so far.
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.outbound.Bytes()...)
}

// WrittenString is Written as a string, for readable test assertions.
func (t *Transport) WrittenString() string {
	return string(t.Written())
}

// SetWriteError makes subsequent Write calls fail, simulating a dead
// transport.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Timer is a manually driven transport.Timer. Tests either call Fire to
// force immediate expiry, or SetFireAfterPolls to have the timer expire
// deterministically after a given number of Poll calls - useful for
// exercising a coordinator timeout from within a single synchronous test
// call, where there's no real clock to advance.
type Timer struct {
	running        bool
	manualFire     bool
	pollCount      int
	fireAfterPolls int
}

// NewTimer returns an idle Timer that never auto-fires until told to.
func NewTimer() *Timer {
	return &Timer{fireAfterPolls: -1}
}

func (t *Timer) Start(_ time.Duration) {
	t.running = true
	t.manualFire = false
	t.pollCount = 0
}

func (t *Timer) Poll() (transport.Status, error) {
	if !t.running {
		return transport.Pending, nil
	}
	if t.manualFire {
		return transport.Fired, nil
	}
	t.pollCount++
	if t.fireAfterPolls >= 0 && t.pollCount >= t.fireAfterPolls {
		return transport.Fired, nil
	}
	return transport.Pending, nil
}

func (t *Timer) Cancel() {
	t.running = false
}

// Fire marks the timer as expired; the next Poll call reports Fired.
func (t *Timer) Fire() {
	t.manualFire = true
}

// SetFireAfterPolls configures the timer to report Fired once Poll has
// been called n times since the last Start.
func (t *Timer) SetFireAfterPolls(n int) {
	t.fireAfterPolls = n
}
