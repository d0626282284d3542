package transport

import "time"

// SimpleTimer is a Timer backed by time.Now, suitable for the blocking
// polled-loop usage the coordinator needs (no goroutines, no channels).
type SimpleTimer struct {
	deadline time.Time
	running  bool
}

// NewSimpleTimer returns an idle SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{}
}

func (t *SimpleTimer) Start(d time.Duration) {
	t.deadline = time.Now().Add(d)
	t.running = true
}

func (t *SimpleTimer) Poll() (Status, error) {
	if !t.running {
		return Pending, nil
	}
	if time.Now().After(t.deadline) {
		return Fired, nil
	}
	return Pending, nil
}

func (t *SimpleTimer) Cancel() {
	t.running = false
}
