// Package session holds the ESP-AT driver's mutable protocol state: the
// Wi-Fi join state, the five socket slots, and the transient fields a
// single in-flight command correlates against incoming URCs. It is
// mutated by applying urc.Event values and by the coordinator through the
// Force*/Clear*/Reset helpers and the per-command transient fields.
package session

import "github.com/atlas-aero/esp-at-nal/pkg/urc"

// NumSockets is the number of concurrent socket slots ESP-AT supports.
const NumSockets = 5

// SocketState is the lifecycle state of one socket slot.
type SocketState int

const (
	// Closed means the slot is free for (re)allocation.
	Closed SocketState = iota
	// Open means the slot was allocated by Socket() but never connected.
	Open
	// Connected means the peer confirmed the connection.
	Connected
	// Closing means the peer reported a remote close; the application
	// must still call Close to free the slot.
	Closing
)

// SendConfirm is the outcome of the most recent send chunk, as reported by
// a SEND OK/SEND FAIL URC. It is cleared before each chunk is sent.
type SendConfirm int

const (
	// Unset means neither SendOK nor SendFail has arrived yet.
	Unset SendConfirm = iota
	// Ok means the peer confirmed the chunk was sent.
	Ok
	// Fail means the peer reported the send failed.
	Fail
)

// Socket is one of the five link-id-indexed socket slots.
type Socket struct {
	State         SocketState
	DataAvailable int
}

// JoinState is a snapshot of the Wi-Fi join state.
type JoinState struct {
	Connected  bool
	IPAssigned bool
}

// Session is the single mutable aggregate the coordinator drives. It never
// holds a back-reference to anything upstream; socket handles carry only a
// link-id to avoid a cyclic relationship with the session that owns them.
type Session struct {
	Ready      bool
	Joined     bool
	IPAssigned bool

	MultiConnectionsEnabled bool
	PassiveReceiveEnabled   bool

	Sockets [NumSockets]Socket

	SendConfirmed    SendConfirm
	RecvByteCount    int
	RecvByteCountSet bool
	AlreadyConnected bool
	PendingData      []byte
}

// New returns a freshly reset Session.
func New() *Session {
	return &Session{}
}

// Reset restores the session to its power-on defaults, as required after
// restart().
func (s *Session) Reset() {
	*s = Session{}
}

// JoinState returns the current Wi-Fi join snapshot.
func (s *Session) JoinState() JoinState {
	return JoinState{Connected: s.Joined, IPAssigned: s.IPAssigned}
}

// Apply mutates the session in response to one digested URC event. The
// coordinator changes session fields directly only through the Force*,
// Clear*, Reset, available-data and pending-data helpers, and by clearing
// AlreadyConnected before a connect.
func (s *Session) Apply(ev urc.Event) {
	switch ev.Kind {
	case urc.WifiConnected:
		s.Joined = true
	case urc.WifiDisconnected:
		s.Joined = false
		s.IPAssigned = false
	case urc.ReceivedIP:
		s.IPAssigned = true
	case urc.Ready:
		s.Ready = true
	case urc.SocketConnected:
		if validLinkID(ev.LinkID) {
			s.Sockets[ev.LinkID].State = Connected
		}
	case urc.SocketClosed:
		if validLinkID(ev.LinkID) {
			s.Sockets[ev.LinkID].State = Closing
		}
	case urc.AlreadyConnected:
		s.AlreadyConnected = true
	case urc.RecvByteCount:
		s.RecvByteCount = ev.Count
		s.RecvByteCountSet = true
	case urc.SendOK:
		s.SendConfirmed = Ok
	case urc.SendFail:
		s.SendConfirmed = Fail
	case urc.DataAvailable:
		if validLinkID(ev.LinkID) {
			s.Sockets[ev.LinkID].DataAvailable = ev.Count
		}
	case urc.Data:
		s.PendingData = ev.Payload
	case urc.Echo, urc.Unknown:
		// No effect.
	}
}

func validLinkID(id int) bool {
	return id >= 0 && id < NumSockets
}

// ClearSendCycle resets the per-chunk transient fields before a new send
// chunk is dispatched.
func (s *Session) ClearSendCycle() {
	s.SendConfirmed = Unset
	s.RecvByteCount = 0
	s.RecvByteCountSet = false
}

// IsReceivedByteCountIncorrect reports whether a Recv byte-count URC has
// arrived for the current chunk and disagrees with expected.
func (s *Session) IsReceivedByteCountIncorrect(expected int) bool {
	return s.RecvByteCountSet && s.RecvByteCount != expected
}

// GetNextOpen returns the lowest-indexed Closed slot, if any.
func (s *Session) GetNextOpen() (int, bool) {
	for i := range s.Sockets {
		if s.Sockets[i].State == Closed {
			return i, true
		}
	}
	return 0, false
}

// IsSocketConnected reports whether the slot is in the Connected state.
func (s *Session) IsSocketConnected(id int) bool {
	return validLinkID(id) && s.Sockets[id].State == Connected
}

// IsSocketOpen reports whether the slot is in the Open state.
func (s *Session) IsSocketOpen(id int) bool {
	return validLinkID(id) && s.Sockets[id].State == Open
}

// IsSocketClosing reports whether the slot is in the Closing state.
func (s *Session) IsSocketClosing(id int) bool {
	return validLinkID(id) && s.Sockets[id].State == Closing
}

// IsSocketClosed reports whether the slot is in the Closed state.
func (s *Session) IsSocketClosed(id int) bool {
	return validLinkID(id) && s.Sockets[id].State == Closed
}

// IsDataAvailable reports whether the slot has any buffered receive bytes.
func (s *Session) IsDataAvailable(id int) bool {
	return validLinkID(id) && s.Sockets[id].DataAvailable > 0
}

// ReduceAvailableData saturating-subtracts n bytes from the slot's
// available-data counter.
func (s *Session) ReduceAvailableData(id, n int) {
	if !validLinkID(id) {
		return
	}
	if s.Sockets[id].DataAvailable <= n {
		s.Sockets[id].DataAvailable = 0
		return
	}
	s.Sockets[id].DataAvailable -= n
}

// ResetAvailableData zeroes the slot's available-data counter, as done
// after a fresh connect().
func (s *Session) ResetAvailableData(id int) {
	if validLinkID(id) {
		s.Sockets[id].DataAvailable = 0
	}
}

// TakePendingData consumes and clears the most recently parsed +CIPRECVDATA
// payload, if any.
func (s *Session) TakePendingData() ([]byte, bool) {
	if s.PendingData == nil {
		return nil, false
	}
	data := s.PendingData
	s.PendingData = nil
	return data, true
}

// ForceClose returns a slot directly to Closed, bypassing the wire
// protocol. Used by close(); restart() uses Reset instead.
func (s *Session) ForceClose(id int) {
	if validLinkID(id) {
		s.Sockets[id] = Socket{}
	}
}

// ForceOpen marks a slot Open, used when assigning a freshly allocated
// socket handle.
func (s *Session) ForceOpen(id int) {
	if validLinkID(id) {
		s.Sockets[id].State = Open
	}
}

// ForceConnected marks a slot Connected directly, bypassing the wire
// protocol. Used by connect() when an ALREADY CONNECTED URC masks a
// missed SocketConnected(id) event.
func (s *Session) ForceConnected(id int) {
	if validLinkID(id) {
		s.Sockets[id].State = Connected
	}
}

// ClearReady clears the ready flag, done at the start of restart() before
// the reset command is even sent.
func (s *Session) ClearReady() {
	s.Ready = false
}
