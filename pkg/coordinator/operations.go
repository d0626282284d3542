package coordinator

import (
	"errors"
	"net"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/atlas-aero/esp-at-nal/pkg/atcmd"
	"github.com/atlas-aero/esp-at-nal/pkg/firmware"
	"github.com/atlas-aero/esp-at-nal/pkg/session"
	"github.com/atlas-aero/esp-at-nal/pkg/transport"
)

// Join validates credential lengths, switches to station mode, and
// issues the access-point join. It does not block for connectivity: by
// the time it returns, the peer may not yet have reported
// WIFI CONNECTED/WIFI GOT IP.
func (c *Coordinator) Join(ssid, key string) (session.JoinState, error) {
	if err := c.drainURCs(); err != nil {
		return session.JoinState{}, &JoinError{Kind: JoinUnexpectedWouldBlock, Err: err}
	}

	modeRes, err := c.commandAck(atcmd.WifiMode(true))
	if err != nil {
		return session.JoinState{}, &JoinError{Kind: ModeError, Err: err}
	}
	if modeRes != ackOK {
		return session.JoinState{}, &JoinError{Kind: ModeError}
	}

	joinCmd, err := atcmd.AccessPointConnect(ssid, key)
	if err != nil {
		switch err {
		case atcmd.ErrSSIDTooLong:
			return session.JoinState{}, &JoinError{Kind: InvalidSsidLength, Err: err}
		case atcmd.ErrPasswordTooLong:
			return session.JoinState{}, &JoinError{Kind: InvalidPasswordLength, Err: err}
		default:
			return session.JoinState{}, &JoinError{Kind: ConnectError, Err: err}
		}
	}

	joinRes, err := c.commandAck(joinCmd)
	if err != nil {
		return session.JoinState{}, &JoinError{Kind: ConnectError, Err: err}
	}
	if joinRes != ackOK {
		return session.JoinState{}, &JoinError{Kind: ConnectError}
	}

	if err := c.drainURCs(); err != nil {
		return session.JoinState{}, &JoinError{Kind: JoinUnexpectedWouldBlock, Err: err}
	}
	return c.session.JoinState(), nil
}

// GetJoinStatus drains pending URCs and returns the current join
// snapshot.
func (c *Coordinator) GetJoinStatus() (session.JoinState, error) {
	if err := c.drainURCs(); err != nil {
		return session.JoinState{}, err
	}
	return c.session.JoinState(), nil
}

// GetAddress queries AT+CIFSR and folds the response lines into a
// LocalAddress. Unrecognized address types are skipped.
//
// Unlike the other operations, this does not drain pending URCs first:
// AT+CIFSR's multi-line reply is read raw through sendBounded, and a
// precondition drain through the digester would risk classifying an
// address line it doesn't recognize as a no-op Unknown URC and discarding
// it before sendBounded ever saw it.
func (c *Coordinator) GetAddress() (LocalAddress, error) {
	lines, res, err := c.sendBounded(atcmd.ObtainLocalAddress())
	if err != nil {
		return LocalAddress{}, &AddressError{Kind: AddressCommandFailed, Err: err}
	}
	if res != ackOK {
		return LocalAddress{}, &AddressError{Kind: AddressCommandFailed}
	}

	parsed, err := atcmd.ParseAddressLines(lines)
	if err != nil {
		return LocalAddress{}, &AddressError{Kind: AddressParseError, Err: err}
	}

	var addr LocalAddress
	for _, al := range parsed {
		switch al.Type {
		case atcmd.AddrTypeIPv4:
			ip := net.ParseIP(al.Value)
			if ip == nil {
				return LocalAddress{}, &AddressError{Kind: AddressParseError}
			}
			addr.IPv4 = ip
		case atcmd.AddrTypeIPv6LinkLoc:
			ip := net.ParseIP(al.Value)
			if ip == nil {
				return LocalAddress{}, &AddressError{Kind: AddressParseError}
			}
			addr.IPv6LinkLocal = ip
		case atcmd.AddrTypeIPv6Global:
			ip := net.ParseIP(al.Value)
			if ip == nil {
				return LocalAddress{}, &AddressError{Kind: AddressParseError}
			}
			addr.IPv6Global = ip
		case atcmd.AddrTypeMAC:
			addr.MAC = al.Value
		}
	}
	return addr, nil
}

// SetAutoConnect toggles AT+CWAUTOCONN. There is no local state change on
// success; the peer persists the flag itself.
func (c *Coordinator) SetAutoConnect(on bool) error {
	if err := c.drainURCs(); err != nil {
		return &CommandError{Kind: CommandUnexpectedWouldBlock, Err: err}
	}
	res, err := c.commandAck(atcmd.AutoConnect(on))
	if err != nil {
		return &CommandError{Kind: CommandFailed, Err: err}
	}
	if res != ackOK {
		return &CommandError{Kind: CommandFailed}
	}
	return nil
}

// restartReadyTimeout is the window restart() waits for a ready URC
// after issuing AT+RST.
const restartReadyTimeout = atcmd.RestartTimeout

// Restart clears ready, issues AT+RST, resets the whole session (every
// socket slot returns to Closed, latched configuration flags are
// forgotten), then polls for the ready URC.
func (c *Coordinator) Restart() error {
	c.session.ClearReady()

	if _, err := c.transport.Write(atcmd.Restart().Encode()); err != nil {
		return &CommandError{Kind: CommandFailed, Err: err}
	}
	c.incCommandsSent()

	c.session.Reset()
	c.multiConnectionsSent = false
	c.passiveReceiveSent = false
	c.firmwareVersion = nil
	c.resync()

	c.timer.Start(restartReadyTimeout)
	defer c.timer.Cancel()

	for {
		// Use the ack-consuming pump, not drainURCs: AT+RST may still
		// draw a stray OK before the peer actually reboots, and it must
		// be discarded rather than left blocking the ready banner behind
		// it - no command is in flight to claim it.
		if _, err := c.pump(true); err != nil {
			return &CommandError{Kind: CommandUnexpectedWouldBlock, Err: err}
		}
		if c.session.Ready {
			return nil
		}
		status, err := c.timer.Poll()
		if err != nil {
			return &CommandError{Kind: TimerError, Err: err}
		}
		if status == transport.Fired {
			return &CommandError{Kind: ReadyTimeout}
		}
	}
}

// Socket lazily enables multiple connections on the first call, then
// assigns the lowest-indexed Closed slot.
func (c *Coordinator) Socket() (SocketHandle, error) {
	if err := c.drainURCs(); err != nil {
		return SocketHandle{}, stackErr(StackUnexpectedWouldBlock, err)
	}

	if !c.multiConnectionsSent {
		res, err := c.commandAck(atcmd.SetMultipleConnections())
		if err != nil {
			return SocketHandle{}, stackErr(EnablingMultiConnectionsFailed, err)
		}
		if res != ackOK {
			return SocketHandle{}, stackErr(EnablingMultiConnectionsFailed, nil)
		}
		c.multiConnectionsSent = true
	}

	id, ok := c.session.GetNextOpen()
	if !ok {
		return SocketHandle{}, stackErr(NoSocketAvailable, nil)
	}
	c.session.ForceOpen(id)
	handle := SocketHandle{id: id, debugLabel: xid.New().String()}
	c.log.WithFields(logrus.Fields{"link_id": id, "socket": handle.debugLabel}).Debug("socket allocated")
	return handle, nil
}

// errPassiveReceiveUnsupported marks a firmware build too old to honor
// AT+CIPRECVMODE.
var errPassiveReceiveUnsupported = errors.New("coordinator: firmware build predates AT+CIPRECVMODE support")

// FirmwareVersion fetches and caches the AT+GMR banner. Repeated calls
// return the cached value: the peer's firmware build can't change without
// a restart, and restart() clears the cache. Like GetAddress, this skips
// the precondition URC drain for the same reason: AT+GMR's reply is read
// raw, and the digester must not see it first.
func (c *Coordinator) FirmwareVersion() (firmware.Version, error) {
	if c.firmwareVersion != nil {
		return *c.firmwareVersion, nil
	}
	lines, res, err := c.sendBounded(atcmd.ObtainFirmwareVersion())
	if err != nil {
		return firmware.Version{}, &CommandError{Kind: CommandFailed, Err: err}
	}
	if res != ackOK {
		return firmware.Version{}, &CommandError{Kind: CommandFailed}
	}
	v, err := firmware.Parse(lines)
	if err != nil {
		return firmware.Version{}, &CommandError{Kind: CommandFailed, Err: err}
	}
	c.firmwareVersion = &v
	return v, nil
}

// Connect lazily enables passive receive mode on the first call, then
// issues CIPSTART, applying the ALREADY CONNECTED tie-break rule: a
// missed SocketConnected URC masked by an immediate ALREADY CONNECTED
// still counts as success.
func (c *Coordinator) Connect(sock SocketHandle, family atcmd.Family, host string, port int) error {
	if err := c.drainURCs(); err != nil {
		return stackErr(StackUnexpectedWouldBlock, err)
	}
	if c.session.IsSocketConnected(sock.id) {
		return stackErr(AlreadyConnected, nil)
	}

	if !c.passiveReceiveSent {
		if c.firmwareVersion != nil && !c.firmwareVersion.SupportsPassiveReceive() {
			return stackErr(EnablingPassiveSocketModeFailed, errPassiveReceiveUnsupported)
		}

		res, err := c.commandAck(atcmd.SetPassiveReceive())
		if err != nil {
			return stackErr(EnablingPassiveSocketModeFailed, err)
		}
		if res != ackOK {
			return stackErr(EnablingPassiveSocketModeFailed, nil)
		}
		c.passiveReceiveSent = true
	}

	c.session.AlreadyConnected = false
	res, cmdErr := c.commandAck(atcmd.Connect(sock.id, family, host, port))

	if err := c.drainURCs(); err != nil {
		return stackErr(StackUnexpectedWouldBlock, err)
	}

	if c.session.AlreadyConnected {
		c.session.ForceConnected(sock.id)
		return nil
	}
	if cmdErr != nil {
		return retryableStackErr(StackConnectError, cmdErr)
	}
	if res != ackOK {
		return retryableStackErr(StackConnectError, nil)
	}
	if !c.session.IsSocketConnected(sock.id) {
		return retryableStackErr(UnconfirmedSocketState, nil)
	}
	c.session.ResetAvailableData(sock.id)
	c.log.WithFields(logrus.Fields{"link_id": sock.id, "socket": sock.debugLabel}).Debug("socket connected")
	return nil
}

// Send splits data into TX-chunk-sized pieces and drives each through
// TransmissionPrepare/raw-payload/confirmation, clearing the per-chunk
// transient session fields before every chunk per the spec's explicit
// non-cumulative byte-count semantics.
func (c *Coordinator) Send(sock SocketHandle, data []byte) (int, error) {
	if err := c.drainURCs(); err != nil {
		return 0, stackErr(StackUnexpectedWouldBlock, err)
	}
	if c.session.IsSocketClosing(sock.id) {
		return 0, stackErr(ClosingSocket, nil)
	}
	if !c.session.IsSocketConnected(sock.id) {
		return 0, stackErr(SocketUnconnected, nil)
	}

	sent := 0
	for sent < len(data) {
		end := sent + c.txChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]

		n, err := c.sendChunk(sock, chunk)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (c *Coordinator) sendChunk(sock SocketHandle, chunk []byte) (int, error) {
	c.session.ClearSendCycle()

	res, err := c.commandAck(atcmd.TransmissionPrepare(sock.id, len(chunk)))
	if err != nil {
		return 0, stackErr(TransmissionStartFailed, err)
	}
	if res != ackOK {
		return 0, stackErr(TransmissionStartFailed, nil)
	}

	if _, err := c.transport.Write(chunk); err != nil {
		return 0, stackErr(TransmissionStartFailed, err)
	}

	c.timer.Start(c.sendTimeout)
	defer c.timer.Cancel()

	for {
		if err := c.drainURCs(); err != nil {
			return 0, stackErr(StackUnexpectedWouldBlock, err)
		}
		if c.session.IsReceivedByteCountIncorrect(len(chunk)) {
			c.incPartialSend()
			return 0, stackErr(PartialSend, nil)
		}
		switch c.session.SendConfirmed {
		case session.Ok:
			return len(chunk), nil
		case session.Fail:
			c.incSendFailure()
			return 0, stackErr(SendFailedFail, nil)
		}

		status, err := c.timer.Poll()
		if err != nil {
			return 0, stackErr(StackTimerError, err)
		}
		if status == transport.Fired {
			c.resync()
			c.incSendFailure()
			return 0, stackErr(SendFailedTimeout, nil)
		}
	}
}

// Receive pulls up to len(buf) bytes via repeated AT+CIPRECVDATA calls.
// If no data is currently buffered on the peer, it returns (0, nil) - a
// non-fatal, retryable "nothing yet" result, not an error.
func (c *Coordinator) Receive(sock SocketHandle, buf []byte) (int, error) {
	if err := c.drainURCs(); err != nil {
		return 0, stackErr(StackUnexpectedWouldBlock, err)
	}

	written := 0
	for written < len(buf) && c.session.IsDataAvailable(sock.id) {
		remaining := len(buf) - written
		reqLen := c.rxChunkSize
		if remaining < reqLen {
			reqLen = remaining
		}

		res, err := c.commandAck(atcmd.ReceiveData(sock.id, reqLen))
		if err != nil {
			return written, stackErr(ReceiveFailedInvalidResponse, err)
		}
		if res != ackOK {
			return written, stackErr(ReceiveFailedInvalidResponse, nil)
		}

		data, ok := c.session.TakePendingData()
		if !ok {
			return written, stackErr(ReceiveFailedInvalidResponse, nil)
		}
		if len(data) > remaining {
			c.incReceiveOverflow()
			return written, stackErr(ReceiveOverflow, nil)
		}

		copy(buf[written:], data)
		written += len(data)
		c.session.ReduceAvailableData(sock.id, len(data))
	}
	return written, nil
}

// Close always returns the slot to Closed, even when the wire-level
// close fails or is never acknowledged, so the slot is reusable.
func (c *Coordinator) Close(sock SocketHandle) error {
	if err := c.drainURCs(); err != nil {
		c.session.ForceClose(sock.id)
		return stackErr(StackUnexpectedWouldBlock, err)
	}

	if c.session.IsSocketClosed(sock.id) {
		return nil
	}
	if c.session.IsSocketOpen(sock.id) || c.session.IsSocketClosing(sock.id) {
		c.session.ForceClose(sock.id)
		return nil
	}

	res, err := c.commandAck(atcmd.CloseSocket(sock.id))
	if drainErr := c.drainURCs(); drainErr != nil {
		c.session.ForceClose(sock.id)
		return stackErr(StackUnexpectedWouldBlock, drainErr)
	}

	observedClosed := c.session.IsSocketClosing(sock.id) || c.session.IsSocketClosed(sock.id)
	c.session.ForceClose(sock.id)
	c.log.WithFields(logrus.Fields{"link_id": sock.id, "socket": sock.debugLabel}).Debug("socket closed")

	if err != nil {
		return stackErr(CloseError, err)
	}
	if res != ackOK {
		return stackErr(CloseError, nil)
	}
	if !observedClosed {
		return stackErr(UnconfirmedSocketState, nil)
	}
	return nil
}

// IsConnected drains pending URCs and reports the slot's current state.
func (c *Coordinator) IsConnected(sock SocketHandle) (bool, error) {
	if err := c.drainURCs(); err != nil {
		return false, err
	}
	return c.session.IsSocketConnected(sock.id), nil
}
