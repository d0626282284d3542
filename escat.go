// Package escat is the public facade over this module's ESP-AT host-side
// driver: it wraps pkg/coordinator behind a mutex so a single Driver value
// can be shared across goroutines the way callers of a socket library
// expect, and re-exports the typed error taxonomy callers need to switch
// on.
package escat

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlas-aero/esp-at-nal/pkg/atcmd"
	"github.com/atlas-aero/esp-at-nal/pkg/coordinator"
	"github.com/atlas-aero/esp-at-nal/pkg/firmware"
	"github.com/atlas-aero/esp-at-nal/pkg/session"
	"github.com/atlas-aero/esp-at-nal/pkg/transport"
)

// Re-exported so callers never need to import pkg/atcmd directly just to
// pick a family constant.
const (
	TCP   = atcmd.TCP
	TCPv6 = atcmd.TCPv6
)

// Re-exported error taxonomy.
type (
	JoinError    = coordinator.JoinError
	AddressError = coordinator.AddressError
	CommandError = coordinator.CommandError
	StackError   = coordinator.StackError
)

// Re-exported error kinds, so callers can write
// `errors.As(err, &se) && se.Kind == escat.NoSocketAvailable`.
const (
	ModeError                       = coordinator.ModeError
	ConnectError                    = coordinator.ConnectError
	ConfigurationStoreError         = coordinator.ConfigurationStoreError
	InvalidSsidLength               = coordinator.InvalidSsidLength
	InvalidPasswordLength           = coordinator.InvalidPasswordLength
	JoinUnexpectedWouldBlock        = coordinator.JoinUnexpectedWouldBlock
	AddressCommandFailed            = coordinator.AddressCommandFailed
	AddressParseError               = coordinator.AddressParseError
	AddressUnexpectedWouldBlock     = coordinator.AddressUnexpectedWouldBlock
	CommandFailed                   = coordinator.CommandFailed
	ReadyTimeout                    = coordinator.ReadyTimeout
	TimerError                      = coordinator.TimerError
	CommandUnexpectedWouldBlock     = coordinator.CommandUnexpectedWouldBlock
	EnablingMultiConnectionsFailed  = coordinator.EnablingMultiConnectionsFailed
	EnablingPassiveSocketModeFailed = coordinator.EnablingPassiveSocketModeFailed
	StackConnectError               = coordinator.StackConnectError
	TransmissionStartFailed         = coordinator.TransmissionStartFailed
	SendFailedTimeout               = coordinator.SendFailedTimeout
	SendFailedFail                  = coordinator.SendFailedFail
	PartialSend                     = coordinator.PartialSend
	ReceiveFailedInvalidResponse    = coordinator.ReceiveFailedInvalidResponse
	ReceiveFailedParse              = coordinator.ReceiveFailedParse
	CloseError                      = coordinator.CloseError
	UnconfirmedSocketState          = coordinator.UnconfirmedSocketState
	NoSocketAvailable               = coordinator.NoSocketAvailable
	AlreadyConnected                = coordinator.AlreadyConnected
	SocketUnconnected               = coordinator.SocketUnconnected
	ClosingSocket                   = coordinator.ClosingSocket
	ReceiveOverflow                 = coordinator.ReceiveOverflow
	StackUnexpectedWouldBlock       = coordinator.StackUnexpectedWouldBlock
	StackTimerError                 = coordinator.StackTimerError
)

// JoinState is the Wi-Fi join snapshot returned by Join/JoinStatus.
type JoinState = session.JoinState

// LocalAddress is the folded result of Address.
type LocalAddress = coordinator.LocalAddress

// FirmwareVersion is the parsed AT+GMR banner.
type FirmwareVersion = firmware.Version

// Socket is an opaque handle to one of the five concurrent socket slots.
// It is safe to copy and to use from any goroutine; all actual access is
// serialized through the owning Driver.
type Socket struct {
	handle coordinator.SocketHandle
}

// Config tunes the driver's buffering and timeouts. The zero value is
// usable: every field defaults as documented.
type Config struct {
	// RXChunkSize bounds both the digester's maximum +CIPRECVDATA frame
	// and the length requested per receive pull. Zero uses
	// coordinator.DefaultRXChunkSize.
	RXChunkSize int
	// SendTimeout overrides the per-chunk send acknowledgement deadline.
	// Zero uses coordinator.DefaultSendTimeout.
	SendTimeout time.Duration
}

// Driver is the concurrency-safe entry point into the ESP-AT host-side
// network stack: one Driver per physical transport (UART or bridged TCP
// link to the co-processor).
type Driver struct {
	mu sync.Mutex
	c  *coordinator.Coordinator
}

// New builds a Driver around a transport and timer. tr and tm are driven
// exclusively by the returned Driver from this point on; callers must not
// read or write them directly.
func New(tr transport.Transport, tm transport.Timer, cfg Config) *Driver {
	c := coordinator.New(tr, tm, cfg.RXChunkSize)
	if cfg.SendTimeout > 0 {
		c.SetSendTimeoutMs(uint32(cfg.SendTimeout.Milliseconds()))
	}
	return &Driver{c: c}
}

// Session exposes the underlying session read-only, for a metrics
// collector to scrape. Holding onto the returned pointer across calls is
// safe: fields are only ever mutated under the Driver's own lock.
func (d *Driver) Session() *session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Session()
}

// Instrument wires a counter sink (typically *metrics.DriverCollector) so
// every command write, URC match, parser resync, send failure, partial
// send and receive overflow increments it. Call once, before driving the
// session.
func (d *Driver) Instrument(i coordinator.Instrumentation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.SetInstrumentation(i)
}

// SetLogger overrides the driver's logger (logrus.StandardLogger() by
// default). Every command dispatch, URC match, and socket lifecycle event
// logs through it at Debug, with link_id/corr_id/socket fields for
// correlating a run's log lines back to a specific command or slot.
func (d *Driver) SetLogger(log logrus.FieldLogger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.SetLogger(log)
}

// SetSendTimeoutMs overrides the per-chunk send acknowledgement deadline
// set at construction via Config.SendTimeout, so a caller can retune it at
// runtime without rebuilding the Driver.
func (d *Driver) SetSendTimeoutMs(ms uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.SetSendTimeoutMs(ms)
}

// Join switches to station mode and connects to the given access point.
// It returns once the peer has acknowledged the join command; it does not
// block until WIFI GOT IP arrives. Poll JoinStatus (or call Address, which
// implies readiness) to observe eventual connectivity.
func (d *Driver) Join(ssid, key string) (JoinState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Join(ssid, key)
}

// JoinStatus drains pending URCs and returns the current join snapshot.
func (d *Driver) JoinStatus() (JoinState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.GetJoinStatus()
}

// Address queries the peer's current IPv4/IPv6/MAC addresses.
func (d *Driver) Address() (LocalAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.GetAddress()
}

// FirmwareVersion fetches and caches the peer's AT+GMR banner. Calling it
// before the first Connect lets Connect fail fast with
// EnablingPassiveSocketModeFailed against a build too old for
// AT+CIPRECVMODE, instead of discovering that only after issuing the
// command.
func (d *Driver) FirmwareVersion() (FirmwareVersion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.FirmwareVersion()
}

// SetAutoConnect toggles whether the peer reconnects to its last access
// point automatically after power-on.
func (d *Driver) SetAutoConnect(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.SetAutoConnect(on)
}

// Restart issues a peer reset and waits for the ready banner. Every
// socket handle obtained before Restart is invalidated: the peer forgets
// all connections across a reset, and the session's slots are reset to
// Closed in step.
func (d *Driver) Restart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Restart()
}

// Socket allocates one of the five concurrent socket slots.
func (d *Driver) Socket() (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.c.Socket()
	return Socket{handle: h}, err
}

// Connect opens a TCP (or TCPv6) connection on the given socket.
func (d *Driver) Connect(sock Socket, family atcmd.Family, host string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Connect(sock.handle, family, host, port)
}

// Send writes data to the peer over the given connected socket, chunking
// as needed, and returns the number of bytes the peer confirmed.
func (d *Driver) Send(sock Socket, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Send(sock.handle, data)
}

// Receive pulls up to len(buf) bytes currently buffered on the peer for
// the given socket. A (0, nil) result means no data is available yet; it
// is not an error and the caller should simply retry later.
func (d *Driver) Receive(sock Socket, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Receive(sock.handle, buf)
}

// Close releases a socket slot back to Closed, issuing a wire-level close
// first if the socket was connected. The slot is always freed, even if
// the wire-level close fails or times out.
func (d *Driver) Close(sock Socket) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Close(sock.handle)
}

// IsConnected reports whether the given socket currently reads as
// Connected, draining any pending URCs first.
func (d *Driver) IsConnected(sock Socket) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.IsConnected(sock.handle)
}

// ResolveIPv6Literal formats ip the way ESP-AT's CIPSTART expects: eight
// colon-joined lowercase hex groups, without "::" elision. Exposed at the
// facade level so callers building a host string for Connect don't need
// to import pkg/atcmd directly.
func ResolveIPv6Literal(ip net.IP) (string, error) {
	return atcmd.FormatIPv6Literal(ip)
}
