// Package atcmd encodes the ESP-AT command set the coordinator drives and
// decodes the small set of bounded, synchronous multi-line responses (the
// CIFSR address listing). It knows nothing about URCs or session state;
// that correlation is the coordinator's job.
package atcmd

import (
	"errors"
	"fmt"
	"time"
)

// Design-level timeouts, per spec.md §3. These are not firmware-mandated
// constants, just the defaults this driver ships with.
const (
	DefaultTimeout    = 1 * time.Second
	CredentialTimeout = 20 * time.Second
	ConnectTimeout    = 5 * time.Second
	SendTimeout       = 5 * time.Second
	RestartTimeout    = 5 * time.Second
)

const (
	maxSSIDLen     = 32
	maxPasswordLen = 63
)

// ErrSSIDTooLong and ErrPasswordTooLong are returned by AccessPointConnect
// before any bytes reach the wire.
var (
	ErrSSIDTooLong     = errors.New("atcmd: ssid exceeds 32 characters")
	ErrPasswordTooLong = errors.New("atcmd: password exceeds 63 characters")
)

// Command is an encoded AT command ready to write to the transport, along
// with the metadata the coordinator needs to drive it: its timeout and
// whether a synchronous OK/ERROR response is expected at all (raw payload
// writes are fire-and-forget; their result is only ever signaled by URC).
type Command struct {
	Name            string
	wire            []byte
	timeout         time.Duration
	expectsResponse bool
}

// Encode returns the bytes to write to the transport.
func (c Command) Encode() []byte { return c.wire }

// Timeout is the command-specific response deadline.
func (c Command) Timeout() time.Duration { return c.timeout }

// ExpectsResponse reports whether the caller should wait for a synchronous
// OK/ERROR line at all.
func (c Command) ExpectsResponse() bool { return c.expectsResponse }

func line(name string, timeout time.Duration, body string) Command {
	return Command{
		Name:            name,
		wire:            []byte(body + "\r\n"),
		timeout:         timeout,
		expectsResponse: true,
	}
}

// WifiMode encodes AT+CWMODE. station selects client (station) mode; the
// driver never requests SoftAP or AP+STA modes.
func WifiMode(station bool) Command {
	mode := 0
	if station {
		mode = 1
	}
	return line("CWMODE", DefaultTimeout, fmt.Sprintf("AT+CWMODE=%d", mode))
}

// AccessPointConnect encodes AT+CWJAP. ssid/key are validated against the
// firmware's field-length limits before any bytes are produced.
func AccessPointConnect(ssid, key string) (Command, error) {
	if len(ssid) > maxSSIDLen {
		return Command{}, ErrSSIDTooLong
	}
	if len(key) > maxPasswordLen {
		return Command{}, ErrPasswordTooLong
	}
	return line("CWJAP", CredentialTimeout, fmt.Sprintf(`AT+CWJAP="%s","%s"`, ssid, key)), nil
}

// AutoConnect encodes AT+CWAUTOCONN.
func AutoConnect(on bool) Command {
	v := 0
	if on {
		v = 1
	}
	return line("CWAUTOCONN", CredentialTimeout, fmt.Sprintf("AT+CWAUTOCONN=%d", v))
}

// Restart encodes AT+RST.
func Restart() Command {
	return line("RST", DefaultTimeout, "AT+RST")
}

// ObtainLocalAddress encodes AT+CIFSR. The response is a multi-line
// +CIFSR:<type>,"<value>" listing, decoded by ParseAddressLines.
func ObtainLocalAddress() Command {
	return line("CIFSR", DefaultTimeout, "AT+CIFSR")
}

// SetMultipleConnections encodes AT+CIPMUX=1.
func SetMultipleConnections() Command {
	return line("CIPMUX", DefaultTimeout, "AT+CIPMUX=1")
}

// SetPassiveReceive encodes AT+CIPRECVMODE=1.
func SetPassiveReceive() Command {
	return line("CIPRECVMODE", DefaultTimeout, "AT+CIPRECVMODE=1")
}

// Family selects the IP family of a Connect command.
type Family int

const (
	TCP Family = iota
	TCPv6
)

// Connect encodes AT+CIPSTART for a TCP or TCPv6 connection on linkID.
func Connect(linkID int, family Family, host string, port int) Command {
	proto := "TCP"
	if family == TCPv6 {
		proto = "TCPv6"
	}
	return line("CIPSTART", ConnectTimeout, fmt.Sprintf(`AT+CIPSTART=%d,"%s","%s",%d`, linkID, proto, host, port))
}

// TransmissionPrepare encodes AT+CIPSEND, announcing the chunk length
// about to be written.
func TransmissionPrepare(linkID, length int) Command {
	return line("CIPSEND", SendTimeout, fmt.Sprintf("AT+CIPSEND=%d,%d", linkID, length))
}

// TransmissionPayload wraps a raw outgoing chunk. No synchronous response
// is expected; completion is signaled entirely by SEND OK/SEND FAIL and
// Recv <n> bytes URCs.
func TransmissionPayload(data []byte) Command {
	return Command{
		Name:            "DATA",
		wire:            append([]byte(nil), data...),
		timeout:         SendTimeout,
		expectsResponse: false,
	}
}

// ReceiveData encodes AT+CIPRECVDATA, pulling up to length bytes.
func ReceiveData(linkID, length int) Command {
	return line("CIPRECVDATA", DefaultTimeout, fmt.Sprintf("AT+CIPRECVDATA=%d,%d", linkID, length))
}

// CloseSocket encodes AT+CIPCLOSE.
func CloseSocket(linkID int) Command {
	return line("CIPCLOSE", DefaultTimeout, fmt.Sprintf("AT+CIPCLOSE=%d", linkID))
}

// ObtainFirmwareVersion encodes AT+GMR, a supplemental diagnostic command
// (see pkg/firmware) not part of the minimal TCP-client surface.
func ObtainFirmwareVersion() Command {
	return line("GMR", DefaultTimeout, "AT+GMR")
}
