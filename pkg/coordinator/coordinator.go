// Package coordinator implements the command/URC correlation engine: it
// issues AT commands through pkg/atcmd, drains unsolicited events through
// pkg/urc into pkg/session, and exposes the driver's public operations
// (join, get_address, socket, connect, send, receive, close, ...).
//
// It is the one place in the driver that is allowed to write to the
// transport and to read session state to decide what a pending operation
// should do next.
package coordinator

import (
	"bytes"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/atlas-aero/esp-at-nal/pkg/atcmd"
	"github.com/atlas-aero/esp-at-nal/pkg/firmware"
	"github.com/atlas-aero/esp-at-nal/pkg/session"
	"github.com/atlas-aero/esp-at-nal/pkg/transport"
	"github.com/atlas-aero/esp-at-nal/pkg/urc"
)

const (
	// DefaultIngressSize is the initial capacity of the ingress buffer
	// backing the digester, generous enough to hold a full RX chunk plus
	// a handful of interleaved URC lines (the buffer grows past it if
	// needed).
	DefaultIngressSize = 4096
	// DefaultRXChunkSize is the maximum payload length requested per
	// AT+CIPRECVDATA pull, and the digester's maximum accepted frame
	// length.
	DefaultRXChunkSize = 2048
	// DefaultTXChunkSize is the maximum payload length sent per
	// AT+CIPSEND/raw-payload pair.
	DefaultTXChunkSize = 2048
	// DefaultSendTimeout is the per-chunk send acknowledgement deadline.
	DefaultSendTimeout = 5 * time.Second
)

// Instrumentation receives counter events as the coordinator issues
// commands and digests URCs. *metrics.DriverCollector satisfies this; a
// nil Instrumentation (the default) means counting is skipped entirely.
type Instrumentation interface {
	IncCommandsSent()
	IncURCsDigested()
	IncSendFailures()
	IncPartialSends()
	IncParserResyncs()
	IncReceiveOverflow()
}

// SocketHandle is an opaque reference to one of the five socket slots.
// It carries the link-id plus an xid-derived debug label, never a
// back-reference to the session, so handles stay trivially copyable and
// the session remains the sole mutable aggregate. The debug label exists
// solely so log lines can tell two sequential occupants of the same
// link-id apart across a close/reopen; it plays no role in protocol
// framing, which is keyed on link-id alone.
type SocketHandle struct {
	id         int
	debugLabel string
}

// ID returns the underlying link-id, exposed for logging/metrics.
func (s SocketHandle) ID() int { return s.id }

// DebugLabel returns the handle's correlation label for log lines.
func (s SocketHandle) DebugLabel() string { return s.debugLabel }

// LocalAddress is the folded result of GetAddress.
type LocalAddress struct {
	IPv4          net.IP
	IPv6LinkLocal net.IP
	IPv6Global    net.IP
	MAC           string
}

// Coordinator is the Adapter described in the design: it owns the single
// Session and drives the transport, never exposing either directly.
type Coordinator struct {
	transport transport.Transport
	timer     transport.Timer
	session   *session.Session
	digester  *urc.Digester
	ingress   *urc.Buffer
	readBuf   []byte

	txChunkSize int
	rxChunkSize int
	sendTimeout time.Duration

	multiConnectionsSent bool
	passiveReceiveSent   bool

	firmwareVersion *firmware.Version

	instrumentation Instrumentation
	log             logrus.FieldLogger
}

// New constructs a Coordinator around a transport and timer. rxChunkSize
// bounds both the digester's maximum +CIPRECVDATA frame and the length
// requested per AT+CIPRECVDATA pull.
func New(tr transport.Transport, tm transport.Timer, rxChunkSize int) *Coordinator {
	if rxChunkSize <= 0 {
		rxChunkSize = DefaultRXChunkSize
	}
	return &Coordinator{
		transport:   tr,
		timer:       tm,
		session:     session.New(),
		digester:    urc.NewDigester(rxChunkSize),
		ingress:     urc.NewBuffer(DefaultIngressSize),
		readBuf:     make([]byte, 512),
		txChunkSize: DefaultTXChunkSize,
		rxChunkSize: rxChunkSize,
		sendTimeout: DefaultSendTimeout,
		log:         logrus.StandardLogger(),
	}
}

// SetLogger overrides the coordinator's logger. Passing nil restores
// logrus.StandardLogger().
func (c *Coordinator) SetLogger(log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c.log = log
}

// SetSendTimeoutMs overrides the per-chunk send acknowledgement deadline.
func (c *Coordinator) SetSendTimeoutMs(ms uint32) {
	c.sendTimeout = time.Duration(ms) * time.Millisecond
}

// Session exposes the underlying session for read-only inspection by
// adjacent packages (metrics collector, facade).
func (c *Coordinator) Session() *session.Session { return c.session }

// SetInstrumentation wires a counter sink. Passing nil (the zero value)
// disables counting without requiring call sites to nil-check.
func (c *Coordinator) SetInstrumentation(i Instrumentation) {
	c.instrumentation = i
}

func (c *Coordinator) incCommandsSent() {
	if c.instrumentation != nil {
		c.instrumentation.IncCommandsSent()
	}
}

func (c *Coordinator) incURCsDigested() {
	if c.instrumentation != nil {
		c.instrumentation.IncURCsDigested()
	}
}

func (c *Coordinator) incParserResyncs(n int) {
	if c.instrumentation != nil {
		for i := 0; i < n; i++ {
			c.instrumentation.IncParserResyncs()
		}
	}
}

func (c *Coordinator) incSendFailure() {
	if c.instrumentation != nil {
		c.instrumentation.IncSendFailures()
	}
}

func (c *Coordinator) incPartialSend() {
	if c.instrumentation != nil {
		c.instrumentation.IncPartialSends()
	}
}

func (c *Coordinator) incReceiveOverflow() {
	if c.instrumentation != nil {
		c.instrumentation.IncReceiveOverflow()
	}
}

type ackResult int

const (
	ackNone ackResult = iota
	ackOK
	ackErrorResult
)

func (a ackResult) String() string {
	switch a {
	case ackOK:
		return "OK"
	case ackErrorResult:
		return "ERROR"
	default:
		return "none"
	}
}

// pump pulls whatever bytes the transport currently has, then drains
// recognized URC frames into the session. If it encounters a bare
// "OK"/"ERROR" line (a synchronous command result, not a URC the digester
// knows about), it stops there and reports which one: with awaitingAck
// true, the line is consumed as the in-flight command's result; with
// awaitingAck false (a precondition drain with no command in flight), the
// line is left untouched in the ingress buffer for whichever commandAck
// call is actually waiting on it, so a pre-buffered reply for a
// not-yet-issued command is never mistaken for a stray URC.
func (c *Coordinator) pump(awaitingAck bool) (ackResult, error) {
	for {
		n, err := c.transport.Read(c.readBuf)
		if err != nil {
			return ackNone, err
		}
		if n == 0 {
			break
		}
		if _, err := c.ingress.Write(c.readBuf[:n]); err != nil {
			return ackNone, err
		}
	}

	for {
		rest := c.ingress.Bytes()
		skipped := countLeadingCRLF(rest)
		body := rest[skipped:]

		if bytes.HasPrefix(body, []byte("OK\r\n")) {
			if !awaitingAck {
				return ackNone, nil
			}
			c.ingress.Advance(skipped + 4)
			return ackOK, nil
		}
		if bytes.HasPrefix(body, []byte("ERROR\r\n")) {
			if !awaitingAck {
				return ackNone, nil
			}
			c.ingress.Advance(skipped + 7)
			return ackErrorResult, nil
		}

		consumed, ev, status := c.digester.Next(rest)
		switch status {
		case urc.Matched:
			c.session.Apply(ev)
			c.ingress.Advance(consumed)
			c.incURCsDigested()
			c.log.WithField("kind", ev.Kind).Debug("urc applied")
		case urc.Incomplete:
			return ackNone, nil
		case urc.NoMatch:
			c.ingress.Advance(1)
			c.incParserResyncs(1)
		}
	}
}

func countLeadingCRLF(buf []byte) int {
	skipped := 0
	for bytes.HasPrefix(buf[skipped:], []byte("\r\n")) {
		skipped += 2
	}
	return skipped
}

// drainURCs processes whatever is currently available without sending
// anything, applying any recognized events to the session.
func (c *Coordinator) drainURCs() error {
	_, err := c.pump(false)
	return err
}

// errTimedOut marks a command wait that expired without an OK/ERROR.
type errTimedOut struct{ command string }

func (e *errTimedOut) Error() string { return "coordinator: " + e.command + " timed out" }

// commandAck writes cmd and, if it expects a synchronous response, waits
// up to its timeout for an OK/ERROR line, applying any URCs seen along
// the way. Fire-and-forget commands (raw payload writes) return ackNone
// immediately after the write.
func (c *Coordinator) commandAck(cmd atcmd.Command) (ackResult, error) {
	corrID := xid.New().String()
	log := c.log.WithFields(logrus.Fields{"cmd": cmd.Name, "corr_id": corrID})

	if _, err := c.transport.Write(cmd.Encode()); err != nil {
		log.WithError(err).Warn("command write failed")
		return ackNone, err
	}
	c.incCommandsSent()
	log.Debug("command dispatched")
	if !cmd.ExpectsResponse() {
		return ackNone, nil
	}

	c.timer.Start(cmd.Timeout())
	defer c.timer.Cancel()

	for {
		res, err := c.pump(true)
		if err != nil {
			return ackNone, err
		}
		if res != ackNone {
			log.WithField("result", res).Debug("command acknowledged")
			return res, nil
		}
		status, err := c.timer.Poll()
		if err != nil {
			return ackNone, err
		}
		if status == transport.Fired {
			log.Warn("command timed out")
			return ackNone, &errTimedOut{command: cmd.Name}
		}
	}
}

// readBoundedResponse reads raw CRLF-delimited lines until an OK/ERROR
// terminator arrives, collecting the intermediate lines verbatim. This is
// the decode path for CIFSR/GMR multi-line responses, which carry
// payload the URC digester's event table has no slot for - unlike
// commandAck's plain OK/ERROR commands, these lines must survive intact
// rather than collapse into session state.
func (c *Coordinator) readBoundedResponse(timeout time.Duration) ([][]byte, ackResult, error) {
	c.timer.Start(timeout)
	defer c.timer.Cancel()

	var collected [][]byte
	for {
		n, err := c.transport.Read(c.readBuf)
		if err != nil {
			return collected, ackNone, err
		}
		if n > 0 {
			if _, err := c.ingress.Write(c.readBuf[:n]); err != nil {
				return collected, ackNone, err
			}
		}

		for {
			rest := c.ingress.Bytes()
			skipped := countLeadingCRLF(rest)
			body := rest[skipped:]

			if bytes.HasPrefix(body, []byte("OK\r\n")) {
				c.ingress.Advance(skipped + 4)
				return collected, ackOK, nil
			}
			if bytes.HasPrefix(body, []byte("ERROR\r\n")) {
				c.ingress.Advance(skipped + 7)
				return collected, ackErrorResult, nil
			}

			idx := bytes.Index(body, []byte("\r\n"))
			if idx == -1 {
				break
			}
			collected = append(collected, append([]byte(nil), body[:idx]...))
			c.ingress.Advance(skipped + idx + 2)
		}

		status, err := c.timer.Poll()
		if err != nil {
			return collected, ackNone, err
		}
		if status == transport.Fired {
			return collected, ackNone, &errTimedOut{command: "bounded-response"}
		}
	}
}

func (c *Coordinator) sendBounded(cmd atcmd.Command) ([][]byte, ackResult, error) {
	if _, err := c.transport.Write(cmd.Encode()); err != nil {
		return nil, ackNone, err
	}
	c.incCommandsSent()
	return c.readBoundedResponse(cmd.Timeout())
}

// resync discards whatever is currently buffered, used after a send
// timeout so the next command starts from a clean framing boundary
// instead of fighting over a possibly-corrupt partial frame.
func (c *Coordinator) resync() {
	c.incParserResyncs(c.ingress.Len())
	c.ingress.Advance(c.ingress.Len())
}
