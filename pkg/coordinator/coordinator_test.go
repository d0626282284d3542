package coordinator

import (
	"testing"

	"github.com/atlas-aero/esp-at-nal/internal/faketransport"
	"github.com/atlas-aero/esp-at-nal/pkg/atcmd"
)

func newTestCoordinator() (*Coordinator, *faketransport.Transport, *faketransport.Timer) {
	tr := faketransport.New()
	tm := faketransport.NewTimer()
	return New(tr, tm, 2048), tr, tm
}

// TestJoinAndFetchAddress replays spec scenario 1.
func TestJoinAndFetchAddress(t *testing.T) {
	c, tr, _ := newTestCoordinator()

	tr.FeedString("OK\r\n")
	tr.FeedString("OK\r\nWIFI CONNECTED\r\nWIFI GOT IP\r\n")

	state, err := c.Join("test_wifi", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Connected || !state.IPAssigned {
		t.Fatalf("got %+v, want connected+ip_assigned", state)
	}

	want := "AT+CWMODE=1\r\n" + `AT+CWJAP="test_wifi","secret"` + "\r\n"
	if tr.WrittenString() != want {
		t.Fatalf("wire mismatch:\n got  %q\n want %q", tr.WrittenString(), want)
	}

	tr.FeedString("+CIFSR:STAIP,\"10.0.0.181\"\r\n+CIFSR:STAMAC,\"10:fe:ed:05:ba:50\"\r\nOK\r\n")
	addr, err := c.GetAddress()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.IPv4 == nil || addr.IPv4.String() != "10.0.0.181" {
		t.Fatalf("unexpected ipv4: %v", addr.IPv4)
	}
	if addr.MAC != "10:fe:ed:05:ba:50" {
		t.Fatalf("unexpected mac: %q", addr.MAC)
	}
}

// TestConnectIPv4TCP replays spec scenario 2.
func TestConnectIPv4TCP(t *testing.T) {
	c, tr, _ := newTestCoordinator()

	tr.FeedString("OK\r\n")
	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sock.ID() != 0 {
		t.Fatalf("got id %d, want 0", sock.ID())
	}

	tr.FeedString("OK\r\n")
	tr.FeedString("OK\r\n0,CONNECT\r\n")
	if err := c.Connect(sock, atcmd.TCP, "127.0.0.1", 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "AT+CIPMUX=1\r\n" + "AT+CIPRECVMODE=1\r\n" + `AT+CIPSTART=0,"TCP","127.0.0.1",5000` + "\r\n"
	if tr.WrittenString() != want {
		t.Fatalf("wire mismatch:\n got  %q\n want %q", tr.WrittenString(), want)
	}

	connected, err := c.IsConnected(sock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !connected {
		t.Fatal("expected socket to read as connected")
	}
}

func connectedSocket(t *testing.T, c *Coordinator, tr *faketransport.Transport) SocketHandle {
	t.Helper()
	tr.FeedString("OK\r\n")
	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("socket(): unexpected error: %v", err)
	}
	tr.FeedString("OK\r\n")
	tr.FeedString("OK\r\n0,CONNECT\r\n")
	if err := c.Connect(sock, atcmd.TCP, "127.0.0.1", 5000); err != nil {
		t.Fatalf("connect(): unexpected error: %v", err)
	}
	return sock
}

// TestSendNineBytes replays spec scenario 3.
func TestSendNineBytes(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	sock := connectedSocket(t, c, tr)

	tr.FeedString("OK\r\nRecv 9 bytes\r\nSEND OK\r\n")
	n, err := c.Send(sock, []byte("test data"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 9 {
		t.Fatalf("got %d, want 9", n)
	}
}

// TestSendByteCountMismatchIsPartialSend replays spec scenario 4.
func TestSendByteCountMismatchIsPartialSend(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	sock := connectedSocket(t, c, tr)

	tr.FeedString("OK\r\nRecv 4 bytes\r\nSEND OK\r\n")
	_, err := c.Send(sock, []byte("test data"))
	se, ok := err.(*StackError)
	if !ok || se.Kind != PartialSend {
		t.Fatalf("got %v, want PartialSend", err)
	}
}

// TestReceiveFiveBytes replays spec scenario 5.
func TestReceiveFiveBytes(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	sock := connectedSocket(t, c, tr)

	tr.FeedString("+IPD,0,5\r\n")
	if err := c.drainURCs(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.FeedString("+CIPRECVDATA:5,abcdeOK\r\n")
	buf := make([]byte, 16)
	n, err := c.Receive(sock, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || string(buf[:5]) != "abcde" {
		t.Fatalf("got (%d, %q)", n, buf[:n])
	}
	if c.session.IsDataAvailable(sock.ID()) {
		t.Fatal("expected data_available to be drained to zero")
	}
}

// TestRestartWhileConnected replays spec scenario 6.
func TestRestartWhileConnected(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	_ = connectedSocket(t, c, tr)

	tr.FeedString("OK\r\nready\r\n")
	if err := c.Restart(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !c.session.Ready {
		t.Fatal("expected ready to be true")
	}
	for i := 0; i < 5; i++ {
		if !c.session.IsSocketClosed(i) {
			t.Fatalf("slot %d expected Closed after restart", i)
		}
	}

	tr.FeedString("OK\r\n")
	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sock.ID() != 0 {
		t.Fatalf("got id %d, want 0 (slots freed by restart)", sock.ID())
	}
	if tr.WrittenString()[len(tr.WrittenString())-len("AT+CIPMUX=1\r\n"):] != "AT+CIPMUX=1\r\n" {
		t.Fatal("expected AT+CIPMUX=1 to be re-issued after restart")
	}
}

func TestSocketExhaustion(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	tr.FeedString("OK\r\n")

	for i := 0; i < 5; i++ {
		if _, err := c.Socket(); err != nil {
			t.Fatalf("socket %d: unexpected error: %v", i, err)
		}
	}

	_, err := c.Socket()
	se, ok := err.(*StackError)
	if !ok || se.Kind != NoSocketAvailable {
		t.Fatalf("got %v, want NoSocketAvailable", err)
	}
}

func TestSendTimeoutResyncs(t *testing.T) {
	c, tr, tm := newTestCoordinator()
	sock := connectedSocket(t, c, tr)
	tm.SetFireAfterPolls(2)

	tr.FeedString("OK\r\n")
	_, err := c.Send(sock, []byte("hi"))
	se, ok := err.(*StackError)
	if !ok || se.Kind != SendFailedTimeout {
		t.Fatalf("got %v, want SendFailed(Timeout)", err)
	}
}

func TestAlreadyConnectedTieBreak(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	tr.FeedString("OK\r\n")
	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.FeedString("OK\r\n")
	tr.FeedString("ERROR\r\nALREADY CONNECTED\r\n")
	if err := c.Connect(sock, atcmd.TCP, "127.0.0.1", 5000); err != nil {
		t.Fatalf("expected ALREADY CONNECTED to be treated as success, got %v", err)
	}
	if !c.session.IsSocketConnected(sock.ID()) {
		t.Fatal("expected slot forced to Connected")
	}
}

func TestFirmwareVersionIsCachedAndGatesPassiveReceive(t *testing.T) {
	c, tr, _ := newTestCoordinator()

	tr.FeedString("AT version:1.7.0.0(abcdef0 - ESP32 - Jan 1 2019 00:00:00)\r\nSDK version:v3.0.0\r\nOK\r\n")
	v, err := c.FirmwareVersion()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.SupportsPassiveReceive() {
		t.Fatal("expected 1.7.0.0 to predate passive receive support")
	}

	// Repeated calls hit the cache and issue no further wire traffic.
	before := tr.WrittenString()
	if _, err := c.FirmwareVersion(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.WrittenString() != before {
		t.Fatal("expected cached FirmwareVersion to avoid a second AT+GMR")
	}

	tr.FeedString("OK\r\n")
	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.FeedString("OK\r\n")
	err = c.Connect(sock, atcmd.TCP, "127.0.0.1", 5000)
	se, ok := err.(*StackError)
	if !ok || se.Kind != EnablingPassiveSocketModeFailed {
		t.Fatalf("got %v, want EnablingPassiveSocketModeFailed", err)
	}
}

// TestCommandAckDoesNotConsumeAPreBufferedReplyEarly guards against a pump()
// regression: a precondition drain (no command in flight) must not eat an
// "OK" sitting at the head of the buffer, even though the digester itself
// has no event for it - otherwise a reply meant for the next command issued
// by the same operation is lost before that command ever writes anything.
func TestCommandAckDoesNotConsumeAPreBufferedReplyEarly(t *testing.T) {
	c, tr, _ := newTestCoordinator()

	tr.FeedString("OK\r\nOK\r\n")
	if err := c.drainURCs(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.commandAck(atcmd.WifiMode(true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := c.commandAck(atcmd.AutoConnect(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ackOK {
		t.Fatalf("got %v, want ackOK", res)
	}
}

type countingInstrumentation struct {
	commandsSent, urcsDigested, sendFailures, partialSends, parserResyncs, receiveOverflow int
}

func (c *countingInstrumentation) IncCommandsSent()    { c.commandsSent++ }
func (c *countingInstrumentation) IncURCsDigested()    { c.urcsDigested++ }
func (c *countingInstrumentation) IncSendFailures()    { c.sendFailures++ }
func (c *countingInstrumentation) IncPartialSends()    { c.partialSends++ }
func (c *countingInstrumentation) IncParserResyncs()   { c.parserResyncs++ }
func (c *countingInstrumentation) IncReceiveOverflow() { c.receiveOverflow++ }

func TestInstrumentationCountsCommandsAndURCs(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	counts := &countingInstrumentation{}
	c.SetInstrumentation(counts)

	tr.FeedString("OK\r\n")
	tr.FeedString("OK\r\nWIFI CONNECTED\r\nWIFI GOT IP\r\n")
	if _, err := c.Join("test_wifi", "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if counts.commandsSent != 2 {
		t.Fatalf("got %d commands sent, want 2", counts.commandsSent)
	}
	if counts.urcsDigested != 2 {
		t.Fatalf("got %d URCs digested, want 2 (WIFI CONNECTED, WIFI GOT IP)", counts.urcsDigested)
	}
}

func TestCloseAlwaysReturnsSlotToClosed(t *testing.T) {
	c, tr, _ := newTestCoordinator()
	sock := connectedSocket(t, c, tr)

	tr.FeedString("ERROR\r\n")
	err := c.Close(sock)
	if err == nil {
		t.Fatal("expected a reported close error")
	}
	if !c.session.IsSocketClosed(sock.ID()) {
		t.Fatal("expected slot to be Closed regardless of close-command outcome")
	}
}
