package atcmd

import (
	"net"
	"strings"
	"testing"
)

func TestWifiMode(t *testing.T) {
	cmd := WifiMode(true)
	if string(cmd.Encode()) != "AT+CWMODE=1\r\n" {
		t.Fatalf("got %q", cmd.Encode())
	}
	if !cmd.ExpectsResponse() {
		t.Fatal("expected a synchronous response")
	}
}

func TestAccessPointConnectValidation(t *testing.T) {
	if _, err := AccessPointConnect(strings.Repeat("a", 33), "secret"); err != ErrSSIDTooLong {
		t.Fatalf("got %v, want ErrSSIDTooLong", err)
	}
	if _, err := AccessPointConnect("ssid", strings.Repeat("a", 64)); err != ErrPasswordTooLong {
		t.Fatalf("got %v, want ErrPasswordTooLong", err)
	}

	cmd, err := AccessPointConnect("home", "hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(cmd.Encode()) != `AT+CWJAP="home","hunter2"`+"\r\n" {
		t.Fatalf("got %q", cmd.Encode())
	}
}

func TestConnectEncodesFamily(t *testing.T) {
	cmd := Connect(1, TCP, "10.0.0.1", 80)
	if string(cmd.Encode()) != `AT+CIPSTART=1,"TCP","10.0.0.1",80`+"\r\n" {
		t.Fatalf("got %q", cmd.Encode())
	}

	cmd6 := Connect(2, TCPv6, "fe80::1", 443)
	if string(cmd6.Encode()) != `AT+CIPSTART=2,"TCPv6","fe80::1",443`+"\r\n" {
		t.Fatalf("got %q", cmd6.Encode())
	}
}

func TestTransmissionPayloadIsRawAndFireAndForget(t *testing.T) {
	cmd := TransmissionPayload([]byte("hello"))
	if string(cmd.Encode()) != "hello" {
		t.Fatalf("got %q, want raw payload with no framing", cmd.Encode())
	}
	if cmd.ExpectsResponse() {
		t.Fatal("payload writes must not expect a synchronous response")
	}
}

func TestParseAddressLines(t *testing.T) {
	lines := [][]byte{
		[]byte(`+CIFSR:STAIP,"192.168.1.2"`),
		[]byte(`+CIFSR:STAMAC,"aa:bb:cc:dd:ee:ff"`),
		[]byte(""),
		[]byte("OK"),
	}

	parsed, err := ParseAddressLines(lines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d lines, want 2", len(parsed))
	}
	if parsed[0].Type != AddrTypeIPv4 || parsed[0].Value != "192.168.1.2" {
		t.Fatalf("unexpected first line: %+v", parsed[0])
	}
	if parsed[1].Type != AddrTypeMAC || parsed[1].Value != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("unexpected second line: %+v", parsed[1])
	}
}

func TestParseAddressLineMalformed(t *testing.T) {
	if _, err := ParseAddressLine([]byte("garbage")); err != ErrMalformedLine {
		t.Fatalf("got %v, want ErrMalformedLine", err)
	}
	if _, err := ParseAddressLine([]byte(`STAIP,unquoted`)); err != ErrMalformedLine {
		t.Fatalf("got %v, want ErrMalformedLine", err)
	}
}

func TestFormatIPv6LiteralNoElision(t *testing.T) {
	ip := net.ParseIP("fe80::1")
	got, err := FormatIPv6Literal(ip)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "fe80:0:0:0:0:0:0:1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatIPv6LiteralRejectsIPv4(t *testing.T) {
	if _, err := FormatIPv6Literal(net.ParseIP("10.0.0.1")); err == nil {
		t.Fatal("expected error for an IPv4 address")
	}
}
