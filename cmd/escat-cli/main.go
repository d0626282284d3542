// Command escat-cli drives a single join/connect/send/receive cycle
// against a real ESP-AT peer, for manual exercising of the driver from a
// terminal.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	escat "github.com/atlas-aero/esp-at-nal"
	"github.com/atlas-aero/esp-at-nal/pkg/transport"
	"github.com/atlas-aero/esp-at-nal/pkg/transport/serial"
	"github.com/atlas-aero/esp-at-nal/pkg/transport/tcpbridge"
)

func main() {
	var (
		device     = flag.String("device", "/dev/ttyUSB0", "serial device the ESP-AT peer is attached to")
		baud       = flag.Int("baud", 115200, "serial baud rate")
		bridgeAddr = flag.String("bridge-addr", "", "if set, dial this host:port as a serial-to-IP bridge instead of opening -device")
		ssid       = flag.String("ssid", "", "access point to join")
		password   = flag.String("password", "", "access point password")
		host       = flag.String("host", "", "TCP host to connect to once joined")
		port       = flag.Int("port", 80, "TCP port to connect to")
		payload    = flag.String("send", "GET / HTTP/1.0\r\n\r\n", "payload to send once connected")
	)
	flag.Parse()

	log := logrus.WithField("run", xid.New().String())

	if *ssid == "" || *host == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -ssid <ssid> -password <password> -host <host> [flags]\n", os.Args[0])
		os.Exit(1)
	}

	var link transport.Transport
	if *bridgeAddr != "" {
		nc, err := net.Dial("tcp", *bridgeAddr)
		if err != nil {
			log.Fatalf("dial bridge %s: %v", *bridgeAddr, err)
		}
		log.Infof("bridged to %s", *bridgeAddr)
		link = tcpbridge.Wrap(nc, 100*time.Millisecond)
	} else {
		serialPort, err := serial.Open(*device, *baud)
		if err != nil {
			log.Fatalf("open %s: %v", *device, err)
		}
		link = serialPort
	}

	driver := escat.New(link, transport.NewSimpleTimer(), escat.Config{})
	driver.SetLogger(log)

	if fw, err := driver.FirmwareVersion(); err != nil {
		log.Warnf("firmware version: %v", err)
	} else {
		log.Infof("firmware: %s (sdk %s)", fw, fw.SDKVersion)
	}

	log.Infof("joining %s", *ssid)
	if _, err := driver.Join(*ssid, *password); err != nil {
		log.Fatalf("join: %v", err)
	}

	state, err := waitForJoin(log, driver)
	if err != nil {
		log.Fatalf("waiting for join: %v", err)
	}
	log.Infof("joined: %+v", state)

	addr, err := driver.Address()
	if err != nil {
		log.Fatalf("address: %v", err)
	}
	log.Infof("address: %+v", addr)

	sock, err := driver.Socket()
	if err != nil {
		log.Fatalf("socket: %v", err)
	}

	log.Infof("connecting to %s:%d", *host, *port)
	if err := driver.Connect(sock, escat.TCP, *host, *port); err != nil {
		log.Fatalf("connect: %v", err)
	}

	n, err := driver.Send(sock, []byte(*payload))
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Infof("sent %d bytes", n)

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := driver.Receive(sock, buf)
		if err != nil {
			log.Fatalf("receive: %v", err)
		}
		if n > 0 {
			log.Infof("received %d bytes: %q", n, buf[:n])
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := driver.Close(sock); err != nil {
		log.Warnf("close: %v", err)
	}
}

func waitForJoin(log *logrus.Entry, driver *escat.Driver) (escat.JoinState, error) {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		state, err := driver.JoinStatus()
		if err != nil {
			return state, err
		}
		if state.Connected && state.IPAssigned {
			return state, nil
		}
		log.Debugf("join pending: %+v", state)
		time.Sleep(200 * time.Millisecond)
	}
	return escat.JoinState{}, fmt.Errorf("join: timed out waiting for connectivity")
}
