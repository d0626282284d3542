//go:build linux

// Package serial implements transport.Transport over a real UART device
// node, configuring it with termios ioctls (raw mode, 8N1, no flow
// control) the way the rest of this driver's ancestor codebase reaches
// for golang.org/x/sys/unix instead of hand-rolled syscall numbers.
package serial

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Port is a Transport backed by an open UART device.
type Port struct {
	f *os.File
}

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1500000: unix.B1500000,
}

// Open opens path (e.g. "/dev/ttyUSB0") and configures it as an 8N1 raw
// serial line at the given baud rate.
func Open(path string, baud int) (*Port, error) {
	rate, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	unix.CfSetispeed(termios, rate)
	unix.CfSetospeed(termios, rate)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	return &Port{f: f}, nil
}

// Read implements transport.Transport. The device is opened O_NONBLOCK
// and VMIN=0/VTIME=0, so a Read with nothing available returns (0, nil)
// rather than blocking.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.f.Read(buf)
	if err != nil && isWouldBlock(err) {
		return 0, nil
	}
	// With VMIN=0/VTIME=0 an empty read returns 0 bytes, which os.File
	// reports as io.EOF.
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Write implements transport.Transport.
func (p *Port) Write(buf []byte) (int, error) {
	return p.f.Write(buf)
}

// Close releases the underlying device.
func (p *Port) Close() error {
	return p.f.Close()
}

func isWouldBlock(err error) bool {
	pe, ok := err.(*os.PathError)
	return ok && pe.Err == unix.EAGAIN
}
