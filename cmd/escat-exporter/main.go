// Command escat-exporter joins an access point over a serial-attached
// ESP-AT peer and exposes its socket/protocol state as Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	escat "github.com/atlas-aero/esp-at-nal"
	"github.com/atlas-aero/esp-at-nal/pkg/metrics"
	"github.com/atlas-aero/esp-at-nal/pkg/transport"
	"github.com/atlas-aero/esp-at-nal/pkg/transport/serial"
)

func main() {
	var (
		device   = flag.String("device", "/dev/ttyUSB0", "serial device the ESP-AT peer is attached to")
		baud     = flag.Int("baud", 115200, "serial baud rate")
		ssid     = flag.String("ssid", "", "access point to join")
		password = flag.String("password", "", "access point password")
		listen   = flag.String("listen", ":9333", "address to serve /metrics on")
	)
	flag.Parse()

	if *ssid == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -ssid <ssid> -password <password> [flags]\n", os.Args[0])
		os.Exit(1)
	}

	serialPort, err := serial.Open(*device, *baud)
	if err != nil {
		logrus.Fatalf("open %s: %v", *device, err)
	}

	driver := escat.New(serialPort, transport.NewSimpleTimer(), escat.Config{})

	if _, err := driver.Join(*ssid, *password); err != nil {
		logrus.Fatalf("join: %v", err)
	}

	collector := metrics.NewDriverCollector("escat", driver.Session())
	driver.Instrument(collector)
	prometheus.MustRegister(collector)

	go pollJoinStatus(driver)

	http.Handle("/metrics", promhttp.Handler())
	logrus.Infof("serving metrics on %s", *listen)
	if err := http.ListenAndServe(*listen, nil); err != nil {
		logrus.Fatalf("listen: %v", err)
	}
}

// pollJoinStatus keeps URCs draining (and so session state, and so the
// metrics it feeds, current) even when nothing else is calling into the
// driver.
func pollJoinStatus(driver *escat.Driver) {
	for {
		if _, err := driver.JoinStatus(); err != nil {
			logrus.Warnf("join status poll: %v", err)
		}
		time.Sleep(time.Second)
	}
}
