// Package metrics exposes the driver's socket and protocol state as
// Prometheus metrics, following the same Describe/Collect-over-a-shared-
// mutex shape as this driver's socket-statistics ancestor's
// TCPInfoCollector - but scraping a session.Session instead of kernel
// tcp_info structs.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-aero/esp-at-nal/pkg/session"
)

// DriverCollector implements prometheus.Collector over a live
// session.Session plus a handful of driver-maintained counters the
// session itself has no notion of (commands sent, parser resyncs, and
// so on).
type DriverCollector struct {
	mu      sync.Mutex
	session *session.Session

	socketState         *prometheus.Desc
	socketDataAvailable *prometheus.Desc
	wifiJoined          *prometheus.Desc
	wifiIPAssigned      *prometheus.Desc

	commandsSent    prometheus.Counter
	urcsDigested    prometheus.Counter
	sendFailures    prometheus.Counter
	partialSends    prometheus.Counter
	parserResyncs   prometheus.Counter
	receiveOverflow prometheus.Counter
}

// NewDriverCollector builds a collector reading the given session. prefix
// namespaces every metric name (e.g. "escat").
func NewDriverCollector(prefix string, sess *session.Session) *DriverCollector {
	return &DriverCollector{
		session: sess,

		socketState: prometheus.NewDesc(
			prefix+"_socket_state",
			"Socket slot state (0=Closed,1=Open,2=Connected,3=Closing).",
			[]string{"link_id"}, nil,
		),
		socketDataAvailable: prometheus.NewDesc(
			prefix+"_socket_data_available_bytes",
			"Bytes buffered on the peer awaiting pull for this socket slot.",
			[]string{"link_id"}, nil,
		),
		wifiJoined: prometheus.NewDesc(
			prefix+"_wifi_joined",
			"1 if the driver currently believes it is joined to an access point.",
			nil, nil,
		),
		wifiIPAssigned: prometheus.NewDesc(
			prefix+"_wifi_ip_assigned",
			"1 if the peer has reported WIFI GOT IP since the last WIFI DISCONNECT/restart.",
			nil, nil,
		),

		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_commands_sent_total",
			Help: "AT commands written to the transport.",
		}),
		urcsDigested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_urcs_digested_total",
			Help: "URC/response frames successfully matched by the digester.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_send_failures_total",
			Help: "Send chunks that ended in SendFailed (Timeout or Fail).",
		}),
		partialSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_partial_sends_total",
			Help: "Send chunks where the peer's reported byte count disagreed with the chunk length.",
		}),
		parserResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_parser_resyncs_total",
			Help: "Bytes discarded to resynchronize the parser (NoMatch skips, and buffer flushes after a send timeout or restart).",
		}),
		receiveOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_receive_overflow_total",
			Help: "Receive calls that hit ReceiveOverflow (peer sent more than the caller's buffer had room for).",
		}),
	}
}

// Describe implements prometheus.Collector.
func (d *DriverCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- d.socketState
	descs <- d.socketDataAvailable
	descs <- d.wifiJoined
	descs <- d.wifiIPAssigned
	d.commandsSent.Describe(descs)
	d.urcsDigested.Describe(descs)
	d.sendFailures.Describe(descs)
	d.partialSends.Describe(descs)
	d.parserResyncs.Describe(descs)
	d.receiveOverflow.Describe(descs)
}

// Collect implements prometheus.Collector.
func (d *DriverCollector) Collect(metrics chan<- prometheus.Metric) {
	d.mu.Lock()
	defer d.mu.Unlock()

	join := d.session.JoinState()
	metrics <- prometheus.MustNewConstMetric(d.wifiJoined, prometheus.GaugeValue, boolToFloat(join.Connected))
	metrics <- prometheus.MustNewConstMetric(d.wifiIPAssigned, prometheus.GaugeValue, boolToFloat(join.IPAssigned))

	for id := 0; id < session.NumSockets; id++ {
		label := strconv.Itoa(id)
		var state float64
		switch {
		case d.session.IsSocketOpen(id):
			state = 1
		case d.session.IsSocketConnected(id):
			state = 2
		case d.session.IsSocketClosing(id):
			state = 3
		}
		metrics <- prometheus.MustNewConstMetric(d.socketState, prometheus.GaugeValue, state, label)
		metrics <- prometheus.MustNewConstMetric(d.socketDataAvailable, prometheus.GaugeValue,
			float64(d.session.Sockets[id].DataAvailable), label)
	}

	metrics <- d.commandsSent
	metrics <- d.urcsDigested
	metrics <- d.sendFailures
	metrics <- d.partialSends
	metrics <- d.parserResyncs
	metrics <- d.receiveOverflow
}

// IncCommandsSent, IncURCsDigested, ... are called by the coordinator (or
// a thin wrapper around it) as the corresponding events occur; the
// session itself carries no counters, only current state.
func (d *DriverCollector) IncCommandsSent()    { d.commandsSent.Inc() }
func (d *DriverCollector) IncURCsDigested()    { d.urcsDigested.Inc() }
func (d *DriverCollector) IncSendFailures()    { d.sendFailures.Inc() }
func (d *DriverCollector) IncPartialSends()    { d.partialSends.Inc() }
func (d *DriverCollector) IncParserResyncs()   { d.parserResyncs.Inc() }
func (d *DriverCollector) IncReceiveOverflow() { d.receiveOverflow.Inc() }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
