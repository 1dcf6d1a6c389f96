// Package metrics содержит Prometheus коллекторы АТС. Metrics
// подключается к транзакционному уровню как transaction.Observer, к
// транспорту как обработчик битых датаграмм и к менеджеру вызовов как
// подписчик событий.
package metrics

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/soft_pbx/pkg/call_manager"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

const namespace = "softpbx"

// Metrics набор коллекторов одного экземпляра АТС
type Metrics struct {
	CallsStarted    prometheus.Counter
	CallsActive     prometheus.Gauge
	CallsAnswered   prometheus.Counter
	CallsTerminated *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	Digits          *prometheus.CounterVec
	Holds           *prometheus.CounterVec

	Retransmissions *prometheus.CounterVec
	Timeouts        *prometheus.CounterVec
	Malformed       prometheus.Counter

	MOS    prometheus.Histogram
	Loss   prometheus.Histogram
	Jitter prometheus.Histogram

	Registrations prometheus.Gauge

	mu    sync.Mutex
	calls map[call_manager.Handle]time.Time
}

var (
	_ transaction.Observer    = (*Metrics)(nil)
	_ call_manager.Subscriber = (*Metrics)(nil)
)

// New создает коллекторы и регистрирует их в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Total number of calls seen by the call manager",
		}),
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Number of calls not yet terminated",
		}),
		CallsAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "answered_total",
			Help:      "Total number of calls that reached the confirmed state",
		}),
		CallsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "terminated_total",
			Help:      "Total number of terminated calls by reason",
		}, []string{"reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Duration of answered calls from answer to termination",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}),
		Digits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "dtmf_digits_total",
			Help:      "Total number of detected DTMF digits by source",
		}, []string{"source"}),
		Holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "holds_total",
			Help:      "Total number of hold operations by initiator",
		}, []string{"side"}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "retransmissions_total",
			Help:      "Total number of SIP retransmissions by method and transaction side",
		}, []string{"method", "side"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "transaction_timeouts_total",
			Help:      "Total number of transaction timeouts by method and timer",
		}, []string{"method", "timer"}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "malformed_datagrams_total",
			Help:      "Total number of datagrams that failed to parse",
		}),
		MOS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "mos",
			Help:      "Estimated MOS from periodic quality reports",
			Buckets:   []float64{1, 1.5, 2, 2.5, 3, 3.5, 4, 4.2, 4.4, 4.5},
		}),
		Loss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "loss_percent",
			Help:      "Packet loss percent from periodic quality reports",
			Buckets:   []float64{0, 0.5, 1, 2, 5, 10, 20, 50},
		}),
		Jitter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "jitter_milliseconds",
			Help:      "Interarrival jitter from periodic quality reports",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1ms .. 512ms
		}),
		Registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registrar",
			Name:      "aors",
			Help:      "Number of AORs with live bindings",
		}),
		calls: make(map[call_manager.Handle]time.Time),
	}

	reg.MustRegister(
		m.CallsStarted, m.CallsActive, m.CallsAnswered, m.CallsTerminated, m.CallDuration,
		m.Digits, m.Holds,
		m.Retransmissions, m.Timeouts, m.Malformed,
		m.MOS, m.Loss, m.Jitter,
		m.Registrations,
	)
	return m
}

// Retransmitted реализует transaction.Observer
func (m *Metrics) Retransmitted(method string, client bool) {
	side := "server"
	if client {
		side = "client"
	}
	m.Retransmissions.WithLabelValues(method, side).Inc()
}

// TimedOut реализует transaction.Observer
func (m *Metrics) TimedOut(method string, timer transaction.TimerID) {
	m.Timeouts.WithLabelValues(method, string(timer)).Inc()
}

// MalformedDatagram обработчик для transport.WithMalformedHook
func (m *Metrics) MalformedDatagram(error, *net.UDPAddr) {
	m.Malformed.Inc()
}

// OnCallEvent реализует call_manager.Subscriber. Вызов считается начатым
// по первому событию его handle.
func (m *Metrics) OnCallEvent(e call_manager.Event) {
	meta := e.Meta()
	m.track(meta.Handle)

	switch ev := e.(type) {
	case call_manager.Answered:
		m.CallsAnswered.Inc()
		m.mu.Lock()
		m.calls[meta.Handle] = meta.At
		m.mu.Unlock()
	case call_manager.Held:
		m.Holds.WithLabelValues(side(ev.Remote)).Inc()
	case call_manager.DigitDetected:
		m.Digits.WithLabelValues(string(ev.Source)).Inc()
	case call_manager.QualityReport:
		r := ev.Report
		if r.MOS > 0 {
			m.MOS.Observe(r.MOS)
		}
		m.Loss.Observe(r.LossPercent)
		m.Jitter.Observe(float64(r.Jitter) / float64(time.Millisecond))
	case call_manager.Terminated:
		m.CallsTerminated.WithLabelValues(string(ev.Reason)).Inc()
		m.mu.Lock()
		answered, ok := m.calls[meta.Handle]
		delete(m.calls, meta.Handle)
		m.mu.Unlock()
		if ok {
			m.CallsActive.Dec()
			if !answered.IsZero() && meta.At.After(answered) {
				m.CallDuration.Observe(meta.At.Sub(answered).Seconds())
			}
		}
	}
}

// track учитывает новый handle
func (m *Metrics) track(h call_manager.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[h]; ok {
		return
	}
	m.calls[h] = time.Time{}
	m.CallsStarted.Inc()
	m.CallsActive.Inc()
}

// SetRegistrations обновляет число зарегистрированных AOR
func (m *Metrics) SetRegistrations(n int) {
	m.Registrations.Set(float64(n))
}

func side(remote bool) string {
	if remote {
		return "remote"
	}
	return "local"
}
