package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/call_manager"
	"github.com/arzzra/soft_pbx/pkg/rtp"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

func meta(id uint32, at time.Time) call_manager.EventMeta {
	return call_manager.EventMeta{Handle: call_manager.Handle{ID: id, Generation: 1}, CallID: "m", At: at}
}

func TestMetrics_CallLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m.OnCallEvent(call_manager.Ringing{EventMeta: meta(1, start)})
	m.OnCallEvent(call_manager.Answered{EventMeta: meta(1, start.Add(time.Second))})
	m.OnCallEvent(call_manager.Terminated{EventMeta: meta(2, start), Reason: call_manager.ReasonRejected, Code: 486})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsActive), "отклоненный вызов не активен")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsAnswered))

	m.OnCallEvent(call_manager.Terminated{EventMeta: meta(1, start.Add(61*time.Second)), Reason: call_manager.ReasonRemoteHangup})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CallsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTerminated.WithLabelValues("RemoteHangup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTerminated.WithLabelValues("Rejected")))

	expected := `
# HELP softpbx_calls_duration_seconds Duration of answered calls from answer to termination
# TYPE softpbx_calls_duration_seconds histogram
softpbx_calls_duration_seconds_bucket{le="1"} 0
softpbx_calls_duration_seconds_bucket{le="2"} 0
softpbx_calls_duration_seconds_bucket{le="4"} 0
softpbx_calls_duration_seconds_bucket{le="8"} 0
softpbx_calls_duration_seconds_bucket{le="16"} 0
softpbx_calls_duration_seconds_bucket{le="32"} 0
softpbx_calls_duration_seconds_bucket{le="64"} 1
softpbx_calls_duration_seconds_bucket{le="128"} 1
softpbx_calls_duration_seconds_bucket{le="256"} 1
softpbx_calls_duration_seconds_bucket{le="512"} 1
softpbx_calls_duration_seconds_bucket{le="1024"} 1
softpbx_calls_duration_seconds_bucket{le="2048"} 1
softpbx_calls_duration_seconds_bucket{le="4096"} 1
softpbx_calls_duration_seconds_bucket{le="8192"} 1
softpbx_calls_duration_seconds_bucket{le="+Inf"} 1
softpbx_calls_duration_seconds_sum 60
softpbx_calls_duration_seconds_count 1
`
	require.NoError(t, testutil.CollectAndCompare(m.CallDuration, strings.NewReader(expected)))
}

func TestMetrics_MediaEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())
	now := time.Now()

	m.OnCallEvent(call_manager.DigitDetected{EventMeta: meta(1, now), Source: call_manager.DigitSourceRTP})
	m.OnCallEvent(call_manager.DigitDetected{EventMeta: meta(1, now), Source: call_manager.DigitSourceINFO})
	m.OnCallEvent(call_manager.DigitDetected{EventMeta: meta(1, now), Source: call_manager.DigitSourceRTP})
	m.OnCallEvent(call_manager.Held{EventMeta: meta(1, now), Remote: true})
	m.OnCallEvent(call_manager.QualityReport{EventMeta: meta(1, now), Report: rtp.QualityReport{
		MOS:         4.3,
		LossPercent: 1.5,
		Jitter:      12 * time.Millisecond,
	}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Digits.WithLabelValues("rfc2833")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Digits.WithLabelValues("info")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Holds.WithLabelValues("remote")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MOS))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Loss))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Jitter))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsStarted), "события одного вызова")
}

func TestMetrics_TransactionObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var obs transaction.Observer = m

	obs.Retransmitted("INVITE", true)
	obs.Retransmitted("INVITE", true)
	obs.Retransmitted("BYE", false)
	obs.TimedOut("INVITE", transaction.TimerB)
	m.MalformedDatagram(errors.New("bad start line"), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retransmissions.WithLabelValues("INVITE", "client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retransmissions.WithLabelValues("BYE", "server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts.WithLabelValues("INVITE", "B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Malformed))

	m.SetRegistrations(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Registrations))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
