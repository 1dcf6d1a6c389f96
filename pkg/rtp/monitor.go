package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	maxDropout  = 3000
	maxMisorder = 100
	seqMod      = 1 << 16
)

// ntpEpochOffset секунды между 1900 и 1970 годом
const ntpEpochOffset = 2208988800

// NTPTimestamp время в формате NTP 32.32
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// ntpMiddle средние 32 бита NTP времени (формат LSR/DLSR, 1/65536 с)
func ntpMiddle(t time.Time) uint32 {
	return uint32(NTPTimestamp(t) >> 16)
}

// Monitor собирает статистику приема (RFC 3550 A.1, A.3, A.8), оценивает
// RTT по SR/RR и формирует собственные отчеты RTCP.
type Monitor struct {
	mu sync.Mutex

	ssrc      uint32
	cname     string
	clockRate uint32
	model     MOSModel
	epoch     time.Time

	// отправка
	sentPackets uint32
	sentOctets  uint32
	lastRTPTime uint32
	lastSentAt  time.Time
	sentSince   bool

	// прием
	remoteSSRC    uint32
	remoteCNAME   string
	started       bool
	baseSeq       uint16
	maxSeq        uint16
	cycles        uint32
	badSeq        uint32
	received      uint32
	expectedPrior uint32
	receivedPrior uint32
	haveTransit   bool
	transit       int64
	jitter        float64

	// последний SR удаленной стороны
	lastSR        uint32
	lastSRArrival time.Time

	rtt time.Duration
}

// NewMonitor создает монитор для локального ssrc
func NewMonitor(ssrc uint32, cname string, clockRate uint32, model MOSModel) *Monitor {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &Monitor{
		ssrc:      ssrc,
		cname:     cname,
		clockRate: clockRate,
		model:     model,
		epoch:     time.Now(),
		badSeq:    seqMod + 1,
	}
}

// Sent учитывает отправленный пакет
func (m *Monitor) Sent(h *rtp.Header, payloadLen int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentPackets++
	m.sentOctets += uint32(payloadLen)
	m.lastRTPTime = h.Timestamp
	m.lastSentAt = at
	m.sentSince = true
}

// Received учитывает принятый пакет. jitter=false для пакетов без
// собственного времени отсчета (telephone-event).
func (m *Monitor) Received(h *rtp.Header, arrival time.Time, jitter bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || h.SSRC != m.remoteSSRC {
		m.resetSource(h.SSRC, h.SequenceNumber)
	} else if !m.updateSeq(h.SequenceNumber) {
		return
	}
	m.received++

	if !jitter {
		return
	}
	// RFC 3550 6.4.1: J += (|D| - J) / 16
	arrivalTS := int64(arrival.Sub(m.epoch) * time.Duration(m.clockRate) / time.Second)
	transit := arrivalTS - int64(h.Timestamp)
	if m.haveTransit {
		d := transit - m.transit
		if d < 0 {
			d = -d
		}
		m.jitter += (float64(d) - m.jitter) / 16
	}
	m.transit = transit
	m.haveTransit = true
}

func (m *Monitor) resetSource(ssrc uint32, seq uint16) {
	m.started = true
	m.remoteSSRC = ssrc
	m.baseSeq = seq
	m.maxSeq = seq
	m.cycles = 0
	m.badSeq = seqMod + 1
	m.received = 0
	m.expectedPrior = 0
	m.receivedPrior = 0
	m.haveTransit = false
	m.jitter = 0
}

// updateSeq RFC 3550 A.1 без периода испытания. false, если пакет не
// учитывается (резкий скачок номера, ожидаем подтверждения).
func (m *Monitor) updateSeq(seq uint16) bool {
	udelta := seq - m.maxSeq
	switch {
	case udelta < maxDropout:
		if seq < m.maxSeq {
			m.cycles += seqMod
		}
		m.maxSeq = seq
	case uint32(udelta) <= seqMod-maxMisorder:
		if uint32(seq) == m.badSeq {
			// два последовательных пакета после скачка: источник перезапущен
			m.resetSource(m.remoteSSRC, seq)
			return true
		}
		m.badSeq = uint32(seq+1) & (seqMod - 1)
		return false
	default:
		// дубликат или переупорядочивание
	}
	return true
}

func (m *Monitor) expected() uint32 {
	if !m.started {
		return 0
	}
	return m.cycles + uint32(m.maxSeq) - uint32(m.baseSeq) + 1
}

func (m *Monitor) lost() uint32 {
	expected := m.expected()
	if m.received >= expected {
		return 0
	}
	return expected - m.received
}

// fractionLost доля потерь за интервал в 1/256 (RFC 3550 A.3)
func fractionLost(expected, received uint32) uint8 {
	if expected == 0 || received >= expected {
		return 0
	}
	fraction := (expected - received) << 8 / expected
	if fraction > 255 {
		return 255
	}
	return uint8(fraction)
}

// LossPercent (expected - received) / expected в процентах
func (m *Monitor) LossPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lossPercent()
}

func (m *Monitor) lossPercent() float64 {
	expected := m.expected()
	if expected == 0 {
		return 0
	}
	return float64(m.lost()) / float64(expected) * 100
}

// Jitter оценка межпакетного джиттера
func (m *Monitor) Jitter() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jitterDuration()
}

func (m *Monitor) jitterDuration() time.Duration {
	return time.Duration(m.jitter * float64(time.Second) / float64(m.clockRate))
}

// RTT последняя оценка времени кругового обхода
func (m *Monitor) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

// HandleRTCP обрабатывает составной пакет. Возвращает true, если
// удаленная сторона прислала BYE.
func (m *Monitor) HandleRTCP(packets []rtcp.Packet, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bye := false
	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			m.lastSR = uint32(pkt.NTPTime >> 16)
			m.lastSRArrival = now
			m.handleReports(pkt.Reports, now)
		case *rtcp.ReceiverReport:
			m.handleReports(pkt.Reports, now)
		case *rtcp.SourceDescription:
			for _, chunk := range pkt.Chunks {
				for _, item := range chunk.Items {
					if item.Type == rtcp.SDESCNAME && chunk.Source == m.remoteSSRC {
						m.remoteCNAME = item.Text
					}
				}
			}
		case *rtcp.Goodbye:
			for _, src := range pkt.Sources {
				if src == m.remoteSSRC {
					bye = true
				}
			}
		}
	}
	return bye
}

// handleReports RTT = now - LSR - DLSR (RFC 3550 6.4.1)
func (m *Monitor) handleReports(reports []rtcp.ReceptionReport, now time.Time) {
	for _, rr := range reports {
		if rr.SSRC != m.ssrc || rr.LastSenderReport == 0 {
			continue
		}
		rtt := ntpMiddle(now) - rr.LastSenderReport - rr.Delay
		if int32(rtt) < 0 {
			continue
		}
		m.rtt = time.Duration(uint64(rtt) * uint64(time.Second) >> 16)
	}
}

// BuildReport формирует SR (если с прошлого отчета были отправки) или RR
// с блоком приема и SDES CNAME
func (m *Monitor) BuildReport(now time.Time) []rtcp.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reports []rtcp.ReceptionReport
	if m.started {
		reports = append(reports, m.receptionReport(now))
	}

	var first rtcp.Packet
	if m.sentSince {
		elapsed := now.Sub(m.lastSentAt)
		first = &rtcp.SenderReport{
			SSRC:        m.ssrc,
			NTPTime:     NTPTimestamp(now),
			RTPTime:     m.lastRTPTime + uint32(elapsed*time.Duration(m.clockRate)/time.Second),
			PacketCount: m.sentPackets,
			OctetCount:  m.sentOctets,
			Reports:     reports,
		}
		m.sentSince = false
	} else {
		first = &rtcp.ReceiverReport{SSRC: m.ssrc, Reports: reports}
	}
	return []rtcp.Packet{first, rtcp.NewCNAMESourceDescription(m.ssrc, m.cname)}
}

// Bye составной пакет завершения: отчет, SDES и BYE
func (m *Monitor) Bye(now time.Time, reason string) []rtcp.Packet {
	packets := m.BuildReport(now)
	return append(packets, &rtcp.Goodbye{Sources: []uint32{m.ssrc}, Reason: reason})
}

func (m *Monitor) receptionReport(now time.Time) rtcp.ReceptionReport {
	expected := m.expected()
	expectedInterval := expected - m.expectedPrior
	receivedInterval := m.received - m.receivedPrior
	m.expectedPrior = expected
	m.receivedPrior = m.received

	fraction := fractionLost(expectedInterval, receivedInterval)

	lost := m.lost()
	if lost > 0x7fffff {
		lost = 0x7fffff
	}

	var dlsr uint32
	if m.lastSR != 0 {
		dlsr = uint32(now.Sub(m.lastSRArrival) * (1 << 16) / time.Second)
	}
	return rtcp.ReceptionReport{
		SSRC:               m.remoteSSRC,
		FractionLost:       fraction,
		TotalLost:          lost,
		LastSequenceNumber: m.cycles + uint32(m.maxSeq),
		Jitter:             uint32(m.jitter),
		LastSenderReport:   m.lastSR,
		Delay:              dlsr,
	}
}

// Report снимок качества
func (m *Monitor) Report(now time.Time) QualityReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected := m.expected()
	fraction := fractionLost(expected-m.expectedPrior, m.received-m.receivedPrior)
	loss := m.lossPercent()
	jitter := m.jitterDuration()
	return QualityReport{
		SSRC:            m.ssrc,
		RemoteSSRC:      m.remoteSSRC,
		PacketsSent:     m.sentPackets,
		OctetsSent:      m.sentOctets,
		PacketsReceived: m.received,
		Expected:        expected,
		Lost:            m.lost(),
		LossPercent:     loss,
		FractionLost:    fraction,
		Jitter:          jitter,
		RTT:             m.rtt,
		MOS:             m.model.Score(loss, jitter, m.rtt),
		At:              now,
	}
}

// RemoteCNAME CNAME удаленной стороны из SDES
func (m *Monitor) RemoteCNAME() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteCNAME
}
