package rtp

import (
	"math"
	"time"

	"github.com/arzzra/soft_pbx/pkg/media"
)

// MOSModel упрощенная E-модель (ITU-T G.107). Все коэффициенты
// настраиваются, значения по умолчанию соответствуют G.711 без PLC.
type MOSModel struct {
	// R0 базовый R-фактор без искажений
	R0 float64
	// LossWeight снижение R на процент потерь
	LossWeight float64
	// Джиттер сверх порога снижает R на JitterWeight за миллисекунду
	JitterThreshold time.Duration
	JitterWeight    float64
	// Односторонняя задержка сверх порога снижает R на DelayWeight за мс
	DelayThreshold time.Duration
	DelayWeight    float64
}

// delayBaseWeight линейная составляющая Id (0.024 на мс)
const delayBaseWeight = 0.024

// DefaultMOSModel коэффициенты по умолчанию
func DefaultMOSModel() MOSModel {
	return MOSModel{
		R0:              93.2,
		LossWeight:      2.5,
		JitterThreshold: 150 * time.Millisecond,
		JitterWeight:    0.1,
		DelayThreshold:  177 * time.Millisecond,
		DelayWeight:     0.11,
	}
}

// RFactor оценка R по потерям (проценты), джиттеру и RTT
func (m MOSModel) RFactor(lossPercent float64, jitter, rtt time.Duration) float64 {
	// эффективная задержка: половина RTT плюс буферизация джиттера
	delay := ms(rtt)/2 + 2*ms(jitter)
	r := m.R0 - delayBaseWeight*delay
	if over := delay - ms(m.DelayThreshold); over > 0 {
		r -= m.DelayWeight * over
	}
	if over := ms(jitter) - ms(m.JitterThreshold); over > 0 {
		r -= m.JitterWeight * over
	}
	r -= m.LossWeight * lossPercent
	return math.Max(0, math.Min(100, r))
}

// Score MOS в диапазоне 1..4.5
func (m MOSModel) Score(lossPercent float64, jitter, rtt time.Duration) float64 {
	r := m.RFactor(lossPercent, jitter, rtt)
	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	return math.Max(1, math.Min(4.5, mos))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// QualityReport снимок качества одной RTP сессии
type QualityReport struct {
	SSRC       uint32
	RemoteSSRC uint32

	PacketsSent uint32
	OctetsSent  uint32

	PacketsReceived uint32
	Expected        uint32
	Lost            uint32
	// LossPercent (expected - received) / expected * 100
	LossPercent float64
	// FractionLost потери за последний интервал, доли 1/256
	FractionLost uint8

	Jitter time.Duration
	RTT    time.Duration
	MOS    float64

	Buffer media.JitterStats
	At     time.Time
}
