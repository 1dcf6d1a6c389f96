package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// JitterConfig параметры jitter buffer
type JitterConfig struct {
	// Depth максимальное число буферизованных пакетов
	Depth int
	// PacketTime длительность одного пакета (ptime), период Pop
	PacketTime   time.Duration
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	// Hysteresis запас, на который джиттер или глубина буфера должны
	// превысить целевую задержку, чтобы она изменилась
	Hysteresis time.Duration
	// EarlyTicks число тиков подряд с избыточной глубиной буфера перед
	// уменьшением задержки на один пакет
	EarlyTicks int
}

// DefaultJitterConfig значения по умолчанию для 20ms пакетов
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		Depth:        50,
		PacketTime:   20 * time.Millisecond,
		InitialDelay: 60 * time.Millisecond,
		MinDelay:     20 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Hysteresis:   20 * time.Millisecond,
		EarlyTicks:   250,
	}
}

// Validate проверяет согласованность параметров
func (c JitterConfig) Validate() error {
	switch {
	case c.Depth <= 0:
		return fmt.Errorf("jitter depth must be positive, got %d", c.Depth)
	case c.PacketTime <= 0:
		return fmt.Errorf("jitter packet time must be positive")
	case c.MinDelay < 0 || c.MinDelay > c.InitialDelay || c.InitialDelay > c.MaxDelay:
		return fmt.Errorf("jitter delays must satisfy min <= initial <= max (%v, %v, %v)", c.MinDelay, c.InitialDelay, c.MaxDelay)
	case c.EarlyTicks <= 0:
		return fmt.Errorf("jitter early ticks must be positive")
	}
	return nil
}

// PushResult результат Push
type PushResult int

const (
	PushAccepted PushResult = iota
	PushDuplicate
	PushLate
	// PushEvicted пакет принят, но вытеснил самый старый невоспроизведенный
	PushEvicted
)

func (r PushResult) String() string {
	switch r {
	case PushAccepted:
		return "accepted"
	case PushDuplicate:
		return "duplicate"
	case PushLate:
		return "late"
	case PushEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// JitterStats счетчики буфера
type JitterStats struct {
	Pushed      uint64
	Played      uint64
	Late        uint64
	Lost        uint64
	Duplicate   uint64
	Discarded   uint64
	Underruns   uint64
	Buffered    int
	TargetDelay time.Duration
}

// JitterBuffer упорядочивает входящие пакеты по номеру последовательности
// и выдает их с постоянным темпом, по одному слоту за вызов Pop.
// Не потокобезопасен: им владеет цикл RTP сессии.
type JitterBuffer struct {
	cfg   JitterConfig
	slots map[uint16]*rtp.Packet
	// skipped номера, занятые пакетами другого формата (telephone-event)
	// того же SSRC. Их пропуск не считается потерей.
	skipped map[uint16]struct{}

	playing bool
	// cursor валиден после первого пакета: next следующий слот к выдаче.
	// anchored: воспроизведение начиналось, слоты до next уже выданы.
	cursor   bool
	anchored bool
	next     uint16

	firstArrival time.Time
	target       time.Duration
	earlyRun     int
	// stretch число тиков паузы после увеличения задержки
	stretch int

	stats JitterStats
}

// NewJitterBuffer создает буфер. Некорректная конфигурация заменяется
// значениями по умолчанию.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	if cfg.Validate() != nil {
		cfg = DefaultJitterConfig()
	}
	return &JitterBuffer{
		cfg:    cfg,
		slots:   make(map[uint16]*rtp.Packet, cfg.Depth),
		skipped: make(map[uint16]struct{}),
		target:  cfg.InitialDelay,
	}
}

// Push добавляет пакет
func (jb *JitterBuffer) Push(pkt *rtp.Packet, now time.Time) PushResult {
	seq := pkt.SequenceNumber

	if jb.anchored && SeqLess(seq, jb.next) {
		jb.stats.Late++
		return PushLate
	}
	if _, ok := jb.slots[seq]; ok {
		jb.stats.Duplicate++
		return PushDuplicate
	}

	switch {
	case !jb.cursor:
		jb.cursor = true
		jb.next = seq
	case !jb.anchored && SeqLess(seq, jb.next):
		// переупорядочивание до начала воспроизведения
		if len(jb.slots) == 0 || SeqDiff(jb.next, seq) < jb.cfg.Depth {
			jb.next = seq
		} else {
			jb.stats.Late++
			return PushLate
		}
	}
	if len(jb.slots) == 0 && !jb.playing {
		jb.firstArrival = now
	}

	jb.slots[seq] = pkt
	jb.stats.Pushed++

	if len(jb.slots) > jb.cfg.Depth {
		jb.evictOldest()
		return PushEvicted
	}
	return PushAccepted
}

// Skip отмечает номер последовательности, занятый пакетом, который
// обработан мимо буфера (RFC 2833). Слот пропускается без потери.
func (jb *JitterBuffer) Skip(seq uint16) {
	if jb.cursor && jb.anchored && SeqLess(seq, jb.next) {
		return
	}
	if len(jb.skipped) >= 2*jb.cfg.Depth {
		for s := range jb.skipped {
			if !jb.cursor || SeqLess(s, jb.next) {
				delete(jb.skipped, s)
			}
		}
	}
	jb.skipped[seq] = struct{}{}
}

// takeSkipped удаляет отметки в [from, from+n) и возвращает их число
func (jb *JitterBuffer) takeSkipped(from uint16, n int) int {
	taken := 0
	for s := range jb.skipped {
		if d := SeqDiff(s, from); d >= 0 && d < n {
			delete(jb.skipped, s)
			taken++
		}
	}
	return taken
}

// evictOldest удаляет самый старый пакет. Слоты перед ним больше не ждем.
func (jb *JitterBuffer) evictOldest() {
	oldest, gap := jb.oldest()
	delete(jb.slots, oldest)
	jb.stats.Discarded++
	if jb.anchored {
		jb.stats.Lost += uint64(gap - jb.takeSkipped(jb.next, gap))
	}
	jb.next = oldest + 1
	if !jb.anchored && len(jb.slots) > 0 {
		jb.next, _ = jb.oldest()
	}
}

// oldest ближайший к курсору буферизованный номер и число пропущенных
// слотов перед ним
func (jb *JitterBuffer) oldest() (uint16, int) {
	best, bestGap := uint16(0), -1
	for seq := range jb.slots {
		gap := SeqDiff(seq, jb.next)
		if bestGap < 0 || gap < bestGap {
			best, bestGap = seq, gap
		}
	}
	return best, bestGap
}

// Pop вызывается один раз за тик воспроизведения. Возвращает false, если
// в этот тик выдавать нечего (набор задержки, пауза или опустошение).
func (jb *JitterBuffer) Pop(now time.Time) (Frame, bool) {
	if !jb.playing {
		if len(jb.slots) == 0 {
			return Frame{}, false
		}
		if now.Sub(jb.firstArrival) < jb.target && len(jb.slots) < jb.cfg.Depth {
			return Frame{}, false
		}
		jb.playing = true
		jb.anchored = true
	}
	if jb.stretch > 0 {
		jb.stretch--
		return Frame{}, false
	}
	if len(jb.slots) == 0 {
		// опустошение: заново набираем задержку, курсор сохраняется
		jb.stats.Underruns++
		jb.playing = false
		return Frame{}, false
	}

	for {
		if _, ok := jb.skipped[jb.next]; !ok {
			break
		}
		delete(jb.skipped, jb.next)
		jb.next++
	}

	if pkt, ok := jb.slots[jb.next]; ok {
		delete(jb.slots, jb.next)
		jb.next++
		jb.stats.Played++
		jb.adapt()
		return Frame{
			Sequence:    pkt.SequenceNumber,
			Timestamp:   pkt.Timestamp,
			PayloadType: pkt.PayloadType,
			Marker:      pkt.Marker,
			Payload:     pkt.Payload,
			Played:      now,
		}, true
	}

	_, gap := jb.oldest()
	span := 1
	if gap > jb.cfg.Depth {
		span = gap
	}
	lost := span - jb.takeSkipped(jb.next, span)
	f := Frame{Sequence: jb.next, Lost: true, LostCount: lost, Played: now}
	jb.next += uint16(span)
	jb.stats.Lost += uint64(lost)
	return f, true
}

// adapt уменьшает задержку, если буфер стабильно глубже цели
func (jb *JitterBuffer) adapt() {
	depth := time.Duration(len(jb.slots)) * jb.cfg.PacketTime
	if depth <= jb.target+jb.cfg.Hysteresis || jb.target-jb.cfg.PacketTime < jb.cfg.MinDelay {
		jb.earlyRun = 0
		return
	}
	jb.earlyRun++
	if jb.earlyRun < jb.cfg.EarlyTicks {
		return
	}
	jb.earlyRun = 0
	jb.target -= jb.cfg.PacketTime
	// сжатие: пропускаем один пакет, чтобы задержка действительно упала
	if _, ok := jb.slots[jb.next]; ok {
		delete(jb.slots, jb.next)
		jb.next++
		jb.stats.Discarded++
	}
}

// ObserveJitter учитывает оценку межпакетного джиттера (RFC 3550).
// Если джиттер превышает целевую задержку на гистерезис, задержка
// увеличивается, а воспроизведение приостанавливается на разницу.
func (jb *JitterBuffer) ObserveJitter(jitter time.Duration) {
	if jitter <= jb.target+jb.cfg.Hysteresis {
		return
	}
	ptime := jb.cfg.PacketTime
	target := ((jitter + jb.cfg.Hysteresis + ptime - 1) / ptime) * ptime
	if target > jb.cfg.MaxDelay {
		target = jb.cfg.MaxDelay
	}
	if target <= jb.target {
		return
	}
	if jb.playing {
		jb.stretch += int((target - jb.target) / ptime)
	}
	jb.target = target
	jb.earlyRun = 0
}

// TargetDelay текущая целевая задержка
func (jb *JitterBuffer) TargetDelay() time.Duration { return jb.target }

// Len число буферизованных пакетов
func (jb *JitterBuffer) Len() int { return len(jb.slots) }

// Stats снимок счетчиков
func (jb *JitterBuffer) Stats() JitterStats {
	s := jb.stats
	s.Buffered = len(jb.slots)
	s.TargetDelay = jb.target
	return s
}

// Reset очищает буфер (смена SSRC удаленной стороны)
func (jb *JitterBuffer) Reset() {
	clear(jb.slots)
	clear(jb.skipped)
	jb.playing = false
	jb.cursor = false
	jb.anchored = false
	jb.stretch = 0
	jb.earlyRun = 0
}
