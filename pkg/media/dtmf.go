package media

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/rtp"
)

// Digit код события RFC 4733 (0-15)
type Digit uint8

const (
	Digit0     Digit = 0
	Digit1     Digit = 1
	Digit2     Digit = 2
	Digit3     Digit = 3
	Digit4     Digit = 4
	Digit5     Digit = 5
	Digit6     Digit = 6
	Digit7     Digit = 7
	Digit8     Digit = 8
	Digit9     Digit = 9
	DigitStar  Digit = 10 // *
	DigitPound Digit = 11 // #
	DigitA     Digit = 12
	DigitB     Digit = 13
	DigitC     Digit = 14
	DigitD     Digit = 15
)

const digitSymbols = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(digitSymbols) {
		return digitSymbols[d : d+1]
	}
	return "?"
}

// ParseDigit символ DTMF в код события
func ParseDigit(r rune) (Digit, error) {
	i := strings.IndexRune(digitSymbols, toUpper(r))
	if i < 0 {
		return 0, fmt.Errorf("invalid DTMF symbol %q", r)
	}
	return Digit(i), nil
}

// ParseDigits строку DTMF в последовательность кодов
func ParseDigits(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range s {
		d, err := ParseDigit(r)
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// TelephoneEvent полезная нагрузка RFC 4733 2.3
type TelephoneEvent struct {
	Event    Digit
	End      bool
	Volume   uint8 // 0-63, -dBm0
	Duration uint16
}

// telephoneEventSize размер полезной нагрузки
const telephoneEventSize = 4

// Marshal сериализует событие
func (e TelephoneEvent) Marshal() []byte {
	b := make([]byte, telephoneEventSize)
	b[0] = byte(e.Event)
	b[1] = e.Volume & 0x3f
	if e.End {
		b[1] |= 0x80
	}
	b[2] = byte(e.Duration >> 8)
	b[3] = byte(e.Duration)
	return b
}

// Unmarshal разбирает полезную нагрузку
func (e *TelephoneEvent) Unmarshal(b []byte) error {
	if len(b) < telephoneEventSize {
		return fmt.Errorf("telephone-event payload too short: %d bytes", len(b))
	}
	if b[0] > byte(DigitD) {
		return fmt.Errorf("unsupported telephone-event %d", b[0])
	}
	e.Event = Digit(b[0])
	e.End = b[1]&0x80 != 0
	e.Volume = b[1] & 0x3f
	e.Duration = uint16(b[2])<<8 | uint16(b[3])
	return nil
}

// DigitEvent распознанная цифра
type DigitEvent struct {
	SSRC      uint32
	Timestamp uint32
	Event     Digit
	Volume    uint8
	// DurationMs длительность в миллисекундах
	DurationMs int
	// End false, если конечные пакеты события потерялись и цифра выдана
	// при начале следующего события
	End bool
}

type digitKey struct {
	ssrc      uint32
	timestamp uint32
	event     Digit
}

// decoderHistory сколько завершенных событий помнить для подавления
// повторов конечных пакетов
const decoderHistory = 32

// DTMFDecoder собирает пакеты telephone-event в цифры. Каждая цифра
// (SSRC, timestamp начала, код) выдается ровно один раз.
// Не потокобезопасен: им владеет цикл RTP сессии.
type DTMFDecoder struct {
	clockRate uint32

	current  *DigitEvent
	duration uint16

	done  map[digitKey]struct{}
	order []digitKey
}

// NewDTMFDecoder создает декодер для частоты clockRate (обычно 8000)
func NewDTMFDecoder(clockRate uint32) *DTMFDecoder {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &DTMFDecoder{
		clockRate: clockRate,
		done:      make(map[digitKey]struct{}, decoderHistory),
	}
}

// Process обрабатывает один пакет. Возвращает выданные цифры: обычно
// ни одной или одну, две если предыдущее событие пришлось закрыть.
func (d *DTMFDecoder) Process(ssrc, timestamp uint32, payload []byte) ([]DigitEvent, error) {
	var ev TelephoneEvent
	if err := ev.Unmarshal(payload); err != nil {
		return nil, err
	}
	key := digitKey{ssrc: ssrc, timestamp: timestamp, event: ev.Event}
	if _, dup := d.done[key]; dup {
		return nil, nil
	}

	var out []DigitEvent
	if d.current != nil && d.currentKey() != key {
		out = append(out, d.finish(false))
	}

	if d.current == nil {
		d.current = &DigitEvent{SSRC: ssrc, Timestamp: timestamp, Event: ev.Event, Volume: ev.Volume}
		d.duration = 0
	}
	if ev.Duration > d.duration {
		d.duration = ev.Duration
	}
	d.current.Volume = ev.Volume

	if ev.End {
		out = append(out, d.finish(true))
	}
	return out, nil
}

// Flush закрывает незавершенное событие (конец потока)
func (d *DTMFDecoder) Flush() (DigitEvent, bool) {
	if d.current == nil {
		return DigitEvent{}, false
	}
	return d.finish(false), true
}

func (d *DTMFDecoder) currentKey() digitKey {
	return digitKey{ssrc: d.current.SSRC, timestamp: d.current.Timestamp, event: d.current.Event}
}

func (d *DTMFDecoder) finish(end bool) DigitEvent {
	ev := *d.current
	ev.End = end
	ev.DurationMs = int(uint64(d.duration) * 1000 / uint64(d.clockRate))

	key := d.currentKey()
	d.done[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > decoderHistory {
		delete(d.done, d.order[0])
		d.order = d.order[1:]
	}
	d.current = nil
	return ev
}

// endPackets число повторов конечного пакета (RFC 4733 2.5.1.4)
const endPackets = 3

// DTMFEncoder формирует последовательность пакетов telephone-event
// для одной цифры
type DTMFEncoder struct {
	payloadType uint8
	clockRate   uint32
	packetTime  time.Duration
	volume      uint8
}

// NewDTMFEncoder создает кодировщик
func NewDTMFEncoder(payloadType uint8, clockRate uint32, packetTime time.Duration) *DTMFEncoder {
	if clockRate == 0 {
		clockRate = 8000
	}
	if packetTime <= 0 {
		packetTime = 20 * time.Millisecond
	}
	return &DTMFEncoder{payloadType: payloadType, clockRate: clockRate, packetTime: packetTime, volume: 10}
}

// PayloadType динамический тип telephone-event
func (e *DTMFEncoder) PayloadType() uint8 { return e.payloadType }

// Packets возвращает пакеты обновлений и три конечных пакета. Все пакеты
// относятся к одному timestamp; номер последовательности, SSRC и timestamp
// заполняет сессия. Marker установлен на первом пакете.
func (e *DTMFEncoder) Packets(digit Digit, duration time.Duration) ([]*rtp.Packet, error) {
	if digit > DigitD {
		return nil, fmt.Errorf("invalid DTMF digit %d", digit)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("DTMF duration must be positive")
	}
	total := e.samples(duration)
	step := e.samples(e.packetTime)
	if step == 0 {
		step = 1
	}

	var packets []*rtp.Packet
	for d := step; d < total; d += step {
		packets = append(packets, e.packet(TelephoneEvent{Event: digit, Volume: e.volume, Duration: d}))
	}
	for i := 0; i < endPackets; i++ {
		packets = append(packets, e.packet(TelephoneEvent{Event: digit, End: true, Volume: e.volume, Duration: total}))
	}
	packets[0].Marker = true
	return packets, nil
}

func (e *DTMFEncoder) samples(d time.Duration) uint16 {
	n := uint64(d) * uint64(e.clockRate) / uint64(time.Second)
	if n > 0xffff {
		n = 0xffff
	}
	return uint16(n)
}

func (e *DTMFEncoder) packet(ev TelephoneEvent) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: e.payloadType},
		Payload: ev.Marshal(),
	}
}

// ContentTypeDTMFRelay тип тела SIP INFO с цифрой
const ContentTypeDTMFRelay = "application/dtmf-relay"

// ParseDTMFRelay разбирает тело application/dtmf-relay:
//
//	Signal=5
//	Duration=160
func ParseDTMFRelay(body []byte) (Digit, time.Duration, error) {
	var (
		digit    Digit
		found    bool
		duration time.Duration
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "signal":
			d, err := parseSignal(value)
			if err != nil {
				return 0, 0, err
			}
			digit, found = d, true
		case "duration":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				duration = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("dtmf-relay body without Signal")
	}
	return digit, duration, nil
}

// parseSignal символ или числовой код события (Signal=10 для *)
func parseSignal(value string) (Digit, error) {
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 || n > int(DigitD) {
			return 0, fmt.Errorf("invalid DTMF signal %q", value)
		}
		return Digit(n), nil
	}
	r := []rune(value)
	if len(r) != 1 {
		return 0, fmt.Errorf("invalid DTMF signal %q", value)
	}
	return ParseDigit(r[0])
}
