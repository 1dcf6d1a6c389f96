// Package media_sdp разбирает и строит SDP (RFC 4566) поверх pion/sdp и
// выполняет согласование аудио кодеков offer/answer (RFC 3264).
package media_sdp

import (
	"strings"
)

// Format формат полезной нагрузки из m= строки
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// IsTelephoneEvent RFC 2833/4733 события
func (f Format) IsTelephoneEvent() bool {
	return strings.EqualFold(f.Name, TelephoneEvent)
}

// TelephoneEvent имя формата DTMF событий
const TelephoneEvent = "telephone-event"

// DefaultTelephoneEventPT динамический payload type для telephone-event
const DefaultTelephoneEventPT = 101

// staticFormats статические payload type (RFC 3551), для которых
// rtpmap необязателен
var staticFormats = map[uint8]Format{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	3:  {PayloadType: 3, Name: "GSM", ClockRate: 8000, Channels: 1},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000, Channels: 1},
}

// FormatByName возвращает статический формат по имени кодека
func FormatByName(name string) (Format, bool) {
	for _, f := range staticFormats {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Format{}, false
}

// TelephoneEventFormat формат DTMF событий с заданным payload type
func TelephoneEventFormat(pt uint8) Format {
	return Format{PayloadType: pt, Name: TelephoneEvent, ClockRate: 8000, Channels: 1, Fmtp: "0-16"}
}
