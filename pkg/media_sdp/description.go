package media_sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

// Direction атрибут направления медиа
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Reverse направление ответа на предложенное (RFC 3264 6.1)
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// Sends сторона с этим направлением отправляет медиа
func (d Direction) Sends() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// Receives сторона с этим направлением принимает медиа
func (d Direction) Receives() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Media одна m= строка
type Media struct {
	Type      string
	Port      int
	Proto     string
	Formats   []Format // в порядке предпочтения отправителя
	Address   string   // c= медиа уровня или сессии
	Direction Direction
	RTCPMux   bool
	RTCPPort  int
	Ptime     time.Duration
	Crypto    []string // a=crypto передаются как есть
}

// IsHold удаленная сторона поставила поток на удержание
// (sendonly/inactive или старый стиль c=0.0.0.0)
func (m *Media) IsHold() bool {
	return m.Direction == DirectionSendOnly || m.Direction == DirectionInactive || m.Address == "0.0.0.0"
}

// RTPAddr адрес для отправки RTP
func (m *Media) RTPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(m.Address)
	if ip == nil {
		addrs, err := net.LookupIP(m.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("cannot resolve media address %q", m.Address)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}, nil
}

// RTCPAddr адрес для RTCP: a=rtcp, порт RTP при rtcp-mux или RTP+1
func (m *Media) RTCPAddr() (*net.UDPAddr, error) {
	addr, err := m.RTPAddr()
	if err != nil {
		return nil, err
	}
	switch {
	case m.RTCPMux:
	case m.RTCPPort > 0:
		addr.Port = m.RTCPPort
	default:
		addr.Port = m.Port + 1
	}
	return addr, nil
}

// Description разобранное описание сессии
type Description struct {
	SessionID      uint64
	SessionVersion uint64
	Origin         string
	Address        string
	Media          []Media

	raw *sdp.SessionDescription
}

// Raw исходное описание pion/sdp
func (d *Description) Raw() *sdp.SessionDescription { return d.raw }

// Audio первая аудио строка с RTP/AVP и ненулевым портом
func (d *Description) Audio() (*Media, int, bool) {
	for i := range d.Media {
		m := &d.Media[i]
		if m.Type == "audio" && m.Port != 0 && m.Proto == "RTP/AVP" {
			return m, i, true
		}
	}
	return nil, -1, false
}

// Parse разбирает SDP тело. Любая ошибка возвращается как UnsupportedMedia.
func Parse(body []byte) (*Description, error) {
	raw := &sdp.SessionDescription{}
	if err := raw.Unmarshal(body); err != nil {
		return nil, siperrors.Wrap(siperrors.ErrUnsupportedMedia, err, "parse SDP")
	}

	d := &Description{
		SessionID:      raw.Origin.SessionID,
		SessionVersion: raw.Origin.SessionVersion,
		Origin:         raw.Origin.UnicastAddress,
		raw:            raw,
	}
	if raw.ConnectionInformation != nil && raw.ConnectionInformation.Address != nil {
		d.Address = raw.ConnectionInformation.Address.Address
	}

	sessionDir := DirectionSendRecv
	for _, a := range raw.Attributes {
		if dir, ok := parseDirection(a.Key); ok {
			sessionDir = dir
		}
	}

	for _, md := range raw.MediaDescriptions {
		m, err := parseMedia(md, d.Address, sessionDir)
		if err != nil {
			return nil, siperrors.Wrap(siperrors.ErrUnsupportedMedia, err, "parse SDP media")
		}
		d.Media = append(d.Media, m)
	}
	if len(d.Media) == 0 {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "SDP without media")
	}
	return d, nil
}

func parseDirection(key string) (Direction, bool) {
	switch Direction(key) {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return Direction(key), true
	}
	return "", false
}

func parseMedia(md *sdp.MediaDescription, sessionAddr string, dir Direction) (Media, error) {
	m := Media{
		Type:      md.MediaName.Media,
		Port:      md.MediaName.Port.Value,
		Proto:     strings.Join(md.MediaName.Protos, "/"),
		Address:   sessionAddr,
		Direction: dir,
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		m.Address = md.ConnectionInformation.Address.Address
	}
	if m.Address == "" && m.Port != 0 {
		return m, fmt.Errorf("no connection address for %s", m.Type)
	}

	rtpmaps := make(map[uint8]Format)
	fmtps := make(map[uint8]string)
	for _, a := range md.Attributes {
		if d, ok := parseDirection(a.Key); ok {
			m.Direction = d
			continue
		}
		switch a.Key {
		case "rtpmap":
			if f, err := parseRtpmap(a.Value); err == nil {
				rtpmaps[f.PayloadType] = f
			}
		case "fmtp":
			pt, params, ok := strings.Cut(a.Value, " ")
			if n, err := strconv.ParseUint(pt, 10, 8); ok && err == nil {
				fmtps[uint8(n)] = strings.TrimSpace(params)
			}
		case "rtcp-mux":
			m.RTCPMux = true
		case "rtcp":
			port, _, _ := strings.Cut(a.Value, " ")
			if n, err := strconv.Atoi(port); err == nil {
				m.RTCPPort = n
			}
		case "ptime":
			if n, err := strconv.ParseFloat(a.Value, 64); err == nil && n > 0 {
				m.Ptime = time.Duration(n * float64(time.Millisecond))
			}
		case "crypto":
			m.Crypto = append(m.Crypto, a.Value)
		}
	}

	for _, f := range md.MediaName.Formats {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			// не RTP формат (например в application m= строке)
			continue
		}
		pt := uint8(n)
		format, ok := rtpmaps[pt]
		if !ok {
			format, ok = staticFormats[pt]
		}
		if !ok {
			format = Format{PayloadType: pt}
		}
		format.Fmtp = fmtps[pt]
		m.Formats = append(m.Formats, format)
	}
	return m, nil
}

// parseRtpmap разбирает "<pt> <name>/<clock>[/<channels>]"
func parseRtpmap(value string) (Format, error) {
	pt, encoding, ok := strings.Cut(value, " ")
	if !ok {
		return Format{}, fmt.Errorf("invalid rtpmap %q", value)
	}
	n, err := strconv.ParseUint(pt, 10, 8)
	if err != nil {
		return Format{}, fmt.Errorf("invalid rtpmap payload type %q", pt)
	}
	parts := strings.Split(strings.TrimSpace(encoding), "/")
	f := Format{PayloadType: uint8(n), Name: parts[0], Channels: 1}
	if len(parts) > 1 {
		clock, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Format{}, fmt.Errorf("invalid rtpmap clock rate %q", parts[1])
		}
		f.ClockRate = uint32(clock)
	}
	if len(parts) > 2 {
		if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			f.Channels = uint16(ch)
		}
	}
	return f, nil
}
