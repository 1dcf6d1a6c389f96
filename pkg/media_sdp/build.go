package media_sdp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

// DefaultSessionName значение s= строки
const DefaultSessionName = "soft_pbx"

// MediaParams локальные параметры аудио потока
type MediaParams struct {
	Port      int
	Formats   []Format
	Direction Direction
	Ptime     time.Duration
	RTCPMux   bool
}

// LocalSession локальная сторона offer/answer одного вызова. Хранит
// идентификатор сессии и версию o= строки, которая растет с каждым
// новым описанием (RFC 3264 8).
type LocalSession struct {
	mu       sync.Mutex
	id       uint64
	version  uint64
	username string
	name     string
	address  string
}

// NewLocalSession создает сессию, объявляющую address в o= и c= строках
func NewLocalSession(address string) *LocalSession {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// NTP-подобное значение, не больше 2^62 (RFC 4566 5.2)
	id := binary.BigEndian.Uint64(b[:]) >> 2
	return &LocalSession{
		id:       id,
		version:  id,
		username: "-",
		name:     DefaultSessionName,
		address:  address,
	}
}

// ID идентификатор сессии
func (s *LocalSession) ID() uint64 { return s.id }

// Version версия последнего построенного описания
func (s *LocalSession) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Address адрес медиа
func (s *LocalSession) Address() string { return s.address }

// BuildOffer строит offer с одним аудио потоком
func (s *LocalSession) BuildOffer(p MediaParams) ([]byte, error) {
	if len(p.Formats) == 0 {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "offer without formats")
	}
	desc := s.newDescription()
	desc.MediaDescriptions = []*sdp.MediaDescription{audioMedia(p)}
	return desc.Marshal()
}

// BuildAnswer строит answer на offer по результату Negotiate. Количество
// m= строк совпадает с offer, непринятые строки получают порт 0.
func (s *LocalSession) BuildAnswer(offer *Description, n *Negotiation, p MediaParams) ([]byte, error) {
	if n == nil {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "answer without negotiation")
	}
	formats := []Format{n.Codec}
	if n.TelephoneEvent != nil {
		formats = append(formats, *n.TelephoneEvent)
	}
	p.Formats = formats
	p.RTCPMux = p.RTCPMux && n.RTCPMux
	if p.Ptime == 0 {
		p.Ptime = n.Ptime
	}

	desc := s.newDescription()
	for i, m := range offer.Media {
		if i == n.MediaIndex {
			desc.MediaDescriptions = append(desc.MediaDescriptions, audioMedia(p))
			continue
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, rejectedMedia(m))
	}
	return desc.Marshal()
}

func (s *LocalSession) newDescription() *sdp.SessionDescription {
	s.mu.Lock()
	s.version++
	version := s.version
	s.mu.Unlock()

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       s.username,
			SessionID:      s.id,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addressType(s.address),
			UnicastAddress: s.address,
		},
		SessionName: sdp.SessionName(s.name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(s.address),
			Address:     &sdp.Address{Address: s.address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func audioMedia(p MediaParams) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: p.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, f := range p.Formats {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(f.PayloadType)))
	}
	for _, f := range p.Formats {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", rtpmap(f)))
		if f.Fmtp != "" {
			md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", f.PayloadType, f.Fmtp)))
		}
	}
	if p.Ptime > 0 {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(int(p.Ptime/time.Millisecond))))
	}
	if p.RTCPMux {
		md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute("rtcp-mux"))
	}
	dir := p.Direction
	if dir == "" {
		dir = DirectionSendRecv
	}
	md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute(string(dir)))
	return md
}

func rejectedMedia(m Media) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  m.Type,
			Port:   sdp.RangedPort{Value: 0},
			Protos: strings.Split(m.Proto, "/"),
		},
	}
	if len(m.Formats) > 0 {
		md.MediaName.Formats = []string{strconv.Itoa(int(m.Formats[0].PayloadType))}
	} else {
		md.MediaName.Formats = []string{"0"}
	}
	return md
}

func rtpmap(f Format) string {
	s := fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
	if f.Channels > 1 {
		s += "/" + strconv.Itoa(int(f.Channels))
	}
	return s
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}

// LocalFormats форматы для offer по списку кодеков конфигурации
func LocalFormats(codecs []string, telephoneEvent bool) []Format {
	formats := make([]Format, 0, len(codecs)+1)
	for _, name := range codecs {
		if f, ok := FormatByName(name); ok {
			formats = append(formats, f)
		}
	}
	if telephoneEvent {
		formats = append(formats, TelephoneEventFormat(DefaultTelephoneEventPT))
	}
	return formats
}
