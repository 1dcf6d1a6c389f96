package media_sdp

import (
	"net"
	"strings"
	"time"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

// Negotiation результат согласования одной аудио строки
type Negotiation struct {
	// MediaIndex индекс m= строки в offer
	MediaIndex int
	Codec      Format
	// TelephoneEvent nil, если удаленная сторона не предложила DTMF события
	TelephoneEvent *Format
	RemoteRTP      *net.UDPAddr
	RemoteRTCP     *net.UDPAddr
	RTCPMux        bool
	// RemoteDirection направление, объявленное удаленной стороной
	RemoteDirection Direction
	Ptime           time.Duration
	Crypto          []string
}

// Hold удаленная сторона не принимает медиа
func (n *Negotiation) Hold() bool {
	return !n.RemoteDirection.Receives() || (n.RemoteRTP != nil && n.RemoteRTP.IP.IsUnspecified())
}

// Negotiate выбирает первый кодек из offer (в порядке отправителя),
// который есть в списке локальных prefs. telephone-event добавляется,
// если был предложен.
func Negotiate(offer *Description, prefs []string) (*Negotiation, error) {
	media, idx, ok := offer.Audio()
	if !ok {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "no audio RTP/AVP stream offered")
	}

	supported := make(map[string]bool, len(prefs))
	for _, p := range prefs {
		supported[strings.ToUpper(p)] = true
	}

	n := &Negotiation{
		MediaIndex:      idx,
		RTCPMux:         media.RTCPMux,
		RemoteDirection: media.Direction,
		Ptime:           media.Ptime,
		Crypto:          media.Crypto,
	}
	found := false
	for _, f := range media.Formats {
		if f.IsTelephoneEvent() {
			if n.TelephoneEvent == nil && f.ClockRate == 8000 {
				te := f
				n.TelephoneEvent = &te
			}
			continue
		}
		if !found && supported[strings.ToUpper(f.Name)] {
			n.Codec = f
			found = true
		}
	}
	if !found {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "no common codec in %v", formatNames(media.Formats))
	}

	var err error
	if n.RemoteRTP, err = media.RTPAddr(); err != nil {
		return nil, siperrors.Wrap(siperrors.ErrUnsupportedMedia, err, "remote media address")
	}
	if n.RemoteRTCP, err = media.RTCPAddr(); err != nil {
		return nil, siperrors.Wrap(siperrors.ErrUnsupportedMedia, err, "remote RTCP address")
	}
	return n, nil
}

// Update согласует новое описание (re-INVITE) с сохранением текущего
// кодека. Если кодек исчез из предложения, возвращается UnsupportedMedia.
func (n *Negotiation) Update(offer *Description) (*Negotiation, error) {
	return Negotiate(offer, []string{n.Codec.Name})
}

func formatNames(formats []Format) []string {
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		if f.Name == "" {
			names = append(names, "?")
			continue
		}
		names = append(names, f.Name)
	}
	return names
}
