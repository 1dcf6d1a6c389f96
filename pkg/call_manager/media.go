package call_manager

import (
	"errors"
	"sync"
	"time"

	"github.com/arzzra/soft_pbx/pkg/media"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	"github.com/arzzra/soft_pbx/pkg/rtp"
)

// ErrNoMedia у вызова нет медиа сессии
var ErrNoMedia = errors.New("call has no media session")

// MediaHandle доступ приложений (голосовая почта, запись, IVR) к аудио
// вызова. Кадры передаются в согласованном кодеке без перекодирования.
type MediaHandle interface {
	// Write отправляет один кадр длительностью ptime
	Write(payload []byte) error
	// Subscribe подписывает fn на кадры после джиттер буфера. fn вызывается
	// из цикла RTP сессии и не должен блокироваться. Возвращает отписку.
	Subscribe(fn func(media.Frame)) (cancel func())
	// SendDigit отправляет цифру RFC 2833
	SendDigit(digit media.Digit, duration time.Duration) error
	// Codec согласованный кодек
	Codec() media_sdp.Format
}

type mediaHandle struct {
	session *rtp.Session

	mu     sync.Mutex
	codec  media_sdp.Format
	dtmf   bool
	subs   map[uint64]func(media.Frame)
	nextID uint64
}

func newMediaHandle(session *rtp.Session) *mediaHandle {
	return &mediaHandle{session: session, subs: make(map[uint64]func(media.Frame))}
}

func (h *mediaHandle) Write(payload []byte) error {
	return h.session.Write(payload)
}

func (h *mediaHandle) Subscribe(fn func(media.Frame)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *mediaHandle) SendDigit(digit media.Digit, duration time.Duration) error {
	h.mu.Lock()
	dtmf := h.dtmf
	h.mu.Unlock()
	if !dtmf {
		return rtp.ErrNoDTMF
	}
	return h.session.SendDigit(digit, duration)
}

func (h *mediaHandle) Codec() media_sdp.Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codec
}

func (h *mediaHandle) negotiated(n *media_sdp.Negotiation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codec = n.Codec
	h.dtmf = n.TelephoneEvent != nil
}

// deliver раздает кадр подписчикам, вызывается циклом сессии
func (h *mediaHandle) deliver(f media.Frame) {
	h.mu.Lock()
	if len(h.subs) == 0 {
		h.mu.Unlock()
		return
	}
	subs := make([]func(media.Frame), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
}

// relay пересылает кадры из src в dst, потерянные кадры пропускаются
func relay(src, dst *mediaHandle) func() {
	return src.Subscribe(func(f media.Frame) {
		if f.Lost || len(f.Payload) == 0 {
			return
		}
		_ = dst.Write(f.Payload)
	})
}
