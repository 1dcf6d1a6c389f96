package call_manager

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/media"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	"github.com/arzzra/soft_pbx/pkg/rtp"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// Reason причина завершения вызова
type Reason string

const (
	ReasonLocalHangup      Reason = "LocalHangup"
	ReasonRemoteHangup     Reason = "RemoteHangup"
	ReasonPeerHangup       Reason = "PeerHangup"
	ReasonCancelled        Reason = "Cancelled"
	ReasonRejected         Reason = "Rejected"
	ReasonRouteFailed      Reason = "RouteFailed"
	ReasonMediaFailure     Reason = "MediaFailure"
	ReasonNoAnswer         Reason = "NoAnswer"
	ReasonSignalingTimeout Reason = "SignalingTimeout"
	ReasonTransferred      Reason = "Transferred"
	ReasonShutdown         Reason = "Shutdown"
	ReasonInternalError    Reason = "InternalError"
)

// DigitSource способ доставки цифры
type DigitSource string

const (
	DigitSourceRTP  DigitSource = "rfc2833"
	DigitSourceINFO DigitSource = "info"
)

// Event событие жизненного цикла вызова. Набор вариантов закрыт:
// Ringing, Answered, Held, Resumed, MediaUpdated, DigitDetected,
// QualityReport, TransferRequested, Terminated.
type Event interface {
	Meta() EventMeta
	event()
}

// EventMeta общие поля событий. Seq растет монотонно в пределах вызова.
type EventMeta struct {
	Handle Handle
	CallID string
	Seq    uint64
	At     time.Time
	// Headers X-* заголовки исходного INVITE
	Headers map[string]string
}

// Meta возвращает общие поля
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) event() {}

// Ringing вызываемая сторона получила вызов (18x)
type Ringing struct {
	EventMeta
	Code int
}

// Answered диалог подтвержден, медиа согласовано
type Answered struct {
	EventMeta
	Codec media_sdp.Format
	// Application из решения диалплана для локально отвеченных вызовов
	Application string
	Media       MediaHandle
}

// Held медиа поставлено на удержание. Remote: удержание инициировала
// удаленная сторона.
type Held struct {
	EventMeta
	Remote bool
}

// Resumed удержание снято
type Resumed struct {
	EventMeta
	Remote bool
}

// MediaUpdated параметры медиа изменились без смены удержания
type MediaUpdated struct {
	EventMeta
	Codec     media_sdp.Format
	RemoteRTP *net.UDPAddr
}

// DigitDetected одна цифра DTMF
type DigitDetected struct {
	EventMeta
	Digit    media.Digit
	Duration time.Duration
	Source   DigitSource
}

// QualityReport периодический отчет RTCP монитора
type QualityReport struct {
	EventMeta
	Report rtp.QualityReport
}

// TransferRequested удаленная сторона прислала REFER
type TransferRequested struct {
	EventMeta
	Target     *types.Address
	ReferredBy string
}

// Terminated вызов завершен, ресурсы освобождены. Code: код финального
// ответа, если вызов завершился отказом.
type Terminated struct {
	EventMeta
	Reason Reason
	Code   int
}

// Subscriber получатель событий. Каждый подписчик обслуживается своей
// горутиной, события одного вызова приходят по порядку.
type Subscriber interface {
	OnCallEvent(Event)
}

// SubscriberFunc функция как Subscriber
type SubscriberFunc func(Event)

// OnCallEvent вызывает f
func (f SubscriberFunc) OnCallEvent(e Event) { f(e) }

// dispatcher очередь событий одного подписчика
type dispatcher struct {
	sub Subscriber
	log *logrus.Entry

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(sub Subscriber, log *logrus.Entry) *dispatcher {
	d := &dispatcher{
		sub:  sub,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}
	}
}

func (d *dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("паника в подписчике событий")
		}
	}()
	d.sub.OnCallEvent(e)
}

// close доставляет накопленные события и останавливает горутину
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
