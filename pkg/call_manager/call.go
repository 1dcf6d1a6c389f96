package call_manager

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/media"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	"github.com/arzzra/soft_pbx/pkg/rtp"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

// Direction направление плеча
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// command сообщение почтового ящика, выполняется горутиной вызова
type command func(c *Call)

// Call один SIP диалог и его RTP сессия. Все поля ниже quit принадлежат
// горутине вызова.
type Call struct {
	m       *Manager
	handle  Handle
	dir     Direction
	dialog  *dialog.Dialog
	log     *logrus.Entry
	created time.Time

	mailbox chan command
	quit    chan struct{}
	media   atomic.Pointer[mediaHandle]

	finished    bool
	terminating bool
	seq         uint64
	headers     map[string]string
	decision    RoutingDecision
	remoteTags  []string

	// входящее плечо
	inviteTx *transaction.ServerTransaction
	offer    *media_sdp.Description
	rejected bool
	endCode  int
	endWhy   Reason

	// исходящее плечо
	outTx   *transaction.ClientTransaction
	offered []string
	ringing bool

	answered  bool // 2xx на исходный INVITE отправлен или получен
	confirmed bool

	// отложенное завершение: ждем ACK или финальный ответ
	pendingHangup bool
	hangupReason  Reason

	sdp         *media_sdp.LocalSession
	session     *rtp.Session
	negotiation *media_sdp.Negotiation
	localHold   bool
	remoteHold  bool

	peer      Handle
	replaces  Handle
	relays    []func()
	ringTimer *time.Timer
}

func (m *Manager) newCall(d *dialog.Dialog, dir Direction) *Call {
	c := &Call{
		m:       m,
		dir:     dir,
		dialog:  d,
		created: time.Now(),
		mailbox: make(chan command, m.mailbox),
		quit:    make(chan struct{}),
		sdp:     media_sdp.NewLocalSession(m.mediaAddress),
	}
	c.log = m.log.WithFields(logrus.Fields{
		"call_id":   d.CallID(),
		"direction": dir.String(),
	})
	return c
}

// Handle ссылка на вызов
func (c *Call) Handle() Handle { return c.handle }

func (c *Call) run() {
	defer c.m.calls.Done()
	for !c.finished {
		c.exec(<-c.mailbox)
	}
}

func (c *Call) exec(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("паника в обработчике вызова")
			c.crash()
		}
	}()
	cmd(c)
}

// crash завершает только этот вызов
func (c *Call) crash() {
	defer func() {
		if r := recover(); r != nil && !c.finished {
			c.finished = true
			c.m.registry.remove(c)
			close(c.quit)
		}
	}()
	// abort отвечает 500 на неотвеченный входящий INVITE
	c.abort(ReasonInternalError)
}

// post неблокирующая доставка, для транспорта и внешних команд
func (c *Call) post(cmd command) error {
	select {
	case <-c.quit:
		return ErrCallTerminated
	default:
	}
	select {
	case c.mailbox <- cmd:
		return nil
	case <-c.quit:
		return ErrCallTerminated
	default:
		return ErrMailboxFull
	}
}

// send блокирующая доставка, для колбэков транзакций, которые нельзя
// потерять
func (c *Call) send(cmd command) error {
	select {
	case c.mailbox <- cmd:
		return nil
	case <-c.quit:
		return ErrCallTerminated
	}
}

func (c *Call) meta() EventMeta {
	c.seq++
	return EventMeta{
		Handle:  c.handle,
		CallID:  c.dialog.CallID(),
		Seq:     c.seq,
		At:      time.Now(),
		Headers: c.headers,
	}
}

func (c *Call) emit(e Event) { c.m.emit(e) }

func (c *Call) mediaHandle() *mediaHandle { return c.media.Load() }

// openMedia занимает порты и создает RTP сессию
func (c *Call) openMedia(codec media_sdp.Format, dtmf *media_sdp.Format, mux bool) error {
	cfg := c.m.session
	cfg.PayloadType = codec.PayloadType
	if codec.ClockRate != 0 {
		cfg.ClockRate = codec.ClockRate
	}
	cfg.RTCPMux = mux
	cfg.DTMF = dtmf != nil
	if dtmf != nil {
		cfg.DTMFPayloadType = dtmf.PayloadType
	}

	var mh *mediaHandle
	session, err := rtp.NewSession(c.m.ctx, c.m.pool, c.m.ssrcs, cfg,
		rtp.WithLogger(c.log),
		rtp.WithHandlers(rtp.Handlers{
			OnFrame: func(f media.Frame) { mh.deliver(f) },
			OnDigit: func(ev media.DigitEvent) {
				_ = c.post(func(c *Call) {
					c.digit(ev.Event, time.Duration(ev.DurationMs)*time.Millisecond, DigitSourceRTP)
				})
			},
			OnQuality: func(r rtp.QualityReport) {
				_ = c.post(func(c *Call) { c.emit(QualityReport{EventMeta: c.meta(), Report: r}) })
			},
		}))
	if err != nil {
		return err
	}
	mh = newMediaHandle(session)
	c.session = session
	c.media.Store(mh)
	return nil
}

// startMedia применяет результат согласования и запускает сессию
func (c *Call) startMedia(n *media_sdp.Negotiation) {
	c.negotiation = n
	c.session.SetPayloadType(n.Codec.PayloadType)
	c.session.SetRemote(n.RemoteRTP, n.RemoteRTCP, n.RTCPMux)
	c.session.SetSending(!n.Hold())
	c.remoteHold = n.Hold()
	c.mediaHandle().negotiated(n)
	c.session.Start()
}

func (c *Call) closeMedia() {
	for _, cancel := range c.relays {
		cancel()
	}
	c.relays = nil
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.WithError(err).Debug("закрытие RTP сессии")
		}
	}
}

// mediaParams локальная медиа строка для offer/answer
func (c *Call) mediaParams(dir media_sdp.Direction) media_sdp.MediaParams {
	return media_sdp.MediaParams{
		Port:      c.session.Port(),
		Direction: dir,
		Ptime:     c.m.session.PacketTime,
		RTCPMux:   c.session.RTCPMux(),
	}
}

func (c *Call) negotiatedFormats() []media_sdp.Format {
	formats := []media_sdp.Format{c.negotiation.Codec}
	if c.negotiation.TelephoneEvent != nil {
		formats = append(formats, *c.negotiation.TelephoneEvent)
	}
	return formats
}

// digit публикует цифру и передает ее второму плечу
func (c *Call) digit(d media.Digit, duration time.Duration, source DigitSource) {
	c.emit(DigitDetected{EventMeta: c.meta(), Digit: d, Duration: duration, Source: source})
	if c.peer.IsZero() {
		return
	}
	p, ok := c.m.registry.resolve(c.peer)
	if !ok {
		return
	}
	if pm := p.mediaHandle(); pm != nil {
		if err := pm.SendDigit(d, duration); err != nil {
			c.log.WithError(err).Debug("цифра не передана второму плечу")
		}
	}
}

// link соединяет медиа с вызовом peer в обе стороны
func (c *Call) link(peer Handle) error {
	p, ok := c.m.registry.resolve(peer)
	if !ok {
		return ErrCallNotFound
	}
	mine, theirs := c.mediaHandle(), p.mediaHandle()
	if mine == nil || theirs == nil {
		return ErrNoMedia
	}
	c.relays = append(c.relays, relay(mine, theirs), relay(theirs, mine))
	return nil
}

func (c *Call) unlink() {
	for _, cancel := range c.relays {
		cancel()
	}
	c.relays = nil
}

// releasePeer сообщает второму плечу о завершении и забывает его
func (c *Call) releasePeer() {
	if c.peer.IsZero() {
		return
	}
	from := c.handle
	c.m.postTo(c.peer, func(p *Call) { p.peerGone(from) })
	c.peer = Handle{}
}

// failPeer сообщает второму плечу об отказе с кодом code
func (c *Call) failPeer(code int) {
	if c.peer.IsZero() {
		return
	}
	from := c.handle
	c.m.postTo(c.peer, func(p *Call) { p.peerFailed(from, code) })
	c.peer = Handle{}
}

// hangup завершает вызов способом, допустимым в текущем состоянии
func (c *Call) hangup(reason Reason) {
	if c.finished || c.terminating {
		return
	}
	switch {
	case c.dir == DirectionInbound && !c.answered:
		if !c.rejected {
			c.reject(types.StatusRequestTerminated, reason)
		}
	case c.dir == DirectionInbound && !c.confirmed:
		// 2xx отправлен, BYE после ACK
		c.pendingHangup, c.hangupReason = true, reason
	case c.dir == DirectionOutbound && !c.answered:
		c.pendingHangup, c.hangupReason = true, reason
		c.releasePeer()
		if c.outTx == nil {
			c.finish(reason, 0)
			return
		}
		if err := c.outTx.Cancel(); err != nil {
			c.log.WithError(err).Debug("CANCEL не отправлен")
		}
	default:
		c.sendBye(reason)
	}
}

// reject отвечает на исходный INVITE кодом code. Вызов остается в реестре
// до завершения серверной транзакции (ACK или таймаут H).
func (c *Call) reject(code int, reason Reason) {
	c.rejected = true
	c.endCode, c.endWhy = code, reason
	c.stopRingTimer()
	c.releasePeer()
	c.closeMedia()
	resp := c.dialog.Response(c.dialog.Invite(), code, nil)
	c.m.respond(c.inviteTx, resp)
	c.log.WithFields(logrus.Fields{"status": code, "reason": reason}).Info("вызов отклонен")
}

// sendBye отправляет BYE и завершает вызов по окончании его транзакции
func (c *Call) sendBye(reason Reason) {
	c.terminating = true
	c.stopRingTimer()
	c.releasePeer()
	c.closeMedia()

	bye, err := c.dialog.Bye(string(reason))
	if err != nil {
		c.log.WithError(err).Debug("BYE невозможен")
		c.finish(reason, 0)
		return
	}
	dest, err := c.dialog.NextHop()
	if err != nil {
		c.finish(reason, 0)
		return
	}
	c.decorate(bye)
	_, err = c.m.tx.Request(bye, dest, transaction.ClientCallbacks{
		OnTerminated: func(_ *transaction.ClientTransaction, err error) {
			_ = c.send(func(c *Call) {
				c.dialog.ByeCompleted()
				c.finish(reason, 0)
			})
		},
	})
	if err != nil {
		c.log.WithError(err).Warn("ошибка отправки BYE")
		c.finish(reason, 0)
	}
}

// abort немедленное завершение: BYE без ожидания ответа
func (c *Call) abort(reason Reason) {
	if c.finished {
		return
	}
	if c.dir == DirectionOutbound && !c.answered && c.outTx != nil {
		_ = c.outTx.Cancel()
	}
	if c.dir == DirectionInbound && !c.answered && !c.rejected && c.inviteTx != nil {
		status := types.StatusServiceUnavailable
		if reason != ReasonShutdown {
			status = types.StatusServerInternalError
		}
		c.m.respond(c.inviteTx, c.dialog.Response(c.dialog.Invite(), status, nil))
	}
	if !c.terminating {
		if st := c.dialog.State(); st == dialog.StateConfirmed {
			if bye, err := c.dialog.Bye(string(reason)); err == nil {
				if dest, err := c.dialog.NextHop(); err == nil {
					c.decorate(bye)
					_, _ = c.m.tx.Request(bye, dest, transaction.ClientCallbacks{})
				}
			}
		}
	}
	c.finish(reason, 0)
}

// finish освобождает ресурсы и публикует Terminated. Вызывается один раз.
func (c *Call) finish(reason Reason, code int) {
	if c.finished {
		return
	}
	c.finished = true
	c.stopRingTimer()
	c.releasePeer()
	c.closeMedia()
	c.dialog.Terminate(string(reason))
	c.m.registry.remove(c)

	c.log.WithFields(logrus.Fields{
		"reason":   reason,
		"duration": time.Since(c.created).Round(time.Millisecond),
	}).Info("вызов завершен")
	c.emit(Terminated{EventMeta: c.meta(), Reason: reason, Code: code})
	close(c.quit)
}

func (c *Call) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// decorate добавляет общие заголовки исходящих запросов
func (c *Call) decorate(req *types.Request) {
	if c.m.userAgent != "" {
		req.SetHeader(types.HeaderUserAgent, c.m.userAgent)
	}
}

// timedOut транзакция внутри вызова не дождалась ответа
func (c *Call) timedOut(err error) {
	c.log.WithError(err).Warn("таймаут сигнализации")
	c.abort(ReasonSignalingTimeout)
}

// terminationCode код для отказа входящему плечу по ошибке err
func terminationCode(err error) int {
	if code := siperrors.StatusCode(err); code >= 400 {
		return code
	}
	return types.StatusServerInternalError
}

func (c *Call) String() string {
	return fmt.Sprintf("call %s %s", c.handle, c.dialog.CallID())
}
