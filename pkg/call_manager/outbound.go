package call_manager

import (
	"net"
	"sort"
	"time"

	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

type outboundParams struct {
	target  *types.URI
	nextHop *net.UDPAddr
	from    *types.Address
	codecs  []string
	dtmf    bool
	headers map[string]string
	// peer плечо, с которым соединяется новый вызов
	peer Handle
	// replaces плечо, которое завершается после ответа (перевод)
	replaces Handle
	// timeout предел ожидания ответа, 0 значение менеджера
	timeout time.Duration
}

// startOutbound создает исходящее плечо: RTP сессия, offer, диалог UAC.
// INVITE отправляет горутина нового вызова.
func (m *Manager) startOutbound(p outboundParams) (*Call, error) {
	dest := p.nextHop
	if dest == nil {
		var err error
		if dest, err = p.target.UDPAddr(); err != nil {
			return nil, siperrors.Wrap(siperrors.ErrTransportFailure, err, "resolve target")
		}
	}

	from := p.from.Clone()
	from.SetTag(dialog.NewTag())
	req, err := builder.NewRequest(types.MethodINVITE, p.target.Clone()).
		From(from).
		To(types.NewAddress("", p.target.Clone())).
		CallID(dialog.NewCallID(m.contact.URI.Host)).
		CSeq(1).
		Contact(m.contact).
		Header(types.HeaderAllow, allowMethods).
		Build()
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(p.headers) {
		req.SetHeader(name, p.headers[name])
	}
	if m.userAgent != "" {
		req.SetHeader(types.HeaderUserAgent, m.userAgent)
	}

	formats := media_sdp.LocalFormats(p.codecs, p.dtmf)
	if len(formats) == 0 || formats[0].IsTelephoneEvent() {
		return nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "no known codec in %v", p.codecs)
	}
	var te *media_sdp.Format
	if p.dtmf {
		f := formats[len(formats)-1]
		te = &f
	}

	d, err := dialog.NewUAC(req)
	if err != nil {
		return nil, err
	}
	if p.nextHop != nil {
		d.SetNextHop(p.nextHop)
	}
	c := m.newCall(d, DirectionOutbound)
	c.headers = p.headers
	c.peer = p.peer
	c.replaces = p.replaces
	c.offered = p.codecs

	if err := c.openMedia(formats[0], te, m.session.RTCPMux); err != nil {
		return nil, err
	}
	offer, err := c.sdp.BuildOffer(media_sdp.MediaParams{
		Port:      c.session.Port(),
		Formats:   formats,
		Direction: media_sdp.DirectionSendRecv,
		Ptime:     m.session.PacketTime,
		RTCPMux:   c.session.RTCPMux(),
	})
	if err != nil {
		c.closeMedia()
		return nil, err
	}
	req.SetBody(dialog.ContentTypeSDP, offer)

	if err := m.launch(c); err != nil {
		c.closeMedia()
		return nil, err
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = m.ringTimeout
	}
	if err := c.send(func(c *Call) { c.sendInvite(req, dest, timeout) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Call) sendInvite(req *types.Request, dest *net.UDPAddr, timeout time.Duration) {
	c.log.WithField("target", req.RequestURI.String()).Info("исходящий INVITE")
	tx, err := c.m.tx.Request(req, dest, transaction.ClientCallbacks{
		OnResponse: func(_ *transaction.ClientTransaction, resp *types.Response) {
			_ = c.send(func(c *Call) { c.handleInviteResponse(resp) })
		},
		OnTerminated: func(_ *transaction.ClientTransaction, err error) {
			_ = c.send(func(c *Call) { c.outTxDone(err) })
		},
	})
	if err != nil {
		c.log.WithError(err).Warn("INVITE не отправлен")
		c.failPeer(types.StatusServiceUnavailable)
		c.finish(ReasonInternalError, 0)
		return
	}
	c.outTx = tx
	if timeout > 0 {
		c.ringTimer = time.AfterFunc(timeout, func() {
			_ = c.post(func(c *Call) { c.ringExpired() })
		})
	}
}

// ringExpired исходящее плечо не ответило вовремя: CANCEL, вызов
// завершится финальным ответом на INVITE
func (c *Call) ringExpired() {
	c.ringTimer = nil
	if c.finished || c.answered {
		return
	}
	c.log.Info("исходящее плечо не ответило")
	c.failPeer(types.StatusTemporarilyUnavailable)
	c.hangup(ReasonNoAnswer)
}

// handleInviteResponse ответ на исходящий INVITE
func (c *Call) handleInviteResponse(resp *types.Response) {
	if c.finished {
		return
	}
	if err := c.dialog.ReceiveResponse(resp); err != nil {
		c.log.WithError(err).Debug("ответ не применен к диалогу")
	}
	if tag := c.dialog.RemoteTag(); tag != "" {
		c.m.registry.indexRemote(c, tag)
	}

	switch {
	case resp.StatusCode == types.StatusTrying:
	case resp.IsProvisional():
		if !c.ringing {
			c.ringing = true
			c.emit(Ringing{EventMeta: c.meta(), Code: resp.StatusCode})
		}
		if !c.peer.IsZero() && c.replaces.IsZero() {
			from, code := c.handle, resp.StatusCode
			c.m.postTo(c.peer, func(p *Call) { p.peerProgress(from, code) })
		}
	case resp.IsSuccess():
		c.answered = true
		c.stopRingTimer()
		c.sendACK(resp)
		if c.pendingHangup {
			c.confirmed = true
			c.sendBye(c.hangupReason)
			return
		}
		if err := c.acceptAnswer(resp); err != nil {
			c.log.WithError(err).Warn("answer не согласован")
			c.confirmed = true
			c.failPeer(types.StatusNotAcceptableHere)
			c.sendBye(ReasonMediaFailure)
			return
		}
		c.confirmed = true
		c.emit(Answered{
			EventMeta: c.meta(),
			Codec:     c.negotiation.Codec,
			Media:     c.mediaHandle(),
		})
		c.log.WithField("codec", c.negotiation.Codec.Name).Info("вызов установлен")
		c.announceAnswer()
	default:
		reason := ReasonRejected
		if c.pendingHangup {
			reason = c.hangupReason
		}
		c.log.WithField("status", resp.StatusCode).Info("исходящий вызов отклонен")
		c.failPeer(resp.StatusCode)
		c.finish(reason, resp.StatusCode)
	}
}

// announceAnswer сообщает второму плечу об ответе: обычное соединение
// или завершение перевода
func (c *Call) announceAnswer() {
	if c.peer.IsZero() {
		return
	}
	from, replaced := c.handle, c.replaces
	if replaced.IsZero() {
		c.m.postTo(c.peer, func(p *Call) { p.peerAnswered(from) })
		return
	}
	c.replaces = Handle{}
	if !c.m.postTo(c.peer, func(p *Call) { p.rebridge(from, replaced) }) {
		c.peer = Handle{}
		c.hangup(ReasonPeerHangup)
	}
}

// acceptAnswer согласует answer и запускает медиа
func (c *Call) acceptAnswer(resp *types.Response) error {
	if len(resp.Body()) == 0 {
		return siperrors.Newf(siperrors.ErrUnsupportedMedia, "2xx without answer")
	}
	answer, err := media_sdp.Parse(resp.Body())
	if err != nil {
		return err
	}
	n, err := media_sdp.Negotiate(answer, c.offered)
	if err != nil {
		return err
	}
	c.startMedia(n)
	return nil
}

// sendACK ACK на 2xx вне транзакции. Повтор 2xx получает тот же ACK.
func (c *Call) sendACK(resp *types.Response) {
	ack, err := c.dialog.ACK(resp)
	if err != nil {
		c.log.WithError(err).Warn("ACK не построен")
		return
	}
	dest, err := c.dialog.NextHop()
	if err != nil {
		c.log.WithError(err).Warn("нет адреса для ACK")
		return
	}
	if err := c.m.tx.SendACK(ack, dest); err != nil {
		c.log.WithError(err).Warn("ACK не отправлен")
	}
}

// handleStray повтор 2xx на INVITE или re-INVITE: ACK потерялся
func (c *Call) handleStray(resp *types.Response) {
	if c.finished || !resp.IsSuccess() {
		return
	}
	if cseq, err := resp.CSeq(); err != nil || cseq.Method != types.MethodINVITE {
		return
	}
	if c.confirmed || (c.dir == DirectionOutbound && c.answered) {
		c.sendACK(resp)
	}
}

// outTxDone клиентская транзакция исходного INVITE завершилась
func (c *Call) outTxDone(err error) {
	if c.finished || c.answered || err == nil {
		return
	}
	c.log.WithError(err).Warn("INVITE без финального ответа")
	code := types.StatusRequestTimeout
	reason := ReasonSignalingTimeout
	if !siperrors.IsTimeout(err) {
		code = siperrors.StatusCode(err)
		reason = ReasonInternalError
	}
	c.failPeer(code)
	c.finish(reason, code)
}

// transfer новый INVITE к target для второго плеча, это плечо
// завершается после ответа target
func (c *Call) transfer(target *types.URI) error {
	if !c.confirmed {
		return ErrNotConfirmed
	}
	if c.peer.IsZero() {
		return ErrNotBridged
	}
	p, ok := c.m.registry.resolve(c.peer)
	if !ok {
		return ErrNotBridged
	}
	pm := p.mediaHandle()
	if pm == nil {
		return ErrNoMedia
	}

	identity := p.dialog.RemoteAddress()
	from := types.NewAddress(identity.DisplayName,
		types.NewSipURI(identity.URI.User, c.m.contact.URI.Host, c.m.contact.URI.Port))
	codec := pm.Codec()
	_, err := c.m.startOutbound(outboundParams{
		target:   target,
		from:     from,
		codecs:   []string{codec.Name},
		dtmf:     c.m.dtmf,
		headers:  c.headers,
		peer:     c.peer,
		replaces: c.handle,
	})
	if err != nil {
		return err
	}
	c.log.WithField("target", target.String()).Info("перевод вызова")
	return nil
}

// rebridge новое плечо from ответило: соединяем с ним медиа и завершаем
// замененное плечо
func (c *Call) rebridge(from, replaced Handle) {
	if c.finished || c.terminating {
		c.m.postTo(from, func(n *Call) {
			n.peer = Handle{}
			n.hangup(ReasonPeerHangup)
		})
		return
	}
	c.unlink()
	c.peer = from
	if err := c.link(from); err != nil {
		c.log.WithError(err).Warn("медиа после перевода не соединено")
	}
	self := c.handle
	c.m.postTo(replaced, func(o *Call) {
		if o.peer == self {
			o.peer = Handle{}
		}
		o.hangup(ReasonTransferred)
	})
	c.emit(MediaUpdated{EventMeta: c.meta(), Codec: c.negotiation.Codec, RemoteRTP: c.session.Remote()})
	c.log.WithField("peer", from.String()).Info("вызов переведен")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
