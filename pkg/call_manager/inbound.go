package call_manager

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

// handleInvite обрабатывает исходный INVITE: маршрутизация, согласование
// медиа, затем ответ локально или второе плечо
func (c *Call) handleInvite(tx *transaction.ServerTransaction, req *types.Request) {
	c.inviteTx = tx
	tx.SetCallbacks(transaction.ServerCallbacks{
		OnTerminated: func(_ *transaction.ServerTransaction, err error) {
			_ = c.send(func(c *Call) { c.inviteTxDone(err) })
		},
	})
	if trying, err := c.dialog.Provisional(types.StatusTrying, nil); err == nil {
		c.m.respond(tx, trying)
	}

	from, _ := req.From()
	to, _ := req.To()
	if c.m.requireKnown && c.m.directory != nil && !c.m.directory.Known(from.URI) {
		c.reject(types.StatusForbidden, ReasonRejected)
		return
	}

	decision, err := c.m.router.Route(c.m.ctx, req.RequestURI, CallerContext{
		CallID:  req.CallID(),
		From:    from,
		To:      to,
		Source:  req.Source(),
		Headers: c.headers,
	})
	switch {
	case errors.Is(err, ErrRouteNotFound):
		c.reject(types.StatusNotFound, ReasonRouteFailed)
		return
	case errors.Is(err, ErrRouteUnavailable):
		c.reject(types.StatusTemporarilyUnavailable, ReasonRouteFailed)
		return
	case err != nil:
		c.log.WithError(err).Error("ошибка диалплана")
		c.reject(types.StatusServerInternalError, ReasonRouteFailed)
		return
	}
	c.decision = decision
	c.log.WithField("action", decision.Action).Debug("решение диалплана")

	if decision.Action == ActionReject {
		code := decision.Code
		if code < 300 {
			code = types.StatusDecline
		}
		c.reject(code, ReasonRejected)
		return
	}

	offer, n, err := c.negotiateOffer(req)
	if err != nil {
		c.log.WithError(err).Info("медиа не согласовано")
		c.reject(types.StatusNotAcceptableHere, ReasonMediaFailure)
		return
	}
	c.offer = offer
	if err := c.openMedia(n.Codec, n.TelephoneEvent, n.RTCPMux && c.m.session.RTCPMux); err != nil {
		c.log.WithError(err).Warn("нет RTP портов")
		c.reject(terminationCode(err), ReasonMediaFailure)
		return
	}
	c.negotiation = n

	switch decision.Action {
	case ActionAnswer:
		c.answer()
	case ActionBridge:
		c.bridge(decision, from)
	default:
		c.reject(types.StatusServerInternalError, ReasonRouteFailed)
	}
}

// negotiateOffer разбирает SDP INVITE. INVITE без SDP не поддерживается.
func (c *Call) negotiateOffer(req *types.Request) (*media_sdp.Description, *media_sdp.Negotiation, error) {
	if len(req.Body()) == 0 {
		return nil, nil, siperrors.Newf(siperrors.ErrUnsupportedMedia, "INVITE without offer")
	}
	offer, err := media_sdp.Parse(req.Body())
	if err != nil {
		return nil, nil, err
	}
	n, err := media_sdp.Negotiate(offer, c.m.codecs)
	if err != nil {
		return nil, nil, err
	}
	if !c.m.dtmf {
		n.TelephoneEvent = nil
	}
	return offer, n, nil
}

// accept отправляет 200 OK с answer и запускает медиа
func (c *Call) accept() error {
	dir := c.negotiation.RemoteDirection.Reverse()
	body, err := c.sdp.BuildAnswer(c.offer, c.negotiation, c.mediaParams(dir))
	if err != nil {
		return err
	}
	resp, err := c.dialog.Accept(body)
	if err != nil {
		return err
	}
	resp.SetHeader(types.HeaderAllow, allowMethods)
	c.startMedia(c.negotiation)
	c.answered = true
	c.m.respond(c.inviteTx, resp)
	return nil
}

// answer локальный ответ, медиа отдается приложению
func (c *Call) answer() {
	if err := c.accept(); err != nil {
		c.log.WithError(err).Warn("не удалось ответить")
		c.reject(types.StatusNotAcceptableHere, ReasonMediaFailure)
	}
}

// bridge создает второе плечо к decision.Target
func (c *Call) bridge(decision RoutingDecision, caller *types.Address) {
	if decision.Target == nil {
		c.reject(types.StatusServerInternalError, ReasonRouteFailed)
		return
	}
	headers := make(map[string]string, len(c.headers)+len(decision.Headers))
	for k, v := range c.headers {
		headers[k] = v
	}
	for k, v := range decision.Headers {
		headers[k] = v
	}
	from := types.NewAddress(caller.DisplayName,
		types.NewSipURI(caller.URI.User, c.m.contact.URI.Host, c.m.contact.URI.Port))

	b, err := c.m.startOutbound(outboundParams{
		target:  decision.Target,
		nextHop: decision.NextHop,
		from:    from,
		codecs:  []string{c.negotiation.Codec.Name},
		dtmf:    c.negotiation.TelephoneEvent != nil,
		headers: headers,
		peer:    c.handle,
	})
	if err != nil {
		c.log.WithError(err).Warn("второе плечо не создано")
		code := terminationCode(err)
		if errors.Is(err, ErrShuttingDown) {
			code = types.StatusServiceUnavailable
		}
		c.reject(code, ReasonRouteFailed)
		return
	}
	c.peer = b.handle
	c.log.WithFields(logrus.Fields{"peer": b.handle.String(), "target": decision.Target.String()}).Info("вызов соединяется")

	if decision.Timeout > 0 {
		c.ringTimer = time.AfterFunc(decision.Timeout, func() {
			_ = c.post(func(c *Call) { c.noAnswer() })
		})
	}
}

func (c *Call) noAnswer() {
	if c.answered || c.finished || c.rejected {
		return
	}
	c.ringTimer = nil
	if !c.peer.IsZero() {
		from := c.handle
		c.m.postTo(c.peer, func(p *Call) {
			if p.peer == from {
				p.peer = Handle{}
				p.hangup(ReasonNoAnswer)
			}
		})
		c.peer = Handle{}
	}
	c.reject(types.StatusTemporarilyUnavailable, ReasonNoAnswer)
}

// peerProgress второе плечо получило 18x
func (c *Call) peerProgress(from Handle, code int) {
	if from != c.peer || c.answered || c.rejected {
		return
	}
	resp, err := c.dialog.Provisional(types.StatusRinging, nil)
	if err != nil {
		return
	}
	c.m.respond(c.inviteTx, resp)
	if !c.ringing {
		c.ringing = true
		c.emit(Ringing{EventMeta: c.meta(), Code: code})
	}
}

// peerAnswered второе плечо ответило, отвечаем вызывающему
func (c *Call) peerAnswered(from Handle) {
	if from != c.peer {
		return
	}
	if c.answered || c.rejected || c.finished {
		c.releasePeer()
		return
	}
	c.stopRingTimer()
	if err := c.accept(); err != nil {
		c.log.WithError(err).Warn("не удалось ответить после ответа второго плеча")
		c.reject(types.StatusNotAcceptableHere, ReasonMediaFailure)
		return
	}
	if err := c.link(from); err != nil {
		c.log.WithError(err).Warn("медиа плеч не соединено")
	}
}

// peerFailed второе плечо получило отказ или не было создано
func (c *Call) peerFailed(from Handle, code int) {
	if from != c.peer {
		c.log.WithFields(logrus.Fields{"leg": from.String(), "status": code}).Info("вспомогательное плечо не соединилось")
		return
	}
	c.peer = Handle{}
	if c.dir == DirectionInbound && !c.answered {
		if !c.rejected {
			c.reject(peerRejectCode(code), ReasonRejected)
		}
		return
	}
	c.hangup(ReasonPeerHangup)
}

// peerGone второе плечо завершилось
func (c *Call) peerGone(from Handle) {
	if from != c.peer {
		return
	}
	c.peer = Handle{}
	c.hangup(ReasonPeerHangup)
}

// peerRejectCode код отказа вызывающему по ответу второго плеча
func peerRejectCode(code int) int {
	// перенаправления не проксируются
	if code < 400 || code == types.StatusRequestTimeout {
		return types.StatusTemporarilyUnavailable
	}
	return code
}

// handleCancel CANCEL на исходный INVITE. После отправки 2xx CANCEL
// отклоняется 481, диалог не меняется.
func (c *Call) handleCancel(tx *transaction.ServerTransaction, cancel *types.Request) {
	if c.answered || c.rejected || c.finished {
		c.m.respondStatus(tx, cancel, types.StatusCallTransactionDoesNotExist)
		return
	}
	if err := c.dialog.CheckRequest(cancel); err != nil {
		c.m.respondStatus(tx, cancel, siperrors.StatusCode(err))
		return
	}
	c.m.respond(tx, c.dialog.Response(cancel, types.StatusOK, nil))
	c.reject(types.StatusRequestTerminated, ReasonCancelled)
}

// handleACK ACK на 2xx исходного INVITE или re-INVITE
func (c *Call) handleACK(ack *types.Request) {
	if err := c.dialog.ReceiveACK(ack); err != nil {
		c.log.WithError(err).Debug("ACK не принят")
		return
	}
	if c.confirmed || !c.answered {
		return
	}
	c.confirmed = true
	if c.pendingHangup {
		c.sendBye(c.hangupReason)
		return
	}
	c.emit(Answered{
		EventMeta:   c.meta(),
		Codec:       c.negotiation.Codec,
		Application: c.decision.Application,
		Media:       c.mediaHandle(),
	})
	c.log.WithField("codec", c.negotiation.Codec.Name).Info("вызов установлен")
}

// inviteTxDone серверная транзакция исходного INVITE завершилась
func (c *Call) inviteTxDone(err error) {
	if c.finished {
		return
	}
	switch {
	case c.rejected:
		c.finish(c.endWhy, c.endCode)
	case err != nil && !c.confirmed:
		// 2xx без ACK (таймер H) или отказ транспорта
		if siperrors.IsTimeout(err) {
			c.timedOut(err)
			return
		}
		c.log.WithError(err).Warn("ошибка транзакции INVITE")
		c.abort(ReasonInternalError)
	}
}
