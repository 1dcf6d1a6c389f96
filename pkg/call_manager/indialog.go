package call_manager

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/media"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

// handleInDialog запрос внутри установленного диалога
func (c *Call) handleInDialog(tx *transaction.ServerTransaction, req *types.Request) {
	if c.finished {
		c.m.respondStatus(tx, req, types.StatusCallTransactionDoesNotExist)
		return
	}
	if err := c.dialog.CheckRequest(req); err != nil {
		code := siperrors.StatusCode(err)
		if errors.Is(err, dialog.ErrRequestPending) {
			code = types.StatusRequestPending
		}
		c.log.WithError(err).WithField("method", req.Method).Debug("запрос отклонен диалогом")
		c.m.respondStatus(tx, req, code)
		return
	}

	switch req.Method {
	case types.MethodBYE:
		if err := c.dialog.ReceiveBye(string(ReasonRemoteHangup)); err != nil {
			c.log.WithError(err).Debug("BYE вне раннего или подтвержденного диалога")
		}
		c.m.respond(tx, c.dialog.Response(req, types.StatusOK, nil))
		if c.dir == DirectionInbound && c.inviteTx != nil && !c.answered && !c.rejected {
			// BYE до ответа (RFC 3261 15.1.2): исходный INVITE получает 487
			c.m.respond(c.inviteTx, c.dialog.Response(c.dialog.Invite(), types.StatusRequestTerminated, nil))
		}
		c.dialog.ByeCompleted()
		c.finish(ReasonRemoteHangup, 0)
	case types.MethodINVITE:
		c.handleReinvite(tx, req)
	case types.MethodINFO:
		c.handleInfo(tx, req)
	case types.MethodREFER:
		c.handleRefer(tx, req)
	case types.MethodNOTIFY, types.MethodOPTIONS:
		c.m.respond(tx, c.dialog.Response(req, types.StatusOK, nil))
	default:
		c.m.respondStatus(tx, req, types.StatusNotImplemented)
	}
}

// handleReinvite re-INVITE удаленной стороны: удержание, смена адреса
// или обновление сессии
func (c *Call) handleReinvite(tx *transaction.ServerTransaction, req *types.Request) {
	if c.session == nil || c.negotiation == nil {
		c.m.respondStatus(tx, req, types.StatusNotAcceptableHere)
		return
	}

	n := c.negotiation
	var offer *media_sdp.Description
	if len(req.Body()) > 0 {
		var err error
		if offer, err = media_sdp.Parse(req.Body()); err == nil {
			n, err = c.negotiation.Update(offer)
		}
		if err != nil {
			c.log.WithError(err).Info("re-INVITE не согласован")
			c.m.respond(tx, c.dialog.Response(req, types.StatusNotAcceptableHere, nil))
			return
		}
		if !c.m.dtmf {
			n.TelephoneEvent = nil
		}
	}
	if err := c.dialog.BeginReinvite(); err != nil {
		c.m.respondStatus(tx, req, types.StatusRequestPending)
		return
	}
	tx.SetCallbacks(transaction.ServerCallbacks{
		OnTerminated: func(_ *transaction.ServerTransaction, err error) {
			if err != nil && siperrors.IsTimeout(err) {
				_ = c.send(func(c *Call) {
					if !c.finished {
						c.timedOut(err)
					}
				})
			}
		},
	})

	var (
		body []byte
		err  error
	)
	if offer == nil {
		// без offer: наше текущее описание становится offer, answer в ACK
		p := c.mediaParams(c.localDirection())
		p.Formats = c.negotiatedFormats()
		body, err = c.sdp.BuildOffer(p)
	} else {
		body, err = c.sdp.BuildAnswer(offer, n, c.mediaParams(c.answerDirection(n)))
	}
	if err != nil {
		c.dialog.EndReinvite()
		c.log.WithError(err).Warn("answer на re-INVITE не построен")
		c.m.respond(tx, c.dialog.Response(req, types.StatusServerInternalError, nil))
		return
	}
	resp := c.dialog.Response(req, types.StatusOK, body)
	resp.SetHeader(types.HeaderAllow, allowMethods)
	c.m.respond(tx, resp)

	if offer != nil {
		c.applyRemote(n, true)
	}
}

// applyRemote применяет новое согласование к работающей сессии и
// публикует изменение
func (c *Call) applyRemote(n *media_sdp.Negotiation, remote bool) {
	prev := c.session.Remote()
	if prev == nil || n.RemoteRTP == nil || !prev.IP.Equal(n.RemoteRTP.IP) || prev.Port != n.RemoteRTP.Port {
		c.session.ResetSource()
	}
	c.session.SetRemote(n.RemoteRTP, n.RemoteRTCP, n.RTCPMux)
	c.session.SetPayloadType(n.Codec.PayloadType)
	// при локальном удержании передача продолжается (музыка ожидания)
	c.session.SetSending(!n.Hold())
	c.negotiation = n
	if mh := c.mediaHandle(); mh != nil {
		mh.negotiated(n)
	}

	if !remote {
		c.emit(MediaUpdated{EventMeta: c.meta(), Codec: n.Codec, RemoteRTP: n.RemoteRTP})
		return
	}
	wasHeld := c.remoteHold
	c.remoteHold = n.Hold()
	switch {
	case !wasHeld && c.remoteHold:
		c.log.Info("удаленная сторона поставила вызов на удержание")
		c.emit(Held{EventMeta: c.meta(), Remote: true})
	case wasHeld && !c.remoteHold:
		c.log.Info("удаленная сторона сняла удержание")
		c.emit(Resumed{EventMeta: c.meta(), Remote: true})
	default:
		c.emit(MediaUpdated{EventMeta: c.meta(), Codec: n.Codec, RemoteRTP: n.RemoteRTP})
	}
}

// localDirection направление, которое мы объявляем
func (c *Call) localDirection() media_sdp.Direction {
	if c.localHold {
		return media_sdp.DirectionSendOnly
	}
	return media_sdp.DirectionSendRecv
}

// answerDirection направление answer с учетом нашего удержания
func (c *Call) answerDirection(n *media_sdp.Negotiation) media_sdp.Direction {
	dir := n.RemoteDirection.Reverse()
	if !c.localHold {
		return dir
	}
	if dir.Sends() {
		return media_sdp.DirectionSendOnly
	}
	return media_sdp.DirectionInactive
}

// handleInfo INFO с application/dtmf-relay, прочие INFO подтверждаются
func (c *Call) handleInfo(tx *transaction.ServerTransaction, req *types.Request) {
	ct := strings.ToLower(req.Header(types.HeaderContentType))
	if !strings.HasPrefix(ct, media.ContentTypeDTMFRelay) {
		c.m.respond(tx, c.dialog.Response(req, types.StatusOK, nil))
		return
	}
	digit, duration, err := media.ParseDTMFRelay(req.Body())
	if err != nil {
		c.log.WithError(err).Debug("неверное тело dtmf-relay")
		c.m.respondStatus(tx, req, types.StatusBadRequest)
		return
	}
	c.m.respond(tx, c.dialog.Response(req, types.StatusOK, nil))
	c.digit(digit, duration, DigitSourceINFO)
}

// handleRefer REFER принимается (202) и публикуется приложению. Перевод
// выполняет приложение через Manager.Transfer.
func (c *Call) handleRefer(tx *transaction.ServerTransaction, req *types.Request) {
	value := req.Header(types.HeaderReferTo)
	if value == "" {
		c.m.respondStatus(tx, req, types.StatusBadRequest)
		return
	}
	target, err := types.ParseAddress(value)
	if err != nil {
		c.m.respondStatus(tx, req, types.StatusBadRequest)
		return
	}
	c.m.respond(tx, c.dialog.Response(req, types.StatusAccepted, nil))
	c.log.WithField("refer_to", target.URI.String()).Info("получен REFER")
	c.emit(TransferRequested{
		EventMeta:  c.meta(),
		Target:     target,
		ReferredBy: req.Header(types.HeaderReferredBy),
	})
}

// reinvite наш re-INVITE для удержания (sendonly) или его снятия
// (sendrecv). Возвращается после отправки, результат приходит событием.
func (c *Call) reinvite(hold bool) error {
	if c.finished || c.terminating {
		return ErrCallTerminated
	}
	if !c.confirmed || c.session == nil {
		return ErrNotConfirmed
	}
	if c.localHold == hold {
		return nil
	}
	if err := c.dialog.BeginReinvite(); err != nil {
		return err
	}
	req, err := c.dialog.NewRequest(types.MethodINVITE)
	if err != nil {
		c.dialog.EndReinvite()
		return err
	}
	dir := media_sdp.DirectionSendRecv
	if hold {
		dir = media_sdp.DirectionSendOnly
	}
	p := c.mediaParams(dir)
	p.Formats = c.negotiatedFormats()
	body, err := c.sdp.BuildOffer(p)
	if err != nil {
		c.dialog.EndReinvite()
		return err
	}
	req.SetBody(dialog.ContentTypeSDP, body)
	req.SetHeader(types.HeaderAllow, allowMethods)
	c.decorate(req)

	dest, err := c.dialog.NextHop()
	if err != nil {
		c.dialog.EndReinvite()
		return err
	}
	_, err = c.m.tx.Request(req, dest, transaction.ClientCallbacks{
		OnResponse: func(_ *transaction.ClientTransaction, resp *types.Response) {
			_ = c.send(func(c *Call) { c.reinviteResponse(resp, hold) })
		},
		OnTerminated: func(_ *transaction.ClientTransaction, err error) {
			if err == nil {
				return
			}
			_ = c.send(func(c *Call) { c.reinviteFailed(err) })
		},
	})
	if err != nil {
		c.dialog.EndReinvite()
		return err
	}
	c.log.WithField("hold", hold).Debug("re-INVITE отправлен")
	return nil
}

func (c *Call) reinviteResponse(resp *types.Response, hold bool) {
	if c.finished || resp.IsProvisional() {
		return
	}
	if err := c.dialog.ReceiveResponse(resp); err != nil {
		c.log.WithError(err).Debug("ответ на re-INVITE не применен")
	}

	if !resp.IsSuccess() {
		c.log.WithField("status", resp.StatusCode).Info("re-INVITE отклонен")
		switch resp.StatusCode {
		case types.StatusCallTransactionDoesNotExist:
			c.finish(ReasonRemoteHangup, resp.StatusCode)
		case types.StatusRequestTimeout:
			c.timedOut(siperrors.Newf(siperrors.ErrTransactionTimeout, "re-INVITE: %d", resp.StatusCode))
		}
		return
	}

	c.sendACK(resp)
	answer, err := media_sdp.Parse(resp.Body())
	if err == nil {
		var n *media_sdp.Negotiation
		if n, err = c.negotiation.Update(answer); err == nil {
			c.applyRemote(n, false)
		}
	}
	if err != nil {
		c.log.WithError(err).Warn("answer на re-INVITE не согласован")
	}

	c.localHold = hold
	if hold {
		c.log.Info("вызов на удержании")
		c.emit(Held{EventMeta: c.meta()})
		return
	}
	c.log.Info("удержание снято")
	c.emit(Resumed{EventMeta: c.meta()})
}

func (c *Call) reinviteFailed(err error) {
	if c.finished {
		return
	}
	c.dialog.EndReinvite()
	if siperrors.IsTimeout(err) {
		c.timedOut(err)
		return
	}
	c.log.WithFields(logrus.Fields{"error": err}).Warn("ошибка транзакции re-INVITE")
}
