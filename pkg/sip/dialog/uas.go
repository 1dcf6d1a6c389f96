package dialog

import (
	"fmt"

	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// ContentTypeSDP тип тела SDP
const ContentTypeSDP = "application/sdp"

// Provisional строит предварительный ответ на исходный INVITE.
// Ответ с тегом (все, кроме 100) переводит диалог в EarlyMedia.
func (d *Dialog) Provisional(code int, sdp []byte) (*types.Response, error) {
	if code < 100 || code > 199 {
		return nil, fmt.Errorf("not a provisional code: %d", code)
	}
	d.lock()
	defer d.unlock()

	if d.role != RoleUAS {
		return nil, fmt.Errorf("provisional response from UAC dialog")
	}
	st := d.state()
	if st != StateInit && st != StateEarlyMedia {
		return nil, errInvalidState("provisional response", st)
	}

	resp := d.responseLocked(d.invite, code, sdp)
	if code != types.StatusTrying && st == StateInit {
		if err := d.fire(eventEarly, fmt.Sprintf("%d", code)); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Accept строит 200 OK на исходный INVITE. Диалог остается в прежнем
// состоянии до ACK.
func (d *Dialog) Accept(sdp []byte) (*types.Response, error) {
	d.lock()
	defer d.unlock()

	if d.role != RoleUAS {
		return nil, fmt.Errorf("accept from UAC dialog")
	}
	st := d.state()
	if st != StateInit && st != StateEarlyMedia {
		return nil, errInvalidState("accept", st)
	}
	d.accepted = true
	return d.responseLocked(d.invite, types.StatusOK, sdp), nil
}

// Reject строит финальный не-2xx ответ на исходный INVITE и завершает диалог
func (d *Dialog) Reject(code int, reason string) (*types.Response, error) {
	if code < 300 {
		return nil, fmt.Errorf("not a rejection code: %d", code)
	}
	d.lock()
	defer d.unlock()

	st := d.state()
	if st != StateInit && st != StateEarlyMedia {
		return nil, errInvalidState("reject", st)
	}
	resp := builder.NewResponse(d.invite, code, "", d.localTag)
	if err := d.fire(eventTerminate, reason); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReceiveACK обрабатывает ACK на 2xx: подтверждает диалог или завершает
// обмен offer/answer re-INVITE
func (d *Dialog) ReceiveACK(ack *types.Request) error {
	if err := d.matches(ack); err != nil {
		return err
	}
	d.lock()
	defer d.unlock()

	switch st := d.state(); st {
	case StateInit, StateEarlyMedia:
		if !d.accepted {
			return errInvalidState("ACK", st)
		}
		return d.fire(eventConfirm, "ACK")
	case StateConfirmed:
		d.reinvitePending = false
		return nil
	default:
		return errInvalidState("ACK", st)
	}
}

// Response строит ответ на запрос внутри диалога. Ответы 1xx/2xx на
// INVITE несут Contact; непустое тело считается SDP.
func (d *Dialog) Response(req *types.Request, code int, sdp []byte) *types.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responseLocked(req, code, sdp)
}

func (d *Dialog) responseLocked(req *types.Request, code int, sdp []byte) *types.Response {
	resp := builder.NewResponse(req, code, "", d.localTag)
	if req.Method == types.MethodINVITE && code > 100 && code < 300 && d.localTarget != nil {
		resp.SetHeader(types.HeaderContact, d.localTarget.String())
	}
	if len(sdp) > 0 {
		resp.SetBody(ContentTypeSDP, sdp)
	}
	return resp
}
