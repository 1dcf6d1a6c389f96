package dialog

import (
	"fmt"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// ReceiveResponse обрабатывает ответ на INVITE (исходный или re-INVITE).
// 1xx с To-tag переводит в EarlyMedia, 2xx в Confirmed (ACK строит
// вызывающий через ACK), >=300 на исходный INVITE завершает диалог.
func (d *Dialog) ReceiveResponse(resp *types.Response) error {
	cseq, err := resp.CSeq()
	if err != nil {
		return err
	}
	if cseq.Method != types.MethodINVITE {
		return nil
	}
	to, err := resp.To()
	if err != nil {
		return err
	}

	d.lock()
	defer d.unlock()

	st := d.state()
	if st == StateConfirmed {
		// ответ на наш re-INVITE
		if resp.IsFinal() {
			d.reinvitePending = false
		}
		if resp.IsSuccess() {
			d.remoteTarget = contactURI(resp, d.remoteTarget)
		}
		return nil
	}
	if d.role != RoleUAC || (st != StateInit && st != StateEarlyMedia) {
		return errInvalidState(fmt.Sprintf("response %d", resp.StatusCode), st)
	}

	switch {
	case resp.StatusCode == types.StatusTrying:
		return nil
	case resp.IsProvisional():
		if to.Tag() == "" {
			return nil
		}
		d.establishLocked(resp, to)
		if st == StateInit {
			return d.fire(eventEarly, fmt.Sprintf("%d", resp.StatusCode))
		}
		return nil
	case resp.IsSuccess():
		d.establishLocked(resp, to)
		return d.fire(eventConfirm, fmt.Sprintf("%d", resp.StatusCode))
	default:
		return d.fire(eventTerminate, fmt.Sprintf("rejected: %d %s", resp.StatusCode, resp.Reason))
	}
}

// establishLocked фиксирует удаленный тег, route set и цель из ответа
func (d *Dialog) establishLocked(resp *types.Response, to *types.Address) {
	d.remoteTag = to.Tag()
	d.remote = to
	// UAC: Record-Route в обратном порядке; 2xx переопределяет 1xx
	if routes := recordRoutes(resp, true); len(routes) > 0 || resp.IsSuccess() {
		d.routeSet = routes
	}
	d.remoteTarget = contactURI(resp, d.remoteTarget)
}
