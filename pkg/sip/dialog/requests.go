package dialog

import (
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// matches проверяет принадлежность запроса диалогу по Call-ID и тегам.
// CANCEL несет To без тега, как исходный INVITE.
func (d *Dialog) matches(req *types.Request) error {
	if req.CallID() != d.callID {
		return ErrNotInDialog
	}
	from, err := req.From()
	if err != nil {
		return err
	}
	to, err := req.To()
	if err != nil {
		return err
	}

	d.mu.Lock()
	remoteTag := d.remoteTag
	d.mu.Unlock()

	if remoteTag != "" && from.Tag() != remoteTag {
		return ErrNotInDialog
	}
	if req.Method != types.MethodCANCEL && to.Tag() != d.localTag {
		return ErrNotInDialog
	}
	return nil
}

// CheckRequest проверяет входящий запрос внутри диалога до передачи
// приложению:
//   - CSeq не больше последнего принятого: SequenceViolation (500);
//   - CANCEL вне Init/EarlyMedia: InvalidDialogState (481);
//   - re-INVITE вне Confirmed: InvalidDialogState;
//   - re-INVITE при незавершенном offer/answer: ErrRequestPending (491).
//
// ACK и CANCEL несут номер CSeq исходного INVITE и не сдвигают счетчик.
func (d *Dialog) CheckRequest(req *types.Request) error {
	if err := d.matches(req); err != nil {
		return err
	}
	cseq, err := req.CSeq()
	if err != nil {
		return err
	}

	d.lock()
	defer d.unlock()

	st := d.state()
	switch req.Method {
	case types.MethodCANCEL:
		if st != StateInit && st != StateEarlyMedia {
			return errInvalidState(req.Method, st)
		}
		return nil
	case types.MethodACK:
		return nil
	}

	if d.remoteSeqSet && cseq.Sequence <= d.remoteSeq {
		return siperrors.Newf(siperrors.ErrSequenceViolation,
			"CSeq %d not greater than %d", cseq.Sequence, d.remoteSeq)
	}
	d.remoteSeq = cseq.Sequence
	d.remoteSeqSet = true

	switch req.Method {
	case types.MethodINVITE:
		if st != StateConfirmed {
			return errInvalidState("re-INVITE", st)
		}
		if d.reinvitePending {
			return ErrRequestPending
		}
	case types.MethodBYE:
		if st == StateInit || st == StateTerminated {
			return errInvalidState(req.Method, st)
		}
	default:
		if st == StateTerminated {
			return errInvalidState(req.Method, st)
		}
	}

	// обновление цели по re-INVITE (RFC 3261 12.2.2)
	if req.Method == types.MethodINVITE {
		d.remoteTarget = contactURI(req, d.remoteTarget)
	}
	return nil
}

// BeginReinvite отмечает начало обмена offer/answer внутри диалога
func (d *Dialog) BeginReinvite() error {
	d.lock()
	defer d.unlock()
	if st := d.state(); st != StateConfirmed {
		return errInvalidState("re-INVITE", st)
	}
	if d.reinvitePending {
		return ErrRequestPending
	}
	d.reinvitePending = true
	return nil
}

// EndReinvite завершает обмен offer/answer (ACK, отказ или таймаут)
func (d *Dialog) EndReinvite() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinvitePending = false
}

// ReinvitePending сообщает, идет ли обмен offer/answer
func (d *Dialog) ReinvitePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reinvitePending
}

// NewRequest строит запрос внутри диалога: Request-URI удаленная цель,
// Route из route set, следующий локальный CSeq. Via добавляет
// транзакционный уровень.
func (d *Dialog) NewRequest(method string) (*types.Request, error) {
	d.lock()
	defer d.unlock()

	st := d.state()
	if st == StateTerminated || (st == StateInit && d.remoteTag == "") {
		return nil, errInvalidState(method, st)
	}
	if method == types.MethodINVITE && st != StateConfirmed {
		return nil, errInvalidState("re-INVITE", st)
	}
	if d.remoteTarget == nil {
		return nil, errInvalidState(method, st)
	}

	d.localSeq++
	b := builder.NewRequest(method, d.remoteTarget.Clone()).
		From(d.local).
		To(d.remote).
		CallID(d.callID).
		CSeq(d.localSeq).
		Routes(d.routeSet)
	if d.localTarget != nil && (method == types.MethodINVITE || method == types.MethodREFER || method == types.MethodNOTIFY) {
		b.Contact(d.localTarget)
	}
	return b.Build()
}

// ACK строит ACK на 2xx ответ INVITE (RFC 3261 13.2.2.4). Повторный
// вызов для того же CSeq возвращает тот же запрос, поэтому повтор ACK
// на повтор 2xx побайтно совпадает.
func (d *Dialog) ACK(resp *types.Response) (*types.Request, error) {
	cseq, err := resp.CSeq()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if ack, ok := d.acks[cseq.Sequence]; ok {
		return ack, nil
	}
	target := d.remoteTarget
	if target == nil {
		return nil, errInvalidState(types.MethodACK, d.state())
	}
	ack, err := builder.NewRequest(types.MethodACK, target.Clone()).
		From(d.local).
		To(d.remote).
		CallID(d.callID).
		CSeq(cseq.Sequence).
		Routes(d.routeSet).
		Build()
	if err != nil {
		return nil, err
	}
	d.acks[cseq.Sequence] = ack
	return ack, nil
}

// Bye строит BYE и переводит диалог в Terminating
func (d *Dialog) Bye(reason string) (*types.Request, error) {
	if st := d.State(); st != StateEarlyMedia && st != StateConfirmed {
		return nil, errInvalidState(types.MethodBYE, st)
	}
	bye, err := d.NewRequest(types.MethodBYE)
	if err != nil {
		return nil, err
	}
	d.lock()
	defer d.unlock()
	if err := d.fire(eventBye, reason); err != nil {
		return nil, err
	}
	return bye, nil
}

// ReceiveBye переводит диалог в Terminating по входящему BYE. Диалог
// завершается через ByeCompleted после отправки 200 OK.
func (d *Dialog) ReceiveBye(reason string) error {
	d.lock()
	defer d.unlock()
	if st := d.state(); st != StateEarlyMedia && st != StateConfirmed {
		return errInvalidState(types.MethodBYE, st)
	}
	return d.fire(eventBye, reason)
}

// ByeCompleted завершает диалог после ответа на BYE или его таймаута
func (d *Dialog) ByeCompleted() {
	d.lock()
	defer d.unlock()
	if d.state() == StateTerminating {
		_ = d.fire(eventTerminate, d.reason)
	}
}
