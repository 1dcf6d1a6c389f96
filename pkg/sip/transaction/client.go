package transaction

import (
	"net"
	"time"

	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// ClientCallbacks получатели событий клиентской транзакции.
// Колбэки вызываются без удержания замков транзакции.
type ClientCallbacks struct {
	// OnResponse каждый ответ, переданный TU (повторы финальных поглощаются)
	OnResponse func(tx *ClientTransaction, resp *types.Response)
	// OnTerminated ровно один раз; err != nil при таймауте или ошибке транспорта
	OnTerminated func(tx *ClientTransaction, err error)
}

// ClientTransaction клиентская транзакция INVITE или non-INVITE
type ClientTransaction struct {
	base
	invite   bool
	cb       ClientCallbacks
	interval time.Duration
	ack      *types.Request
	final    *types.Response

	cancelPending bool
	cancelSent    bool
}

func newClientTransaction(m *Manager, key Key, req *types.Request, dest *net.UDPAddr, cb ClientCallbacks) *ClientTransaction {
	tx := &ClientTransaction{
		invite: req.Method == types.MethodINVITE,
		cb:     cb,
	}
	tx.init(m, key, req, dest)
	return tx
}

// IsInvite сообщает, что это INVITE транзакция
func (tx *ClientTransaction) IsInvite() bool { return tx.invite }

// FinalResponse последний финальный ответ или nil
func (tx *ClientTransaction) FinalResponse() *types.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.final
}

// start отправляет запрос и запускает таймеры
func (tx *ClientTransaction) start() {
	tx.lock()
	defer tx.unlock()

	timers := tx.manager.timers
	tx.interval = timers.T1
	if tx.invite {
		tx.state = StateCalling
	} else {
		tx.state = StateTrying
	}

	if err := tx.send(tx.request); err != nil {
		tx.terminate(siperrors.Wrap(siperrors.ErrTransportFailure, err, "send request"))
		return
	}

	if tx.invite {
		tx.timers.Start(TimerA, tx.interval, tx.onTimerA)
		tx.timers.Start(TimerB, timers.Duration(TimerB), tx.onTimeout(TimerB))
	} else {
		tx.timers.Start(TimerE, tx.interval, tx.onTimerE)
		tx.timers.Start(TimerF, timers.Duration(TimerF), tx.onTimeout(TimerF))
	}
}

func (tx *ClientTransaction) onTimerA() {
	if tx.state != StateCalling {
		return
	}
	tx.retransmit(tx.request)
	tx.interval = tx.manager.timers.nextInterval(tx.interval)
	tx.timers.Start(TimerA, tx.interval, tx.onTimerA)
}

func (tx *ClientTransaction) onTimerE() {
	switch tx.state {
	case StateTrying:
		tx.interval = tx.manager.timers.nextInterval(tx.interval)
	case StateProceeding:
		tx.interval = tx.manager.timers.T2
	default:
		return
	}
	tx.retransmit(tx.request)
	tx.timers.Start(TimerE, tx.interval, tx.onTimerE)
}

func (tx *ClientTransaction) onTimeout(id TimerID) func() {
	return func() {
		// B действует только в Calling, F в Trying и Proceeding
		switch {
		case id == TimerB && tx.state != StateCalling:
			return
		case id == TimerF && tx.state != StateTrying && tx.state != StateProceeding:
			return
		}
		tx.manager.observer.TimedOut(tx.key.Method, id)
		tx.log.WithField("timer", id).Info("таймаут клиентской транзакции")
		tx.terminate(siperrors.Newf(siperrors.ErrTransactionTimeout, "timer %s fired for %s", id, tx.key.Method))
	}
}

func (tx *ClientTransaction) retransmit(msg types.Message) {
	tx.manager.observer.Retransmitted(tx.key.Method, true)
	if err := tx.send(msg); err != nil {
		tx.log.WithError(err).Warn("ошибка ретрансмиссии")
	}
}

// handleResponse обрабатывает ответ, сопоставленный с транзакцией
func (tx *ClientTransaction) handleResponse(resp *types.Response) {
	tx.lock()
	defer tx.unlock()

	if tx.invite {
		tx.handleInviteResponse(resp)
		return
	}

	switch tx.state {
	case StateTrying, StateProceeding:
		if resp.IsProvisional() {
			tx.setState(StateProceeding)
			tx.deliver(resp)
			return
		}
		tx.final = resp
		tx.setState(StateCompleted)
		tx.timers.Stop(TimerE)
		tx.timers.Stop(TimerF)
		tx.deliver(resp)
		tx.timers.Start(TimerK, tx.manager.timers.Duration(TimerK), func() { tx.terminate(nil) })
	}
}

func (tx *ClientTransaction) handleInviteResponse(resp *types.Response) {
	switch tx.state {
	case StateCalling, StateProceeding:
		switch {
		case resp.IsProvisional():
			tx.setState(StateProceeding)
			tx.timers.Stop(TimerA)
			tx.deliver(resp)
			if tx.cancelPending {
				tx.sendCancel()
			}
		case resp.IsSuccess():
			// 2xx уходит TU, ACK строит диалог
			tx.final = resp
			tx.deliver(resp)
			tx.terminate(nil)
		default:
			tx.final = resp
			ack, err := builder.ACKForNon2xx(tx.request, resp)
			if err != nil {
				tx.log.WithError(err).Error("не удалось построить ACK")
			} else {
				tx.ack = ack
				if err := tx.send(ack); err != nil {
					tx.log.WithError(err).Warn("ошибка отправки ACK")
				}
			}
			tx.setState(StateCompleted)
			tx.timers.Stop(TimerA)
			tx.timers.Stop(TimerB)
			tx.deliver(resp)
			tx.timers.Start(TimerD, tx.manager.timers.Duration(TimerD), func() { tx.terminate(nil) })
		}
	case StateCompleted:
		// повтор финального ответа: повторяем ACK, TU не уведомляем
		if resp.IsFinal() && !resp.IsSuccess() && tx.ack != nil {
			tx.retransmit(tx.ack)
		}
	}
}

func (tx *ClientTransaction) deliver(resp *types.Response) {
	if tx.cb.OnResponse == nil {
		return
	}
	cb := tx.cb.OnResponse
	tx.later(func() { cb(tx, resp) })
}

// Cancel отменяет INVITE (RFC 3261 9.1). До первого предварительного
// ответа CANCEL откладывается.
func (tx *ClientTransaction) Cancel() error {
	if !tx.invite {
		return ErrNotInvite
	}
	tx.lock()
	defer tx.unlock()

	switch tx.state {
	case StateCalling:
		tx.cancelPending = true
		return nil
	case StateProceeding:
		tx.sendCancel()
		return nil
	default:
		return ErrCancelTooLate
	}
}

func (tx *ClientTransaction) sendCancel() {
	if tx.cancelSent {
		return
	}
	tx.cancelSent = true
	tx.cancelPending = false

	cancel, err := builder.CANCEL(tx.request)
	if err != nil {
		tx.log.WithError(err).Error("не удалось построить CANCEL")
		return
	}
	m, dest := tx.manager, tx.dest
	tx.later(func() {
		if _, err := m.Request(cancel, dest, ClientCallbacks{}); err != nil {
			tx.log.WithError(err).Warn("ошибка отправки CANCEL")
		}
	})
}

// Terminate принудительно завершает транзакцию без ошибки
func (tx *ClientTransaction) Terminate() {
	tx.lock()
	defer tx.unlock()
	tx.terminate(nil)
}

func (tx *ClientTransaction) terminate(err error) {
	if tx.state == StateTerminated {
		return
	}
	tx.setState(StateTerminated)
	tx.timers.StopAll()

	m := tx.manager
	cb := tx.cb.OnTerminated
	tx.later(func() {
		m.store.remove(tx.callID, tx)
		if cb != nil {
			cb(tx, err)
		}
	})
}
