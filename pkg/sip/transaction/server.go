package transaction

import (
	"net"
	"time"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// ServerCallbacks получатели событий серверной транзакции.
// Устанавливаются до отправки финального ответа.
type ServerCallbacks struct {
	// OnACK ACK на не-2xx финальный ответ (hop-by-hop, тот же branch).
	// ACK на 2xx доставляется через Handler.HandleACK.
	OnACK func(tx *ServerTransaction, ack *types.Request)
	// OnTerminated ровно один раз; err != nil при таймауте H или ошибке транспорта
	OnTerminated func(tx *ServerTransaction, err error)
}

// ServerTransaction серверная транзакция INVITE или non-INVITE
type ServerTransaction struct {
	base
	invite   bool
	cb       ServerCallbacks
	last     *types.Response
	accepted bool
	interval time.Duration
}

func newServerTransaction(m *Manager, key Key, req *types.Request, dest *net.UDPAddr) *ServerTransaction {
	tx := &ServerTransaction{invite: req.Method == types.MethodINVITE}
	tx.init(m, key, req, dest)
	if tx.invite {
		tx.state = StateProceeding
	} else {
		tx.state = StateTrying
	}
	return tx
}

// IsInvite сообщает, что это INVITE транзакция
func (tx *ServerTransaction) IsInvite() bool { return tx.invite }

// SetCallbacks задает получателей событий
func (tx *ServerTransaction) SetCallbacks(cb ServerCallbacks) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.cb = cb
}

// LastResponse последний отправленный ответ
func (tx *ServerTransaction) LastResponse() *types.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.last
}

// Respond отправляет ответ в рамках транзакции
func (tx *ServerTransaction) Respond(resp *types.Response) error {
	tx.lock()
	defer tx.unlock()

	switch tx.state {
	case StateTerminated:
		return ErrTransactionTerminated
	case StateCompleted, StateConfirmed:
		return ErrFinalResponseSent
	}

	tx.last = resp
	if err := tx.send(resp); err != nil {
		wrapped := siperrors.Wrap(siperrors.ErrTransportFailure, err, "send response")
		tx.terminate(wrapped)
		return wrapped
	}

	if resp.IsProvisional() {
		if !tx.invite {
			tx.setState(StateProceeding)
		}
		return nil
	}

	timers := tx.manager.timers
	tx.setState(StateCompleted)
	if !tx.invite {
		tx.timers.Start(TimerJ, timers.Duration(TimerJ), func() { tx.terminate(nil) })
		return nil
	}

	// 2xx и не-2xx повторяются по G до ACK
	tx.accepted = resp.IsSuccess()
	if tx.accepted {
		if cseq, err := tx.request.CSeq(); err == nil {
			tx.manager.store.addACK(tx.callID, ackKey(tx.callID, cseq.Sequence), tx)
		}
	}
	tx.interval = timers.T1
	tx.timers.Start(TimerG, tx.interval, tx.onTimerG)
	tx.timers.Start(TimerH, timers.Duration(TimerH), tx.onTimerH)
	return nil
}

func (tx *ServerTransaction) onTimerG() {
	if tx.state != StateCompleted {
		return
	}
	tx.retransmit()
	tx.interval = tx.manager.timers.nextInterval(tx.interval)
	tx.timers.Start(TimerG, tx.interval, tx.onTimerG)
}

func (tx *ServerTransaction) onTimerH() {
	if tx.state != StateCompleted {
		return
	}
	tx.manager.observer.TimedOut(tx.key.Method, TimerH)
	tx.log.Info("ACK не получен, таймаут H")
	tx.terminate(siperrors.Newf(siperrors.ErrTransactionTimeout, "timer H fired, no ACK for %d", tx.last.StatusCode))
}

func (tx *ServerTransaction) retransmit() {
	if tx.last == nil {
		return
	}
	tx.manager.observer.Retransmitted(tx.key.Method, false)
	if err := tx.send(tx.last); err != nil {
		tx.log.WithError(err).Warn("ошибка ретрансмиссии ответа")
	}
}

// handleRetransmit повтор запроса: отвечаем последним ответом,
// до TU запрос не доходит. В Confirmed ответ еще хранится до таймера I.
func (tx *ServerTransaction) handleRetransmit() {
	tx.lock()
	defer tx.unlock()

	switch tx.state {
	case StateProceeding, StateCompleted, StateConfirmed:
		tx.retransmit()
	}
}

// handleACK обрабатывает ACK. Возвращает true, если ACK подтвердил
// финальный 2xx ответ (его нужно передать TU).
func (tx *ServerTransaction) handleACK(ack *types.Request) bool {
	if !tx.invite {
		return false
	}
	tx.lock()
	defer tx.unlock()

	if tx.state != StateCompleted {
		// повтор ACK в Confirmed поглощается
		return false
	}
	tx.setState(StateConfirmed)
	tx.timers.Stop(TimerG)
	tx.timers.Stop(TimerH)

	if !tx.accepted && tx.cb.OnACK != nil {
		cb := tx.cb.OnACK
		tx.later(func() { cb(tx, ack) })
	}
	tx.timers.Start(TimerI, tx.manager.timers.Duration(TimerI), func() { tx.terminate(nil) })
	return tx.accepted
}

// Terminate принудительно завершает транзакцию без ошибки
func (tx *ServerTransaction) Terminate() {
	tx.lock()
	defer tx.unlock()
	tx.terminate(nil)
}

func (tx *ServerTransaction) terminate(err error) {
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
