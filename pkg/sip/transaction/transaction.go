// Package transaction реализует транзакционный уровень SIP (RFC 3261 17)
// для UDP: клиентские и серверные транзакции INVITE и non-INVITE с
// таймерами A-K и поглощением повторов.
package transaction

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// State состояние транзакции
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// base общая часть транзакций. Колбэки пользователя копятся в pending
// и вызываются после освобождения замка.
type base struct {
	mu      sync.Mutex
	key     Key
	callID  string
	request *types.Request
	dest    *net.UDPAddr
	state   State
	timers  *TimerManager
	manager *Manager
	log     *logrus.Entry
	pending []func()
}

func (b *base) init(m *Manager, key Key, req *types.Request, dest *net.UDPAddr) {
	b.key = key
	b.callID = req.CallID()
	b.request = req
	b.dest = dest
	b.manager = m
	b.timers = NewTimerManager(b.lock, b.unlock)
	b.log = m.log.WithFields(logrus.Fields{
		"call_id": b.callID,
		"branch":  key.Branch,
		"method":  key.Method,
	})
}

func (b *base) lock() { b.mu.Lock() }

// unlock освобождает замок и выполняет накопленные колбэки
func (b *base) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (b *base) later(fn func()) {
	b.pending = append(b.pending, fn)
}

// Key ключ транзакции
func (b *base) Key() Key { return b.key }

// Request исходный запрос
func (b *base) Request() *types.Request { return b.request }

// Destination адрес, на который уходят сообщения транзакции
func (b *base) Destination() *net.UDPAddr { return b.dest }

// State текущее состояние
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	if b.state == s {
		return
	}
	b.log.WithFields(logrus.Fields{"from": b.state, "to": s}).Trace("смена состояния транзакции")
	b.state = s
}

// send отправляет сообщение через транспорт менеджера
func (b *base) send(msg types.Message) error {
	return b.manager.transport.Send(msg, b.dest)
}
