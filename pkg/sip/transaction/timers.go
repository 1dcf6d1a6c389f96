package transaction

import (
	"time"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait in completed (client INVITE)
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // ACK receipt
	TimerI TimerID = "I" // ACK retransmit absorb
	TimerJ TimerID = "J" // Non-INVITE request retransmit absorb
	TimerK TimerID = "K" // Non-INVITE response retransmit absorb
)

// Timers базовые значения, из которых выводятся таймеры A-K
type Timers struct {
	T1     time.Duration // RTT estimate
	T2     time.Duration // Maximum retransmit interval
	T4     time.Duration // Maximum duration for message
	TimerD time.Duration // Wait in completed (unreliable)
}

// DefaultTimers значения RFC 3261 для UDP
func DefaultTimers() Timers {
	return Timers{
		T1:     500 * time.Millisecond,
		T2:     4 * time.Second,
		T4:     5 * time.Second,
		TimerD: 32 * time.Second,
	}
}

// Duration возвращает начальную длительность таймера
func (t Timers) Duration(id TimerID) time.Duration {
	switch id {
	case TimerA, TimerE, TimerG:
		return t.T1
	case TimerB, TimerF, TimerH, TimerJ:
		return 64 * t.T1
	case TimerD:
		return t.TimerD
	case TimerI, TimerK:
		return t.T4
	default:
		return 0
	}
}

// nextInterval удваивает интервал ретрансмиссии, не превышая T2
func (t Timers) nextInterval(current time.Duration) time.Duration {
	next := current * 2
	if next > t.T2 {
		return t.T2
	}
	return next
}

type activeTimer struct {
	timer *time.Timer
	gen   uint64
}

// TimerManager управляет таймерами одной транзакции.
// Все методы вызываются под замком владельца; колбэк таймера выполняется
// под тем же замком, после чего владелец освобождает его через release.
type TimerManager struct {
	acquire func()
	release func()
	timers  map[TimerID]*activeTimer
	gen     uint64
}

// NewTimerManager создает менеджер таймеров
func NewTimerManager(acquire, release func()) *TimerManager {
	return &TimerManager{
		acquire: acquire,
		release: release,
		timers:  make(map[TimerID]*activeTimer),
	}
}

// Start запускает таймер, перезапуская существующий с тем же ID.
// Нулевая длительность вызывает колбэк сразу, в текущем контексте.
func (tm *TimerManager) Start(id TimerID, duration time.Duration, callback func()) {
	tm.Stop(id)
	if duration <= 0 {
		callback()
		return
	}

	tm.gen++
	gen := tm.gen
	at := &activeTimer{gen: gen}
	at.timer = time.AfterFunc(duration, func() {
		tm.acquire()
		defer tm.release()
		// таймер мог быть остановлен или перезапущен, пока ждал замок
		cur, ok := tm.timers[id]
		if !ok || cur.gen != gen {
			return
		}
		delete(tm.timers, id)
		callback()
	})
	tm.timers[id] = at
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	if at, ok := tm.timers[id]; ok {
		delete(tm.timers, id)
		return at.timer.Stop()
	}
	return false
}

// StopAll останавливает все таймеры
func (tm *TimerManager) StopAll() {
	for id := range tm.timers {
		tm.Stop(id)
	}
}

// Active сообщает, запущен ли таймер
func (tm *TimerManager) Active(id TimerID) bool {
	_, ok := tm.timers[id]
	return ok
}
