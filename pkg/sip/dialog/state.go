package dialog

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние диалога
type State string

const (
	StateInit        State = "Init"
	StateEarlyMedia  State = "EarlyMedia"
	StateConfirmed   State = "Confirmed"
	StateTerminating State = "Terminating"
	StateTerminated  State = "Terminated"
)

func (s State) String() string { return string(s) }

// События автомата
const (
	eventEarly     = "early"
	eventConfirm   = "confirm"
	eventBye       = "bye"
	eventTerminate = "terminate"
)

// StateHandler вызывается ровно один раз на каждый переход
type StateHandler func(from, to State, reason string)

type transition struct {
	from, to State
	reason   string
}

// initStateMachine инициализирует конечный автомат состояний
func (d *Dialog) initStateMachine() {
	d.machine = fsm.NewFSM(
		string(StateInit),
		fsm.Events{
			// 1xx с To-tag
			{Name: eventEarly, Src: []string{string(StateInit)}, Dst: string(StateEarlyMedia)},
			// 2xx + ACK (UAS) или 2xx (UAC); 2xx без предварительного ответа допустим
			{Name: eventConfirm, Src: []string{string(StateInit), string(StateEarlyMedia)}, Dst: string(StateConfirmed)},
			// BYE отправлен или получен
			{Name: eventBye, Src: []string{string(StateEarlyMedia), string(StateConfirmed)}, Dst: string(StateTerminating)},
			// Завершение из любого живого состояния
			{Name: eventTerminate, Src: []string{
				string(StateInit), string(StateEarlyMedia), string(StateConfirmed), string(StateTerminating),
			}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.transitions = append(d.transitions, transition{
					from:   State(e.Src),
					to:     State(e.Dst),
					reason: d.reason,
				})
			},
		},
	)
}

// fire выполняет событие автомата под замком диалога
func (d *Dialog) fire(event, reason string) error {
	if !d.machine.Can(event) {
		return errInvalidTransition(d.state(), event)
	}
	d.reason = reason
	return d.machine.Event(context.Background(), event)
}

func (d *Dialog) state() State {
	return State(d.machine.Current())
}
