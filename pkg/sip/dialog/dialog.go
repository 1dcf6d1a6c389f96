// Package dialog реализует состояние SIP диалога (RFC 3261 12):
// идентификатор, CSeq, route set, целевые адреса и автомат состояний
// Init, EarlyMedia, Confirmed, Terminating, Terminated.
package dialog

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// Role роль стороны в диалоге
type Role int

const (
	RoleUAS Role = iota
	RoleUAC
)

func (r Role) String() string {
	if r == RoleUAC {
		return "UAC"
	}
	return "UAS"
}

// Dialog состояние одного диалога. Методы безопасны для конкурентного
// вызова, но изменяющие операции выполняет владелец (горутина вызова).
type Dialog struct {
	mu sync.Mutex

	role      Role
	callID    string
	localTag  string
	remoteTag string
	local     *types.Address // From для UAC, To для UAS (без тега)
	remote    *types.Address

	localSeq     uint32
	remoteSeq    uint32
	remoteSeqSet bool

	routeSet     []*types.Address
	localTarget  *types.Address
	remoteTarget *types.URI
	nextHop      *net.UDPAddr

	invite   *types.Request // исходный INVITE
	accepted bool           // UAS отправил 2xx, ждем ACK
	acks     map[uint32]*types.Request

	reinvitePending bool

	machine     *fsm.FSM
	reason      string
	transitions []transition
	handler     StateHandler
}

// NewTag генерирует локальный тег
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCallID генерирует Call-ID для исходящего вызова
func NewCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

func newDialog(role Role) *Dialog {
	d := &Dialog{role: role, acks: make(map[uint32]*types.Request)}
	d.initStateMachine()
	return d
}

// NewUAS создает диалог по входящему INVITE. localTag ставится в To
// всех ответов, contact становится локальной целью.
func NewUAS(invite *types.Request, localTag string, contact *types.Address) (*Dialog, error) {
	if invite.Method != types.MethodINVITE {
		return nil, fmt.Errorf("dialog must be created by INVITE, got %s", invite.Method)
	}
	from, err := invite.From()
	if err != nil {
		return nil, err
	}
	if from.Tag() == "" {
		return nil, fmt.Errorf("INVITE without From tag")
	}
	to, err := invite.To()
	if err != nil {
		return nil, err
	}
	cseq, err := invite.CSeq()
	if err != nil {
		return nil, err
	}

	d := newDialog(RoleUAS)
	d.callID = invite.CallID()
	d.localTag = localTag
	d.remoteTag = from.Tag()
	d.local = to.Clone()
	d.local.SetTag(localTag)
	d.remote = from
	d.remoteSeq = cseq.Sequence
	d.remoteSeqSet = true
	d.localTarget = contact
	d.invite = invite
	d.nextHop = invite.Source()

	// UAS: route set из Record-Route в прямом порядке (RFC 3261 12.1.1)
	d.routeSet = recordRoutes(invite, false)
	d.remoteTarget = contactURI(invite, from.URI)
	return d, nil
}

// NewUAC создает диалог для исходящего INVITE. From должен нести тег.
func NewUAC(invite *types.Request) (*Dialog, error) {
	if invite.Method != types.MethodINVITE {
		return nil, fmt.Errorf("dialog must be created by INVITE, got %s", invite.Method)
	}
	from, err := invite.From()
	if err != nil {
		return nil, err
	}
	if from.Tag() == "" {
		return nil, fmt.Errorf("INVITE without From tag")
	}
	to, err := invite.To()
	if err != nil {
		return nil, err
	}
	cseq, err := invite.CSeq()
	if err != nil {
		return nil, err
	}

	d := newDialog(RoleUAC)
	d.callID = invite.CallID()
	d.localTag = from.Tag()
	d.local = from
	d.remote = to
	d.localSeq = cseq.Sequence
	d.invite = invite
	d.remoteTarget = invite.RequestURI.Clone()
	if contact, err := invite.Contact(); err == nil {
		d.localTarget = contact
	}
	for _, r := range invite.HeaderValues(types.HeaderRoute) {
		if addrs, err := types.ParseAddressList(r); err == nil {
			d.routeSet = append(d.routeSet, addrs...)
		}
	}
	return d, nil
}

// recordRoutes собирает Record-Route; reverse для UAC
func recordRoutes(msg types.Message, reverse bool) []*types.Address {
	var routes []*types.Address
	for _, v := range msg.HeaderValues(types.HeaderRecordRoute) {
		addrs, err := types.ParseAddressList(v)
		if err != nil {
			continue
		}
		routes = append(routes, addrs...)
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

func contactURI(msg types.Message, fallback *types.URI) *types.URI {
	if v := msg.Header(types.HeaderContact); v != "" {
		if addr, err := types.ParseAddress(v); err == nil && addr.URI != nil {
			return addr.URI
		}
	}
	if fallback == nil {
		return nil
	}
	return fallback.Clone()
}

// lock/unlock: переходы автомата доставляются обработчику после
// освобождения замка
func (d *Dialog) lock() { d.mu.Lock() }

func (d *Dialog) unlock() {
	pending := d.transitions
	d.transitions = nil
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return
	}
	for _, t := range pending {
		handler(t.from, t.to, t.reason)
	}
}

// SetStateHandler задает обработчик переходов
func (d *Dialog) SetStateHandler(h StateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// State текущее состояние
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state()
}

// Role роль в диалоге
func (d *Dialog) Role() Role { return d.role }

// CallID идентификатор вызова
func (d *Dialog) CallID() string { return d.callID }

// LocalTag локальный тег
func (d *Dialog) LocalTag() string { return d.localTag }

// RemoteTag удаленный тег (пустой у UAC до первого ответа с тегом)
func (d *Dialog) RemoteTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTag
}

// Invite исходный INVITE
func (d *Dialog) Invite() *types.Request { return d.invite }

// LocalAddress From/To локальной стороны с тегом
func (d *Dialog) LocalAddress() *types.Address { return d.local.Clone() }

// RemoteAddress From/To удаленной стороны
func (d *Dialog) RemoteAddress() *types.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remote.Clone()
}

// RemoteTarget текущая удаленная цель
func (d *Dialog) RemoteTarget() *types.URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteTarget == nil {
		return nil
	}
	return d.remoteTarget.Clone()
}

// RouteSet копия route set
func (d *Dialog) RouteSet() []*types.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Address, len(d.routeSet))
	for i, r := range d.routeSet {
		out[i] = r.Clone()
	}
	return out
}

// LocalSeq последний использованный локальный CSeq
func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteSeq последний принятый удаленный CSeq
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq
}

// SetNextHop фиксирует адрес следующего узла (симметричная сигнализация)
func (d *Dialog) SetNextHop(addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHop = addr
}

// NextHop адрес для запросов внутри диалога: зафиксированный адрес,
// иначе первый Route, иначе удаленная цель
func (d *Dialog) NextHop() (*net.UDPAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextHopLocked()
}

func (d *Dialog) nextHopLocked() (*net.UDPAddr, error) {
	if d.nextHop != nil {
		return d.nextHop, nil
	}
	if len(d.routeSet) > 0 && d.routeSet[0].URI != nil {
		return d.routeSet[0].URI.UDPAddr()
	}
	if d.remoteTarget == nil {
		return nil, fmt.Errorf("dialog has no remote target")
	}
	return d.remoteTarget.UDPAddr()
}

// Terminate переводит диалог в Terminated из любого живого состояния
func (d *Dialog) Terminate(reason string) {
	d.lock()
	defer d.unlock()
	if d.state() != StateTerminated {
		_ = d.fire(eventTerminate, reason)
	}
}

// IsTerminated сообщает, что диалог завершен
func (d *Dialog) IsTerminated() bool {
	return d.State() == StateTerminated
}
