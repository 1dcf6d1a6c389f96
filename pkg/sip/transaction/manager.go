package transaction

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/transport"
)

// Handler TU (transaction user), получающий запросы от транзакционного уровня
type Handler interface {
	// HandleRequest новый запрос; повторы поглощаются транзакцией
	HandleRequest(tx *ServerTransaction, req *types.Request)
	// HandleACK ACK на 2xx. tx - подтвержденная INVITE транзакция или nil,
	// если ACK не сопоставился ни с одной
	HandleACK(ack *types.Request, tx *ServerTransaction)
	// HandleStrayResponse 2xx на INVITE без живой клиентской транзакции:
	// диалог должен повторить ACK
	HandleStrayResponse(resp *types.Response)
}

// Manager транзакционный уровень: сопоставляет входящие сообщения с
// транзакциями и создает новые
type Manager struct {
	transport transport.Sender
	timers    Timers
	store     *Store
	handler   atomic.Pointer[Handler]
	observer  Observer
	log       *logrus.Entry
	viaHost   string
	viaPort   int
}

// Option настройка менеджера
type Option func(*Manager)

// WithTimers задает таймеры
func WithTimers(t Timers) Option {
	return func(m *Manager) { m.timers = t }
}

// WithObserver задает наблюдателя (метрики)
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger задает логгер
func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithViaAddress адрес, публикуемый в Via исходящих запросов.
// По умолчанию локальный адрес транспорта.
func WithViaAddress(host string, port int) Option {
	return func(m *Manager) {
		m.viaHost = host
		m.viaPort = port
	}
}

// NewManager создает менеджер транзакций
func NewManager(sender transport.Sender, opts ...Option) *Manager {
	m := &Manager{
		transport: sender,
		timers:    DefaultTimers(),
		store:     NewStore(),
		observer:  noopObserver{},
		log:       log.Discard(),
	}
	if addr := sender.LocalAddr(); addr != nil {
		m.viaHost = addr.IP.String()
		m.viaPort = addr.Port
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler задает TU. До вызова входящие запросы отклоняются 503.
func (m *Manager) SetHandler(h Handler) {
	m.handler.Store(&h)
}

// Timers действующие таймеры
func (m *Manager) Timers() Timers { return m.timers }

// Count количество живых транзакций
func (m *Manager) Count() int { return m.store.Len() }

// HandleMessage точка входа из транспорта
func (m *Manager) HandleMessage(msg types.Message, from *net.UDPAddr) {
	switch v := msg.(type) {
	case *types.Request:
		if v.Source() == nil {
			v.SetSource(from)
		}
		m.handleRequest(v, from)
	case *types.Response:
		m.handleResponse(v)
	}
}

func (m *Manager) handleRequest(req *types.Request, from *net.UDPAddr) {
	key, err := ServerKey(req)
	if err != nil {
		m.log.WithError(err).Debug("запрос без ключа транзакции отброшен")
		return
	}
	callID := req.CallID()
	entry := m.log.WithFields(logrus.Fields{"call_id": callID, "method": req.Method})

	h := m.loadHandler()

	if req.Method == types.MethodACK {
		m.handleACK(req, key, h)
		return
	}

	if existing, ok := m.store.get(callID, key); ok {
		if st, ok := existing.(*ServerTransaction); ok {
			entry.Debug("повтор запроса, ответ из транзакции")
			m.observer.Retransmitted(req.Method, false)
			st.handleRetransmit()
		}
		return
	}

	tx := newServerTransaction(m, key, req, m.responseAddr(req, from))
	if !m.store.add(callID, tx) {
		return
	}

	if h == nil {
		_ = tx.Respond(builder.NewResponse(req, types.StatusServiceUnavailable, "", ""))
		return
	}
	h.HandleRequest(tx, req)
}

func (m *Manager) handleACK(ack *types.Request, key Key, h Handler) {
	callID := ack.CallID()

	var tx *ServerTransaction
	if existing, ok := m.store.get(callID, key); ok {
		tx, _ = existing.(*ServerTransaction)
	}
	if tx == nil {
		// ACK на 2xx несет новый branch: ищем INVITE по Call-ID и CSeq
		if cseq, err := ack.CSeq(); err == nil {
			tx, _ = m.store.getACK(callID, ackKey(callID, cseq.Sequence))
		}
	}

	if tx == nil {
		if h != nil {
			h.HandleACK(ack, nil)
		}
		return
	}
	if tx.handleACK(ack) && h != nil {
		h.HandleACK(ack, tx)
	}
}

func (m *Manager) handleResponse(resp *types.Response) {
	key, err := ClientKey(resp)
	if err != nil {
		m.log.WithError(err).Debug("ответ без ключа транзакции отброшен")
		return
	}

	if existing, ok := m.store.get(resp.CallID(), key); ok {
		if ct, ok := existing.(*ClientTransaction); ok {
			ct.handleResponse(resp)
			return
		}
	}

	// RFC 3261 17.1.1.2: повторы 2xx после завершения транзакции идут в TU
	if key.Method == types.MethodINVITE && resp.IsSuccess() {
		if h := m.loadHandler(); h != nil {
			h.HandleStrayResponse(resp)
		}
		return
	}
	m.log.WithFields(logrus.Fields{
		"call_id": resp.CallID(),
		"status":  resp.StatusCode,
	}).Debug("ответ без транзакции отброшен")
}

func (m *Manager) loadHandler() Handler {
	if p := m.handler.Load(); p != nil {
		return *p
	}
	return nil
}

// Request создает клиентскую транзакцию и отправляет запрос на dest.
// Если у запроса нет Via, добавляется Via с новым branch.
func (m *Manager) Request(req *types.Request, dest *net.UDPAddr, cb ClientCallbacks) (*ClientTransaction, error) {
	if req.Method == types.MethodACK {
		return nil, fmt.Errorf("ACK is not sent in a client transaction")
	}
	if dest == nil {
		return nil, fmt.Errorf("destination address is nil")
	}
	m.ensureVia(req)

	key, err := ClientKey(req)
	if err != nil {
		return nil, err
	}
	// CANCEL делит branch с INVITE, но метод в ключе свой
	key.Method = req.Method

	tx := newClientTransaction(m, key, req, dest, cb)
	if !m.store.add(req.CallID(), tx) {
		return nil, ErrTransactionExists
	}
	tx.start()
	return tx, nil
}

// SendACK отправляет ACK на 2xx вне транзакций (RFC 3261 13.2.2.4)
func (m *Manager) SendACK(ack *types.Request, dest *net.UDPAddr) error {
	m.ensureVia(ack)
	return m.transport.Send(ack, dest)
}

// NewBranch генерирует branch с magic cookie
func NewBranch() string {
	return sip.GenerateBranch()
}

func (m *Manager) ensureVia(req *types.Request) {
	if req.Header(types.HeaderVia) != "" {
		return
	}
	via := types.NewVia(m.viaHost, m.viaPort, NewBranch())
	via.Params = via.Params.Set("rport", "")
	req.PrependHeader(types.HeaderVia, via.String())
}

// responseAddr адрес для ответов (RFC 3261 18.2.2, RFC 3581):
// источник датаграммы, иначе received/rport или sent-by из Via
func (m *Manager) responseAddr(req *types.Request, from *net.UDPAddr) *net.UDPAddr {
	if src := req.Source(); src != nil {
		return src
	}
	if from != nil {
		return from
	}
	via, err := req.TopVia()
	if err != nil {
		return nil
	}
	host := via.Host
	if r := via.Params.Value("received"); r != "" {
		host = r
	}
	port := via.Port
	if rp := via.Params.Value("rport"); rp != "" {
		if p, err := strconv.Atoi(rp); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 5060
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil
	}
	return addr
}

// Close завершает все транзакции
func (m *Manager) Close() {
	for _, tx := range m.store.all() {
		tx.Terminate()
	}
}

// FindInvite возвращает серверную INVITE транзакцию, которую отменяет CANCEL
func (m *Manager) FindInvite(cancel *types.Request) (*ServerTransaction, bool) {
	key, err := ServerKey(cancel)
	if err != nil {
		return nil, false
	}
	key.Method = types.MethodINVITE
	existing, ok := m.store.get(cancel.CallID(), key)
	if !ok {
		return nil, false
	}
	tx, ok := existing.(*ServerTransaction)
	return tx, ok
}
