// Package call_manager связывает SIP диалог с RTP сессиями в вызов,
// применяет решения диалплана и публикует события жизненного цикла.
//
// Каждый вызов обслуживается своей горутиной с ограниченным почтовым
// ящиком. Транспорт и таймеры транзакций только кладут сообщения в ящик,
// поэтому вызовы не блокируют друг друга, а состояние диалога и RTP
// сессий меняет только владелец.
package call_manager

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/pkg/rtp"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

var (
	// ErrShuttingDown менеджер не принимает новые вызовы
	ErrShuttingDown = errors.New("call manager is shutting down")
	// ErrCallNotFound handle не указывает на живой вызов
	ErrCallNotFound = errors.New("call not found")
	// ErrCallTerminated вызов завершился до выполнения команды
	ErrCallTerminated = errors.New("call terminated")
	// ErrMailboxFull почтовый ящик вызова переполнен
	ErrMailboxFull = errors.New("call mailbox full")
	// ErrNotBridged команда требует соединенного второго плеча
	ErrNotBridged = errors.New("call is not bridged")
	// ErrNotConfirmed команда требует подтвержденного диалога
	ErrNotConfirmed = errors.New("call is not confirmed")
)

// allowMethods значение Allow в ответах
const allowMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO, REFER, NOTIFY, REGISTER"

// DefaultMailbox емкость почтового ящика вызова
const DefaultMailbox = 64

const (
	// DefaultRingTimeout предел ожидания ответа исходящего плеча (таймер C)
	DefaultRingTimeout = 3 * time.Minute
	// DefaultAbortGrace ожидание вызовов после принудительного завершения
	DefaultAbortGrace = 2 * time.Second
)

// Manager менеджер вызовов. Реализует transaction.Handler.
type Manager struct {
	tx        *transaction.Manager
	router    Router
	directory EndpointDirectory
	registrar Registrar
	pool      *rtp.PortPool
	ssrcs     *rtp.SSRCRegistry
	registry  *registry
	log       *logrus.Entry

	contact      *types.Address
	mediaAddress string
	codecs       []string
	dtmf         bool
	session      rtp.SessionConfig
	mailbox      int
	maxCalls     int
	requireKnown bool
	userAgent    string
	ringTimeout  time.Duration
	abortGrace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	dispatchers []*dispatcher

	// lifeMu упорядочивает прием новых вызовов и Shutdown
	lifeMu    sync.Mutex
	accepting bool
	calls     sync.WaitGroup
}

// Option настройка менеджера
type Option func(*Manager)

// WithDirectory справочник абонентов. Если он реализует Registrar,
// REGISTER обрабатывается им.
func WithDirectory(d EndpointDirectory) Option {
	return func(m *Manager) {
		m.directory = d
		if r, ok := d.(Registrar); ok && m.registrar == nil {
			m.registrar = r
		}
	}
}

// WithRegistrar обработчик REGISTER
func WithRegistrar(r Registrar) Option {
	return func(m *Manager) { m.registrar = r }
}

// WithRequireKnownCaller отклонять 403 вызовы от неизвестных абонентов
func WithRequireKnownCaller(on bool) Option {
	return func(m *Manager) { m.requireKnown = on }
}

// WithContact адрес, публикуемый в Contact
func WithContact(host string, port int) Option {
	return func(m *Manager) {
		m.contact = types.NewAddress("", types.NewSipURI("", host, port))
	}
}

// WithMediaAddress адрес в c= строке SDP
func WithMediaAddress(addr string) Option {
	return func(m *Manager) { m.mediaAddress = addr }
}

// WithCodecs список кодеков в порядке предпочтения
func WithCodecs(codecs ...string) Option {
	return func(m *Manager) {
		m.codecs = make([]string, 0, len(codecs))
		for _, c := range codecs {
			m.codecs = append(m.codecs, strings.ToUpper(c))
		}
	}
}

// WithTelephoneEvent предлагать и принимать RFC 2833
func WithTelephoneEvent(on bool) Option {
	return func(m *Manager) { m.dtmf = on }
}

// WithSessionConfig шаблон конфигурации RTP сессий. Кодек и DTMF
// заполняются по результату согласования.
func WithSessionConfig(cfg rtp.SessionConfig) Option {
	return func(m *Manager) { m.session = cfg }
}

// WithMailbox емкость почтового ящика вызова
func WithMailbox(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.mailbox = n
		}
	}
}

// WithMaxCalls ограничение числа одновременных вызовов, 0 без ограничения
func WithMaxCalls(n int) Option {
	return func(m *Manager) { m.maxCalls = n }
}

// WithUserAgent значение User-Agent и Server
func WithUserAgent(ua string) Option {
	return func(m *Manager) { m.userAgent = ua }
}

// WithRingTimeout предел ожидания ответа исходящего плеча, 0 без предела
func WithRingTimeout(d time.Duration) Option {
	return func(m *Manager) { m.ringTimeout = d }
}

// WithAbortGrace сколько Shutdown ждет вызовы после их принудительного
// завершения
func WithAbortGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.abortGrace = d
		}
	}
}

// WithLogger задает логгер
func WithLogger(entry *logrus.Entry) Option {
	return func(m *Manager) { m.log = entry }
}

// WithSubscriber подписывает получателя событий
func WithSubscriber(s Subscriber) Option {
	return func(m *Manager) { m.Subscribe(s) }
}

// New создает менеджер и регистрирует его обработчиком транзакций
func New(tx *transaction.Manager, router Router, pool *rtp.PortPool, ssrcs *rtp.SSRCRegistry, opts ...Option) *Manager {
	m := &Manager{
		tx:           tx,
		router:       router,
		pool:         pool,
		ssrcs:        ssrcs,
		registry:     newRegistry(),
		log:          log.Discard(),
		contact:      types.NewAddress("", types.NewSipURI("", "127.0.0.1", 5060)),
		mediaAddress: "127.0.0.1",
		codecs:       []string{"PCMU", "PCMA"},
		dtmf:         true,
		session:      rtp.DefaultSessionConfig(),
		mailbox:      DefaultMailbox,
		userAgent:    "softpbx",
		ringTimeout:  DefaultRingTimeout,
		abortGrace:   DefaultAbortGrace,
		accepting:    true,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	tx.SetHandler(m)
	return m
}

// Subscribe добавляет получателя событий
func (m *Manager) Subscribe(s Subscriber) {
	d := newDispatcher(s, m.log)
	m.subMu.Lock()
	m.dispatchers = append(m.dispatchers, d)
	m.subMu.Unlock()
}

func (m *Manager) emit(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, d := range m.dispatchers {
		d.push(e)
	}
}

// Count число живых вызовов (плечи B2BUA считаются отдельно)
func (m *Manager) Count() int { return m.registry.len() }

// HandleRequest точка входа от транзакционного уровня
func (m *Manager) HandleRequest(tx *transaction.ServerTransaction, req *types.Request) {
	switch req.Method {
	case types.MethodINVITE:
		if toTag(req) != "" {
			m.dispatchInDialog(tx, req)
			return
		}
		m.newInbound(tx, req)
	case types.MethodCANCEL:
		m.handleCancel(tx, req)
	case types.MethodREGISTER:
		if m.registrar == nil {
			m.respondStatus(tx, req, types.StatusNotImplemented)
			return
		}
		m.respond(tx, m.registrar.HandleRegister(req))
	case types.MethodOPTIONS:
		resp := builder.NewResponse(req, types.StatusOK, "", "")
		resp.SetHeader(types.HeaderAllow, allowMethods)
		resp.SetHeader(types.HeaderAccept, dialog.ContentTypeSDP)
		m.respond(tx, resp)
	case types.MethodSUBSCRIBE:
		m.respondStatus(tx, req, types.StatusBadEvent)
	case types.MethodBYE, types.MethodINFO, types.MethodNOTIFY, types.MethodREFER:
		m.dispatchInDialog(tx, req)
	default:
		m.respondStatus(tx, req, types.StatusNotImplemented)
	}
}

// HandleACK ACK на 2xx
func (m *Manager) HandleACK(ack *types.Request, _ *transaction.ServerTransaction) {
	c, ok := m.registry.byLocal(ack.CallID(), toTag(ack))
	if !ok {
		m.log.WithField("call_id", ack.CallID()).Debug("ACK вне вызова отброшен")
		return
	}
	_ = c.post(func(c *Call) { c.handleACK(ack) })
}

// HandleStrayResponse повтор 2xx после завершения клиентской транзакции
func (m *Manager) HandleStrayResponse(resp *types.Response) {
	from, err := resp.From()
	if err != nil {
		return
	}
	c, ok := m.registry.byLocal(resp.CallID(), from.Tag())
	if !ok {
		return
	}
	_ = c.post(func(c *Call) { c.handleStray(resp) })
}

func (m *Manager) dispatchInDialog(tx *transaction.ServerTransaction, req *types.Request) {
	tag := toTag(req)
	c, ok := m.registry.byLocal(req.CallID(), tag)
	if tag == "" || !ok {
		m.respondStatus(tx, req, types.StatusCallTransactionDoesNotExist)
		return
	}
	if err := c.post(func(c *Call) { c.handleInDialog(tx, req) }); err != nil {
		m.rejectPost(tx, req, err)
	}
}

func (m *Manager) handleCancel(tx *transaction.ServerTransaction, cancel *types.Request) {
	from, err := cancel.From()
	if err != nil {
		m.respondStatus(tx, cancel, types.StatusBadRequest)
		return
	}
	c, ok := m.registry.byRemote(cancel.CallID(), from.Tag())
	if !ok || c.dir != DirectionInbound {
		m.respondStatus(tx, cancel, types.StatusCallTransactionDoesNotExist)
		return
	}
	if _, ok := m.tx.FindInvite(cancel); !ok {
		m.respondStatus(tx, cancel, types.StatusCallTransactionDoesNotExist)
		return
	}
	if err := c.post(func(c *Call) { c.handleCancel(tx, cancel) }); err != nil {
		m.rejectPost(tx, cancel, err)
	}
}

func (m *Manager) newInbound(tx *transaction.ServerTransaction, req *types.Request) {
	from, err := req.From()
	if err != nil || from.Tag() == "" {
		m.respondStatus(tx, req, types.StatusBadRequest)
		return
	}
	if _, exists := m.registry.byRemote(req.CallID(), from.Tag()); exists {
		// тот же запрос пришел другим путем (RFC 3261 8.2.2.2)
		m.respondStatus(tx, req, types.StatusLoopDetected)
		return
	}
	if m.maxCalls > 0 && m.registry.len() >= m.maxCalls {
		m.respondStatus(tx, req, types.StatusServiceUnavailable)
		return
	}

	d, err := dialog.NewUAS(req, dialog.NewTag(), m.contact.Clone())
	if err != nil {
		m.respondStatus(tx, req, types.StatusBadRequest)
		return
	}
	c := m.newCall(d, DirectionInbound)
	c.headers = customHeaders(req)
	if err := m.launch(c); err != nil {
		code := types.StatusServiceUnavailable
		if !errors.Is(err, ErrShuttingDown) {
			code = types.StatusServerInternalError
		}
		m.respond(tx, d.Response(req, code, nil))
		return
	}
	_ = c.post(func(c *Call) { c.handleInvite(tx, req) })
}

// launch регистрирует вызов и запускает его горутину
func (m *Manager) launch(c *Call) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.accepting {
		return ErrShuttingDown
	}
	if !m.registry.add(c) {
		return errors.New("dialog key already registered")
	}
	c.log = c.log.WithField("handle", c.handle.String())
	m.calls.Add(1)
	go c.run()
	return nil
}

func (m *Manager) rejectPost(tx *transaction.ServerTransaction, req *types.Request, err error) {
	code := types.StatusServiceUnavailable
	if errors.Is(err, ErrCallTerminated) {
		code = types.StatusCallTransactionDoesNotExist
	}
	m.respondStatus(tx, req, code)
}

func (m *Manager) respondStatus(tx *transaction.ServerTransaction, req *types.Request, code int) {
	m.respond(tx, builder.NewResponse(req, code, "", ""))
}

func (m *Manager) respond(tx *transaction.ServerTransaction, resp *types.Response) {
	if resp == nil {
		return
	}
	if m.userAgent != "" && resp.Header(types.HeaderServer) == "" {
		resp.SetHeader(types.HeaderServer, m.userAgent)
	}
	if err := tx.Respond(resp); err != nil {
		m.log.WithError(err).WithField("status", resp.StatusCode).Debug("ответ не отправлен")
	}
}

// exec выполняет fn в горутине вызова и ждет результата
func (m *Manager) exec(ctx context.Context, h Handle, fn func(c *Call) error) error {
	c, ok := m.registry.resolve(h)
	if !ok {
		return ErrCallNotFound
	}
	res := make(chan error, 1)
	if err := c.post(func(c *Call) { res <- fn(c) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		select {
		case err := <-res:
			return err
		default:
			return ErrCallTerminated
		}
	}
}

// postTo кладет команду в ящик вызова h. При переполнении команда
// доставляется асинхронно.
func (m *Manager) postTo(h Handle, cmd command) bool {
	c, ok := m.registry.resolve(h)
	if !ok {
		return false
	}
	if err := c.post(cmd); errors.Is(err, ErrMailboxFull) {
		go func() { _ = c.send(cmd) }()
	}
	return true
}

// Media медиа вызова
func (m *Manager) Media(h Handle) (MediaHandle, error) {
	c, ok := m.registry.resolve(h)
	if !ok {
		return nil, ErrCallNotFound
	}
	mh := c.mediaHandle()
	if mh == nil {
		return nil, ErrNoMedia
	}
	return mh, nil
}

// Hold ставит удаленную сторону на удержание (re-INVITE sendonly)
func (m *Manager) Hold(ctx context.Context, h Handle) error {
	return m.exec(ctx, h, func(c *Call) error { return c.reinvite(true) })
}

// Resume снимает удержание (re-INVITE sendrecv)
func (m *Manager) Resume(ctx context.Context, h Handle) error {
	return m.exec(ctx, h, func(c *Call) error { return c.reinvite(false) })
}

// Terminate завершает вызов способом, допустимым в текущем состоянии:
// CANCEL до ответа на исходящий INVITE, 487 до ответа на входящий,
// иначе BYE
func (m *Manager) Terminate(ctx context.Context, h Handle) error {
	return m.exec(ctx, h, func(c *Call) error {
		c.hangup(ReasonLocalHangup)
		return nil
	})
}

// DialRequest параметры исходящего вызова
type DialRequest struct {
	Target  *types.URI
	NextHop *net.UDPAddr
	From    *types.Address
	Headers map[string]string
	// Timeout предел ожидания ответа, 0 значение WithRingTimeout
	Timeout time.Duration
}

// Dial начинает исходящий вызов. Ход вызова сообщается событиями.
func (m *Manager) Dial(ctx context.Context, req DialRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if req.Target == nil {
		return Handle{}, errors.New("dial target is required")
	}
	from := req.From
	if from == nil {
		from = types.NewAddress("", types.NewSipURI("softpbx", m.contact.URI.Host, m.contact.URI.Port))
	}
	c, err := m.startOutbound(outboundParams{
		target:  req.Target,
		nextHop: req.NextHop,
		from:    from,
		codecs:  m.codecs,
		dtmf:    m.dtmf,
		headers: req.Headers,
		timeout: req.Timeout,
	})
	if err != nil {
		return Handle{}, err
	}
	return c.handle, nil
}

// Transfer соединяет второе плечо вызова h с target новым INVITE. После
// ответа target плечо h завершается BYE.
func (m *Manager) Transfer(ctx context.Context, h Handle, target *types.URI) error {
	return m.exec(ctx, h, func(c *Call) error { return c.transfer(target) })
}

// Shutdown прекращает прием вызовов и ждет их завершения. По истечении
// ctx оставшиеся вызовы завершаются принудительно, после чего Shutdown
// ждет их не дольше WithAbortGrace.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifeMu.Lock()
	m.accepting = false
	m.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.WithField("calls", m.registry.len()).Warn("принудительное завершение вызовов")
		m.cancel()
		for _, c := range m.registry.calls() {
			// горутина вызова может быть занята, ящик не ждем
			go func(c *Call) { _ = c.send(func(c *Call) { c.abort(ReasonShutdown) }) }(c)
		}
		grace := time.NewTimer(m.abortGrace)
		select {
		case <-done:
		case <-grace.C:
			m.log.WithField("calls", m.registry.len()).Error("вызовы не завершились после принудительной остановки")
		}
		grace.Stop()
	}
	m.cancel()

	m.subMu.Lock()
	dispatchers := m.dispatchers
	m.dispatchers = nil
	m.subMu.Unlock()
	for _, d := range dispatchers {
		d.close()
	}
	return err
}

func toTag(req *types.Request) string {
	to, err := req.To()
	if err != nil {
		return ""
	}
	return to.Tag()
}

// customHeaders X-* заголовки запроса, передаются в событиях как есть
func customHeaders(req *types.Request) map[string]string {
	var out map[string]string
	for _, h := range req.Headers() {
		if len(h.Name) < 2 || !strings.EqualFold(h.Name[:2], "x-") {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[h.Name] = h.Value
	}
	return out
}
