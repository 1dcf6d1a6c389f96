// Package transport реализует SIP транспорт поверх UDP: один цикл приема,
// разбор датаграмм и одна горутина отправки на сокет.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/internal/sockopt"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/parser"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

const (
	// MaxDatagramSize максимальный размер UDP датаграммы
	MaxDatagramSize = 65535

	defaultSendQueue = 1024
)

// Handler получает разобранные сообщения из цикла приема.
// Обработчик не должен блокироваться надолго: пока он работает,
// следующая датаграмма не читается.
type Handler interface {
	HandleMessage(msg types.Message, from *net.UDPAddr)
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(msg types.Message, from *net.UDPAddr)

func (f HandlerFunc) HandleMessage(msg types.Message, from *net.UDPAddr) { f(msg, from) }

// Sender отправляет сообщения. Реализуется UDPTransport и подменяется в тестах.
type Sender interface {
	Send(msg types.Message, to *net.UDPAddr) error
	LocalAddr() *net.UDPAddr
}

// Stats счетчики транспорта
type Stats struct {
	Received   uint64
	Sent       uint64
	Malformed  uint64
	KeepAlives uint64
	Dropped    uint64
	Errors     uint64
}

type outbound struct {
	data []byte
	to   *net.UDPAddr
}

// UDPTransport SIP транспорт на одном UDP сокете
type UDPTransport struct {
	conn        *net.UDPConn
	localAddr   *net.UDPAddr
	parser      *parser.DefaultParser
	log         *logrus.Entry
	logMessages bool
	onMalformed func(err error, from *net.UDPAddr)

	sendq  chan outbound
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	received   atomic.Uint64
	sent       atomic.Uint64
	malformed  atomic.Uint64
	keepAlives atomic.Uint64
	dropped    atomic.Uint64
	errs       atomic.Uint64
}

type options struct {
	parser      *parser.DefaultParser
	log         *logrus.Entry
	logMessages bool
	sendQueue   int
	sockopt     sockopt.Options
	onMalformed func(err error, from *net.UDPAddr)
}

// Option настройка транспорта
type Option func(*options)

// WithParser задает парсер (например строгий)
func WithParser(p *parser.DefaultParser) Option {
	return func(o *options) { o.parser = p }
}

// WithLogger задает логгер
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

// WithMessageLogging включает дамп входящих и исходящих сообщений на уровне trace
func WithMessageLogging(enabled bool) Option {
	return func(o *options) { o.logMessages = enabled }
}

// WithSendQueue размер очереди отправки
func WithSendQueue(size int) Option {
	return func(o *options) { o.sendQueue = size }
}

// WithDSCP маркировка исходящих пакетов сигнализации
func WithDSCP(dscp int) Option {
	return func(o *options) { o.sockopt.DSCP = dscp }
}

// WithMalformedHook вызывается на каждую неразобранную датаграмму
func WithMalformedHook(fn func(err error, from *net.UDPAddr)) Option {
	return func(o *options) { o.onMalformed = fn }
}

// NewUDPTransport открывает сокет и запускает горутину отправки.
// Прием начинается в Serve.
func NewUDPTransport(ctx context.Context, addr string, opts ...Option) (*UDPTransport, error) {
	o := options{
		sendQueue: defaultSendQueue,
		sockopt:   sockopt.Options{DSCP: sockopt.DSCPClassSelector3},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.parser == nil {
		o.parser = parser.NewParser()
	}
	if o.log == nil {
		o.log = log.Discard()
	}

	conn, err := sockopt.ListenUDP(ctx, "udp", addr, o.sockopt)
	if err != nil {
		return nil, &TransportError{Operation: "listen", Addr: addr, Err: err}
	}

	t := &UDPTransport{
		conn:        conn,
		localAddr:   conn.LocalAddr().(*net.UDPAddr),
		parser:      o.parser,
		log:         o.log.WithField("local", conn.LocalAddr().String()),
		logMessages: o.logMessages,
		onMalformed: o.onMalformed,
		sendq:       make(chan outbound, o.sendQueue),
		done:        make(chan struct{}),
	}

	t.wg.Add(1)
	go t.sendLoop()

	return t, nil
}

// LocalAddr адрес, на котором слушает транспорт
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.localAddr
}

// Send ставит сообщение в очередь отправки
func (t *UDPTransport) Send(msg types.Message, to *net.UDPAddr) error {
	if to == nil {
		return &TransportError{Operation: "send", Err: ErrInvalidAddress}
	}
	if t.closed.Load() {
		return &TransportError{Operation: "send", Addr: to.String(), Err: ErrTransportClosed}
	}

	data := msg.Bytes()
	if len(data) > MaxDatagramSize {
		return &TransportError{Operation: "send", Addr: to.String(), Err: ErrMessageTooLarge}
	}
	if t.logMessages {
		t.log.WithField("to", to.String()).Tracef("отправка:\n%s", data)
	}

	select {
	case t.sendq <- outbound{data: data, to: to}:
		return nil
	case <-t.done:
		return &TransportError{Operation: "send", Addr: to.String(), Err: ErrTransportClosed}
	default:
		t.dropped.Add(1)
		return &TransportError{Operation: "send", Addr: to.String(), Err: ErrBufferFull}
	}
}

func (t *UDPTransport) sendLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			// дописываем то, что успели поставить в очередь до Close
			for {
				select {
				case out := <-t.sendq:
					t.write(out)
				default:
					return
				}
			}
		case out := <-t.sendq:
			t.write(out)
		}
	}
}

func (t *UDPTransport) write(out outbound) {
	if _, err := t.conn.WriteToUDP(out.data, out.to); err != nil {
		t.errs.Add(1)
		t.log.WithError(err).WithField("to", out.to.String()).Warn("ошибка отправки")
		return
	}
	t.sent.Add(1)
}

// Serve читает датаграммы до отмены контекста или Close.
// Ошибочная датаграмма никогда не останавливает цикл.
func (t *UDPTransport) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("transport handler is nil")
	}

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.errs.Add(1)
			t.log.WithError(err).Warn("ошибка чтения")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.handleDatagram(handler, data, from)
	}
}

func (t *UDPTransport) handleDatagram(handler Handler, data []byte, from *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			t.errs.Add(1)
			t.log.WithFields(logrus.Fields{
				"from":  from.String(),
				"panic": r,
			}).Errorf("паника при обработке датаграммы\n%s", debug.Stack())
		}
	}()

	if parser.IsKeepAlive(data) {
		t.keepAlives.Add(1)
		return
	}
	t.received.Add(1)

	msg, err := t.parser.ParseMessage(data)
	if err != nil {
		t.malformed.Add(1)
		t.rejectMalformed(err, from)
		return
	}

	if t.logMessages {
		t.log.WithField("from", from.String()).Tracef("получено:\n%s", data)
	}
	if req, ok := msg.(*types.Request); ok {
		req.SetSource(from)
	}
	handler.HandleMessage(msg, from)
}

// rejectMalformed отвечает 400 без создания транзакции, если из датаграммы
// удалось извлечь заголовки для ответа, иначе молча отбрасывает
func (t *UDPTransport) rejectMalformed(err error, from *net.UDPAddr) {
	entry := t.log.WithError(err).WithField("from", from.String())
	if t.onMalformed != nil {
		t.onMalformed(err, from)
	}

	var malformed *siperrors.MalformedMessage
	if !errors.As(err, &malformed) || !malformed.CanRespond() {
		entry.Debug("неразобранная датаграмма отброшена")
		return
	}

	resp, buildErr := builder.StatelessError(malformed, types.StatusBadRequest)
	if buildErr != nil {
		entry.WithField("build_error", buildErr).Debug("не удалось построить 400")
		return
	}
	if sendErr := t.Send(resp, from); sendErr != nil {
		entry.WithField("send_error", sendErr).Warn("не удалось отправить 400")
		return
	}
	entry.Debug("отправлен 400 Bad Request")
}

// Stats возвращает снимок счетчиков
func (t *UDPTransport) Stats() Stats {
	return Stats{
		Received:   t.received.Load(),
		Sent:       t.sent.Load(),
		Malformed:  t.malformed.Load(),
		KeepAlives: t.keepAlives.Load(),
		Dropped:    t.dropped.Load(),
		Errors:     t.errs.Load(),
	}
}

// Close останавливает прием и отправку. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	t.wg.Wait()
	return t.conn.Close()
}
