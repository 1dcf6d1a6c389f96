// Package dialplan содержит маршрутизацию вызовов (статический YAML
// диалплан) и регистратор абонентов в памяти.
package dialplan

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
)

// Значения по умолчанию для интервалов регистрации
const (
	DefaultMinExpires = 60 * time.Second
	DefaultMaxExpires = time.Hour
	DefaultExpires    = 10 * time.Minute
)

var (
	// ErrIntervalTooBrief запрошенный интервал меньше минимального (423)
	ErrIntervalTooBrief = errors.New("registration interval too brief")
	// ErrOutOfOrder повтор или старый CSeq для того же Call-ID
	ErrOutOfOrder = errors.New("registration out of order")
)

// Binding одна привязка контакта к AOR
type Binding struct {
	Contact   *types.URI
	Source    *net.UDPAddr
	UserAgent string
	CallID    string
	CSeq      uint32
	Expires   time.Time
	Updated   time.Time
	// Headers X-* заголовки REGISTER, например X-MAC-Address
	Headers map[string]string
}

// TTL оставшееся время жизни привязки
func (b Binding) TTL(now time.Time) time.Duration {
	if d := b.Expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Registrar хранит привязки AOR -> контакты. AOR это user часть URI без
// учета регистра: один домен на экземпляр.
type Registrar struct {
	mu       sync.RWMutex
	bindings map[string]map[string]Binding

	minExpires time.Duration
	maxExpires time.Duration
	defExpires time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// RegistrarOption настройка регистратора
type RegistrarOption func(*Registrar)

// WithExpires задает минимальный, максимальный интервал и интервал по
// умолчанию. Нулевые значения не меняют текущие.
func WithExpires(min, max, def time.Duration) RegistrarOption {
	return func(r *Registrar) {
		if min > 0 {
			r.minExpires = min
		}
		if max > 0 {
			r.maxExpires = max
		}
		if def > 0 {
			r.defExpires = def
		}
	}
}

// WithClock источник времени для тестов
func WithClock(now func() time.Time) RegistrarOption {
	return func(r *Registrar) { r.now = now }
}

// WithRegistrarLogger задает логгер
func WithRegistrarLogger(entry *logrus.Entry) RegistrarOption {
	return func(r *Registrar) { r.log = entry }
}

// NewRegistrar создает пустой регистратор
func NewRegistrar(opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		bindings:   make(map[string]map[string]Binding),
		minExpires: DefaultMinExpires,
		maxExpires: DefaultMaxExpires,
		defExpires: DefaultExpires,
		now:        time.Now,
		log:        log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func aorKey(user string) string {
	return strings.ToLower(user)
}

// Register добавляет или обновляет привязку. Нулевой ttl удаляет
// привязку контакта.
func (r *Registrar) Register(aor string, b Binding, ttl time.Duration) error {
	if ttl > 0 && ttl < r.minExpires {
		return ErrIntervalTooBrief
	}
	if ttl > r.maxExpires {
		ttl = r.maxExpires
	}
	key, contact := aorKey(aor), b.Contact.String()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bindings[key]
	if old, ok := set[contact]; ok && old.CallID == b.CallID && b.CSeq <= old.CSeq {
		return ErrOutOfOrder
	}
	if ttl == 0 {
		delete(set, contact)
		if len(set) == 0 {
			delete(r.bindings, key)
		}
		r.log.WithFields(logrus.Fields{"aor": key, "contact": contact}).Info("регистрация снята")
		return nil
	}
	if set == nil {
		set = make(map[string]Binding)
		r.bindings[key] = set
	}
	b.Updated = now
	b.Expires = now.Add(ttl)
	set[contact] = b
	r.log.WithFields(logrus.Fields{"aor": key, "contact": contact, "expires": ttl}).Debug("регистрация")
	return nil
}

// Unregister удаляет все привязки AOR
func (r *Registrar) Unregister(aor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, aorKey(aor))
}

// Lookup живые привязки AOR, последняя обновленная первой
func (r *Registrar) Lookup(aor string) []Binding {
	now := r.now()
	r.mu.RLock()
	set := r.bindings[aorKey(aor)]
	out := make([]Binding, 0, len(set))
	for _, b := range set {
		if b.Expires.After(now) {
			out = append(out, b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

// Known есть ли у user части uri живая регистрация
func (r *Registrar) Known(uri *types.URI) bool {
	if uri == nil {
		return false
	}
	return len(r.Lookup(uri.User)) > 0
}

// Sweep удаляет истекшие привязки и возвращает их число
func (r *Registrar) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, set := range r.bindings {
		for contact, b := range set {
			if !b.Expires.After(now) {
				delete(set, contact)
				removed++
			}
		}
		if len(set) == 0 {
			delete(r.bindings, key)
		}
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Debug("истекшие регистрации удалены")
	}
	return removed
}

// Len число AOR с привязками
func (r *Registrar) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// HandleRegister обрабатывает REGISTER (RFC 3261 10.3) и возвращает ответ:
// 200 со списком текущих контактов, 423 с Min-Expires, 400 на ошибки
// запроса.
func (r *Registrar) HandleRegister(req *types.Request) *types.Response {
	to, err := req.To()
	if err != nil || to.URI == nil || to.URI.User == "" {
		return r.reply(req, types.StatusBadRequest)
	}
	cseq, err := req.CSeq()
	if err != nil {
		return r.reply(req, types.StatusBadRequest)
	}
	aor := to.URI.User

	var contacts []*types.Address
	for _, value := range req.HeaderValues(types.HeaderContact) {
		list, err := types.ParseAddressList(value)
		if err != nil {
			return r.reply(req, types.StatusBadRequest)
		}
		contacts = append(contacts, list...)
	}

	headerExpires := -1
	if v := req.Header(types.HeaderExpires); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return r.reply(req, types.StatusBadRequest)
		}
		headerExpires = n
	}

	for _, c := range contacts {
		if !c.Wildcard {
			continue
		}
		// "*" допустим только один и с Expires: 0
		if len(contacts) != 1 || headerExpires != 0 {
			return r.reply(req, types.StatusBadRequest)
		}
		r.Unregister(aor)
		r.log.WithField("aor", aor).Info("все регистрации сняты")
		return r.ok(req, aor)
	}

	base := Binding{
		Source:    req.Source(),
		UserAgent: req.Header(types.HeaderUserAgent),
		CallID:    req.CallID(),
		CSeq:      cseq.Sequence,
		Headers:   passThrough(req),
	}
	for _, c := range contacts {
		ttl := r.defExpires
		if headerExpires >= 0 {
			ttl = time.Duration(headerExpires) * time.Second
		}
		if v, ok := c.Params.Get("expires"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return r.reply(req, types.StatusBadRequest)
			}
			ttl = time.Duration(n) * time.Second
		}

		b := base
		b.Contact = c.URI.Clone()
		switch err := r.Register(aor, b, ttl); {
		case errors.Is(err, ErrIntervalTooBrief):
			resp := r.reply(req, types.StatusIntervalTooBrief)
			resp.SetHeader(types.HeaderMinExpires, strconv.Itoa(int(r.minExpires/time.Second)))
			return resp
		case errors.Is(err, ErrOutOfOrder):
			return r.reply(req, types.StatusServerInternalError)
		case err != nil:
			return r.reply(req, types.StatusServerInternalError)
		}
	}
	return r.ok(req, aor)
}

// ok 200 с текущими привязками AOR
func (r *Registrar) ok(req *types.Request, aor string) *types.Response {
	resp := r.reply(req, types.StatusOK)
	now := r.now()
	for _, b := range r.Lookup(aor) {
		contact := types.NewAddress("", b.Contact.Clone())
		contact.Params = contact.Params.Set("expires", strconv.Itoa(int(b.TTL(now).Round(time.Second)/time.Second)))
		resp.AddHeader(types.HeaderContact, contact.String())
	}
	return resp
}

func (r *Registrar) reply(req *types.Request, code int) *types.Response {
	return builder.NewResponse(req, code, "", dialog.NewTag())
}

// passThrough X-* заголовки запроса
func passThrough(req *types.Request) map[string]string {
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

func (b Binding) String() string {
	return fmt.Sprintf("%s via %s", b.Contact, b.Source)
}
