package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Имена заголовков
const (
	HeaderVia               = "Via"
	HeaderFrom              = "From"
	HeaderTo                = "To"
	HeaderCallID            = "Call-ID"
	HeaderCSeq              = "CSeq"
	HeaderContact           = "Contact"
	HeaderMaxForwards       = "Max-Forwards"
	HeaderContentType       = "Content-Type"
	HeaderContentLength     = "Content-Length"
	HeaderRoute             = "Route"
	HeaderRecordRoute       = "Record-Route"
	HeaderAllow             = "Allow"
	HeaderAccept            = "Accept"
	HeaderSupported         = "Supported"
	HeaderUserAgent         = "User-Agent"
	HeaderServer            = "Server"
	HeaderExpires           = "Expires"
	HeaderMinExpires        = "Min-Expires"
	HeaderReferTo           = "Refer-To"
	HeaderReferredBy        = "Referred-By"
	HeaderEvent             = "Event"
	HeaderSubscriptionState = "Subscription-State"
	HeaderReason            = "Reason"
	HeaderRetryAfter        = "Retry-After"
)

// compactForms сокращенные формы имен заголовков (RFC 3261 7.3.3, RFC 3515, RFC 3903)
var compactForms = map[string]string{
	"i": HeaderCallID,
	"m": HeaderContact,
	"f": HeaderFrom,
	"t": HeaderTo,
	"v": HeaderVia,
	"c": HeaderContentType,
	"l": HeaderContentLength,
	"k": HeaderSupported,
	"s": "Subject",
	"o": HeaderEvent,
	"u": "Allow-Events",
	"r": HeaderReferTo,
	"e": "Content-Encoding",
	"x": "Session-Expires",
	"y": "Identity",
	"b": HeaderReferredBy,
}

// CanonicalHeaderName приводит имя заголовка к канонической форме.
// Используется только для сравнения: в сообщении имя хранится как пришло.
func CanonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) == 1 {
		if full, ok := compactForms[strings.ToLower(name)]; ok {
			return full
		}
	}
	switch strings.ToLower(name) {
	case "call-id":
		return HeaderCallID
	case "cseq":
		return HeaderCSeq
	case "www-authenticate":
		return "WWW-Authenticate"
	}
	parts := strings.Split(strings.ToLower(name), "-")
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "-")
}

// Header один заголовок в порядке появления в сообщении
type Header struct {
	Name  string
	Value string
}

// Headers упорядоченный список заголовков с регистронезависимым поиском.
// Несколько значений одного имени хранятся отдельными записями в исходном порядке.
type Headers struct {
	list []Header
}

func sameHeader(a, b string) bool {
	return strings.EqualFold(a, b) || CanonicalHeaderName(a) == CanonicalHeaderName(b)
}

// Get возвращает первое значение заголовка
func (h *Headers) Get(name string) string {
	for _, hdr := range h.list {
		if sameHeader(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values возвращает все значения заголовка в порядке появления
func (h *Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h.list {
		if sameHeader(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Has проверяет наличие заголовка
func (h *Headers) Has(name string) bool {
	for _, hdr := range h.list {
		if sameHeader(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Add добавляет значение в конец списка
func (h *Headers) Add(name, value string) {
	h.list = append(h.list, Header{Name: name, Value: value})
}

// Prepend вставляет значение перед всеми остальными (для Via)
func (h *Headers) Prepend(name, value string) {
	h.list = append([]Header{{Name: name, Value: value}}, h.list...)
}

// Set заменяет все значения заголовка одним, сохраняя позицию первого
func (h *Headers) Set(name, value string) {
	idx := -1
	out := h.list[:0]
	for _, hdr := range h.list {
		if sameHeader(hdr.Name, name) {
			if idx == -1 {
				idx = len(out)
				out = append(out, Header{Name: hdr.Name, Value: value})
			}
			continue
		}
		out = append(out, hdr)
	}
	h.list = out
	if idx == -1 {
		h.list = append(h.list, Header{Name: name, Value: value})
	}
}

// Del удаляет все значения заголовка
func (h *Headers) Del(name string) {
	out := h.list[:0]
	for _, hdr := range h.list {
		if !sameHeader(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	h.list = out
}

// RemoveFirst удаляет первое значение заголовка
func (h *Headers) RemoveFirst(name string) {
	for i, hdr := range h.list {
		if sameHeader(hdr.Name, name) {
			h.list = append(h.list[:i], h.list[i+1:]...)
			return
		}
	}
}

// All возвращает копию списка заголовков
func (h *Headers) All() []Header {
	out := make([]Header, len(h.list))
	copy(out, h.list)
	return out
}

// Len количество записей
func (h *Headers) Len() int {
	return len(h.list)
}

// Clone глубокая копия
func (h *Headers) Clone() Headers {
	return Headers{list: h.All()}
}

// Via значение одного элемента заголовка Via
type Via struct {
	Protocol  string // "SIP/2.0"
	Transport string // "UDP", "TCP", ...
	Host      string
	Port      int
	Params    Params
}

// BranchMagicCookie префикс branch, совместимого с RFC 3261
const BranchMagicCookie = "z9hG4bK"

// NewVia создает Via для UDP
func NewVia(host string, port int, branch string) *Via {
	v := &Via{Protocol: "SIP/2.0", Transport: "UDP", Host: host, Port: port}
	v.Params = v.Params.Set("branch", branch)
	return v
}

// ParseVia парсит одно значение Via (без запятых)
func ParseVia(value string) (*Via, error) {
	value = strings.TrimSpace(value)
	sentProtocol, rest, ok := cutSpace(value)
	if !ok {
		return nil, fmt.Errorf("invalid Via %q", value)
	}
	parts := strings.Split(sentProtocol, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid Via protocol %q", sentProtocol)
	}
	via := &Via{
		Protocol:  strings.TrimSpace(parts[0]) + "/" + strings.TrimSpace(parts[1]),
		Transport: strings.ToUpper(strings.TrimSpace(parts[2])),
	}

	sentBy := rest
	if idx := strings.IndexByte(rest, ';'); idx != -1 {
		sentBy = rest[:idx]
		via.Params = parseParams(rest[idx+1:], ';')
	}
	host, port, err := splitHostPort(strings.ReplaceAll(sentBy, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid Via sent-by: %w", err)
	}
	via.Host, via.Port = host, port
	return via, nil
}

// ParseViaList разбирает заголовок Via, который может содержать несколько значений
func ParseViaList(value string) ([]*Via, error) {
	var out []*Via
	for _, part := range splitQuoted(value, ',') {
		if strings.TrimSpace(part) == "" {
			continue
		}
		v, err := ParseVia(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func cutSpace(s string) (string, string, bool) {
	idx := strings.IndexAny(s, " \t")
	if idx == -1 {
		return s, "", false
	}
	return s[:idx], strings.TrimSpace(s[idx:]), true
}

// Branch возвращает параметр branch
func (v *Via) Branch() string {
	return v.Params.Value("branch")
}

// SentBy возвращает host[:port]
func (v *Via) SentBy() string {
	u := URI{Host: v.Host, Port: v.Port}
	return u.HostPort()
}

// String возвращает строковое представление
func (v *Via) String() string {
	var sb strings.Builder
	sb.WriteString(v.Protocol)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy())
	v.Params.write(&sb, ';')
	return sb.String()
}

// CSeq значение заголовка CSeq
type CSeq struct {
	Sequence uint32
	Method   string
}

// ParseCSeq парсит значение CSeq
func ParseCSeq(value string) (CSeq, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return CSeq{}, fmt.Errorf("invalid CSeq %q", value)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, fmt.Errorf("invalid CSeq number %q", fields[0])
	}
	return CSeq{Sequence: uint32(seq), Method: strings.ToUpper(fields[1])}, nil
}

// String возвращает строковое представление
func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Sequence), 10) + " " + c.Method
}

// SplitCommaValues режет значение заголовка по запятым вне кавычек и скобок
func SplitCommaValues(value string) []string {
	var out []string
	for _, part := range splitQuoted(value, ',') {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
