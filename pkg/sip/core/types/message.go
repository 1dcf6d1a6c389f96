package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SIPVersion единственная поддерживаемая версия протокола
const SIPVersion = "SIP/2.0"

// Message общий интерфейс запросов и ответов.
//
// Разобранное сообщение считается неизменяемым: код, которому нужно
// производное сообщение, работает с копией (Clone). Сериализация
// детерминирована, поэтому повторная отправка одного значения дает
// побайтно одинаковый результат.
type Message interface {
	IsRequest() bool
	StartLine() string

	Header(name string) string
	HeaderValues(name string) []string
	Headers() []Header

	Body() []byte

	CallID() string
	CSeq() (CSeq, error)
	TopVia() (*Via, error)
	From() (*Address, error)
	To() (*Address, error)

	String() string
	Bytes() []byte
}

// message общая часть запроса и ответа
type message struct {
	headers Headers
	body    []byte
}

// Header возвращает первое значение заголовка
func (m *message) Header(name string) string { return m.headers.Get(name) }

// HeaderValues возвращает все значения заголовка.
// Значения, перечисленные через запятую в одной строке, не разделяются.
func (m *message) HeaderValues(name string) []string { return m.headers.Values(name) }

// Headers возвращает заголовки в исходном порядке
func (m *message) Headers() []Header { return m.headers.All() }

// Body возвращает тело сообщения
func (m *message) Body() []byte { return m.body }

// SetHeader заменяет значения заголовка
func (m *message) SetHeader(name, value string) { m.headers.Set(name, value) }

// AddHeader добавляет значение заголовка
func (m *message) AddHeader(name, value string) { m.headers.Add(name, value) }

// PrependHeader добавляет значение перед существующими
func (m *message) PrependHeader(name, value string) { m.headers.Prepend(name, value) }

// RemoveHeader удаляет все значения заголовка
func (m *message) RemoveHeader(name string) { m.headers.Del(name) }

// SetBody устанавливает тело и Content-Type, пересчитывая Content-Length
func (m *message) SetBody(contentType string, body []byte) {
	m.body = body
	if len(body) > 0 && contentType != "" {
		m.headers.Set(HeaderContentType, contentType)
	} else if len(body) == 0 {
		m.headers.Del(HeaderContentType)
	}
	m.headers.Set(HeaderContentLength, strconv.Itoa(len(body)))
}

// AttachBody устанавливает тело как есть, не трогая заголовки
func (m *message) AttachBody(body []byte) { m.body = body }

// CallID возвращает значение Call-ID
func (m *message) CallID() string {
	return strings.TrimSpace(m.headers.Get(HeaderCallID))
}

// CSeq разбирает заголовок CSeq
func (m *message) CSeq() (CSeq, error) {
	value := m.headers.Get(HeaderCSeq)
	if value == "" {
		return CSeq{}, fmt.Errorf("missing CSeq header")
	}
	return ParseCSeq(value)
}

// TopVia разбирает верхний элемент Via
func (m *message) TopVia() (*Via, error) {
	value := m.headers.Get(HeaderVia)
	if value == "" {
		return nil, fmt.Errorf("missing Via header")
	}
	vias, err := ParseViaList(value)
	if err != nil {
		return nil, err
	}
	if len(vias) == 0 {
		return nil, fmt.Errorf("empty Via header")
	}
	return vias[0], nil
}

// From разбирает заголовок From
func (m *message) From() (*Address, error) {
	return m.address(HeaderFrom)
}

// To разбирает заголовок To
func (m *message) To() (*Address, error) {
	return m.address(HeaderTo)
}

// Contact разбирает первый Contact
func (m *message) Contact() (*Address, error) {
	return m.address(HeaderContact)
}

func (m *message) address(name string) (*Address, error) {
	value := m.headers.Get(name)
	if value == "" {
		return nil, fmt.Errorf("missing %s header", name)
	}
	list, err := ParseAddressList(value)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("empty %s header", name)
	}
	return list[0], nil
}

func (m *message) write(sb *strings.Builder, startLine string) {
	sb.WriteString(startLine)
	sb.WriteString("\r\n")
	for _, h := range m.headers.list {
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	sb.Write(m.body)
}

// Request SIP запрос
type Request struct {
	message
	Method     string
	RequestURI *URI

	source *net.UDPAddr
}

// NewRequest создает пустой запрос
func NewRequest(method string, uri *URI) *Request {
	return &Request{Method: strings.ToUpper(method), RequestURI: uri}
}

// IsRequest всегда true
func (r *Request) IsRequest() bool { return true }

// StartLine возвращает Request-Line без CRLF
func (r *Request) StartLine() string {
	return r.Method + " " + r.RequestURI.String() + " " + SIPVersion
}

// Source адрес, с которого получен запрос (nil для исходящих)
func (r *Request) Source() *net.UDPAddr { return r.source }

// SetSource запоминает адрес отправителя
func (r *Request) SetSource(addr *net.UDPAddr) { r.source = addr }

// String сериализует запрос
func (r *Request) String() string {
	var sb strings.Builder
	r.write(&sb, r.StartLine())
	return sb.String()
}

// Bytes сериализует запрос
func (r *Request) Bytes() []byte { return []byte(r.String()) }

// Clone создает независимую копию запроса
func (r *Request) Clone() *Request {
	c := &Request{
		Method:     r.Method,
		RequestURI: r.RequestURI.Clone(),
		source:     r.source,
	}
	c.headers = r.headers.Clone()
	c.body = append([]byte(nil), r.body...)
	return c
}

// Response SIP ответ
type Response struct {
	message
	StatusCode int
	Reason     string
}

// NewResponse создает пустой ответ
func NewResponse(code int, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	return &Response{StatusCode: code, Reason: reason}
}

// IsRequest всегда false
func (r *Response) IsRequest() bool { return false }

// StartLine возвращает Status-Line без CRLF
func (r *Response) StartLine() string {
	return SIPVersion + " " + strconv.Itoa(r.StatusCode) + " " + r.Reason
}

// String сериализует ответ
func (r *Response) String() string {
	var sb strings.Builder
	r.write(&sb, r.StartLine())
	return sb.String()
}

// Bytes сериализует ответ
func (r *Response) Bytes() []byte { return []byte(r.String()) }

// Clone создает независимую копию ответа
func (r *Response) Clone() *Response {
	c := &Response{StatusCode: r.StatusCode, Reason: r.Reason}
	c.headers = r.headers.Clone()
	c.body = append([]byte(nil), r.body...)
	return c
}

// IsProvisional 1xx
func (r *Response) IsProvisional() bool { return r.StatusCode >= 100 && r.StatusCode < 200 }

// IsSuccess 2xx
func (r *Response) IsSuccess() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// IsFinal >= 200
func (r *Response) IsFinal() bool { return r.StatusCode >= 200 }
