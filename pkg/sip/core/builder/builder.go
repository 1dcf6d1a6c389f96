// Package builder строит SIP запросы и ответы по правилам RFC 3261.
package builder

import (
	"fmt"
	"strconv"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// DefaultMaxForwards значение Max-Forwards для исходящих запросов
const DefaultMaxForwards = 70

// RequestBuilder строит SIP запрос. Via добавляется транзакционным
// уровнем при отправке.
type RequestBuilder struct {
	req *types.Request
}

// NewRequest начинает построение запроса
func NewRequest(method string, requestURI *types.URI) *RequestBuilder {
	return &RequestBuilder{req: types.NewRequest(method, requestURI)}
}

// From устанавливает From
func (b *RequestBuilder) From(addr *types.Address) *RequestBuilder {
	b.req.SetHeader(types.HeaderFrom, addr.String())
	return b
}

// To устанавливает To
func (b *RequestBuilder) To(addr *types.Address) *RequestBuilder {
	b.req.SetHeader(types.HeaderTo, addr.String())
	return b
}

// CallID устанавливает Call-ID
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.req.SetHeader(types.HeaderCallID, callID)
	return b
}

// CSeq устанавливает номер CSeq, метод берется из запроса
func (b *RequestBuilder) CSeq(seq uint32) *RequestBuilder {
	b.req.SetHeader(types.HeaderCSeq, types.CSeq{Sequence: seq, Method: b.req.Method}.String())
	return b
}

// Contact устанавливает Contact
func (b *RequestBuilder) Contact(addr *types.Address) *RequestBuilder {
	b.req.SetHeader(types.HeaderContact, addr.String())
	return b
}

// Routes добавляет Route в заданном порядке
func (b *RequestBuilder) Routes(routes []*types.Address) *RequestBuilder {
	for _, r := range routes {
		b.req.AddHeader(types.HeaderRoute, r.String())
	}
	return b
}

// Header добавляет произвольный заголовок
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.req.AddHeader(name, value)
	return b
}

// Body устанавливает тело с типом содержимого
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.req.SetBody(contentType, body)
	return b
}

// Build проверяет обязательные поля и возвращает запрос
func (b *RequestBuilder) Build() (*types.Request, error) {
	if b.req.RequestURI == nil {
		return nil, fmt.Errorf("request URI is required")
	}
	for _, name := range []string{types.HeaderFrom, types.HeaderTo, types.HeaderCallID, types.HeaderCSeq} {
		if b.req.Header(name) == "" {
			return nil, fmt.Errorf("missing required header: %s", name)
		}
	}
	if b.req.Header(types.HeaderMaxForwards) == "" {
		b.req.SetHeader(types.HeaderMaxForwards, strconv.Itoa(DefaultMaxForwards))
	}
	if b.req.Header(types.HeaderContentLength) == "" {
		b.req.SetHeader(types.HeaderContentLength, "0")
	}
	return b.req, nil
}

// NewResponse создает ответ на запрос (RFC 3261 8.2.6.2): копирует Via,
// From, To, Call-ID и CSeq. Record-Route копируется для ответов,
// устанавливающих диалог. Пустой toTag оставляет To без изменений.
func NewResponse(req *types.Request, code int, reason, toTag string) *types.Response {
	resp := types.NewResponse(code, reason)
	for _, via := range req.HeaderValues(types.HeaderVia) {
		resp.AddHeader(types.HeaderVia, via)
	}
	resp.AddHeader(types.HeaderFrom, req.Header(types.HeaderFrom))

	to := req.Header(types.HeaderTo)
	if toTag != "" && code != types.StatusTrying {
		if addr, err := types.ParseAddress(to); err == nil && addr.Tag() == "" {
			addr.SetTag(toTag)
			to = addr.String()
		}
	}
	resp.AddHeader(types.HeaderTo, to)
	resp.AddHeader(types.HeaderCallID, req.Header(types.HeaderCallID))
	resp.AddHeader(types.HeaderCSeq, req.Header(types.HeaderCSeq))

	if code > 100 && code < 300 {
		for _, rr := range req.HeaderValues(types.HeaderRecordRoute) {
			resp.AddHeader(types.HeaderRecordRoute, rr)
		}
	}
	resp.SetHeader(types.HeaderContentLength, "0")
	return resp
}

// StatelessError строит ответ на запрос, который не удалось разобрать.
// Возвращает ошибку, если из датаграммы не извлечены нужные заголовки.
func StatelessError(m *siperrors.MalformedMessage, code int) (*types.Response, error) {
	if !m.CanRespond() {
		return nil, fmt.Errorf("cannot respond to malformed message: %s", m.Reason)
	}
	resp := types.NewResponse(code, "")
	for _, via := range m.Vias {
		resp.AddHeader(types.HeaderVia, via)
	}
	resp.AddHeader(types.HeaderFrom, m.From)
	resp.AddHeader(types.HeaderTo, m.To)
	resp.AddHeader(types.HeaderCallID, m.CallID)
	if m.CSeq != "" {
		resp.AddHeader(types.HeaderCSeq, m.CSeq)
	}
	resp.AddHeader(types.HeaderReason, fmt.Sprintf("SIP;cause=%d;text=%q", code, m.Reason))
	resp.SetHeader(types.HeaderContentLength, "0")
	return resp, nil
}

// ACKForNon2xx создает ACK на не-2xx ответ INVITE (RFC 3261 17.1.1.3).
// ACK входит в ту же транзакцию: Via и Request-URI берутся из INVITE,
// To из ответа.
func ACKForNon2xx(invite *types.Request, resp *types.Response) (*types.Request, error) {
	if invite.Method != types.MethodINVITE {
		return nil, fmt.Errorf("not an INVITE request")
	}
	if resp.StatusCode < 300 {
		return nil, fmt.Errorf("not a non-2xx response: %d", resp.StatusCode)
	}
	cseq, err := invite.CSeq()
	if err != nil {
		return nil, err
	}

	ack := types.NewRequest(types.MethodACK, invite.RequestURI.Clone())
	ack.AddHeader(types.HeaderVia, topViaValue(invite))
	ack.AddHeader(types.HeaderMaxForwards, strconv.Itoa(DefaultMaxForwards))
	ack.AddHeader(types.HeaderFrom, invite.Header(types.HeaderFrom))
	ack.AddHeader(types.HeaderTo, resp.Header(types.HeaderTo))
	ack.AddHeader(types.HeaderCallID, invite.Header(types.HeaderCallID))
	ack.AddHeader(types.HeaderCSeq, types.CSeq{Sequence: cseq.Sequence, Method: types.MethodACK}.String())
	for _, route := range invite.HeaderValues(types.HeaderRoute) {
		ack.AddHeader(types.HeaderRoute, route)
	}
	ack.AddHeader(types.HeaderContentLength, "0")
	return ack, nil
}

// CANCEL создает CANCEL для INVITE (RFC 3261 9.1): тот же branch,
// Request-URI, Call-ID, From, To и номер CSeq.
func CANCEL(invite *types.Request) (*types.Request, error) {
	if invite.Method != types.MethodINVITE {
		return nil, fmt.Errorf("not an INVITE request")
	}
	cseq, err := invite.CSeq()
	if err != nil {
		return nil, err
	}

	cancel := types.NewRequest(types.MethodCANCEL, invite.RequestURI.Clone())
	cancel.AddHeader(types.HeaderVia, topViaValue(invite))
	cancel.AddHeader(types.HeaderMaxForwards, strconv.Itoa(DefaultMaxForwards))
	cancel.AddHeader(types.HeaderFrom, invite.Header(types.HeaderFrom))
	cancel.AddHeader(types.HeaderTo, invite.Header(types.HeaderTo))
	cancel.AddHeader(types.HeaderCallID, invite.Header(types.HeaderCallID))
	cancel.AddHeader(types.HeaderCSeq, types.CSeq{Sequence: cseq.Sequence, Method: types.MethodCANCEL}.String())
	for _, route := range invite.HeaderValues(types.HeaderRoute) {
		cancel.AddHeader(types.HeaderRoute, route)
	}
	cancel.AddHeader(types.HeaderContentLength, "0")
	return cancel, nil
}

// topViaValue возвращает только верхний Via, даже если в строке их несколько
func topViaValue(req *types.Request) string {
	if via, err := req.TopVia(); err == nil {
		return via.String()
	}
	return req.Header(types.HeaderVia)
}
