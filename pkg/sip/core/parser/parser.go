// Package parser разбирает SIP сообщения из датаграмм.
//
// Любая ошибка разбора возвращается как *errors.MalformedMessage, в
// который складываются заголовки, извлеченные до ошибки. По ним
// вызывающая сторона решает, можно ли ответить 400 или датаграмму
// нужно молча отбросить.
package parser

import (
	"bytes"
	"strconv"
	"strings"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// ParserOption опция для настройки парсера
type ParserOption func(*DefaultParser)

// DefaultParser реализация парсера по умолчанию
type DefaultParser struct {
	strict          bool
	maxHeaderLength int
	maxHeaders      int
}

// NewParser создает новый парсер
func NewParser(opts ...ParserOption) *DefaultParser {
	p := &DefaultParser{
		strict:          true,
		maxHeaderLength: 8192,
		maxHeaders:      128,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithStrict в строгом режиме требуется SIP/2.0 и Max-Forwards в запросах
func WithStrict(strict bool) ParserOption {
	return func(p *DefaultParser) {
		p.strict = strict
	}
}

// WithMaxHeaderLength устанавливает максимальную длину заголовка
func WithMaxHeaderLength(length int) ParserOption {
	return func(p *DefaultParser) {
		p.maxHeaderLength = length
	}
}

// WithMaxHeaders устанавливает максимальное количество заголовков
func WithMaxHeaders(count int) ParserOption {
	return func(p *DefaultParser) {
		p.maxHeaders = count
	}
}

var defaultParser = NewParser(WithStrict(false))

// Parse разбирает сообщение нестрогим парсером по умолчанию
func Parse(data []byte) (types.Message, error) {
	return defaultParser.ParseMessage(data)
}

// IsKeepAlive распознает CRLF keep-alive (RFC 5626 3.5.1)
func IsKeepAlive(data []byte) bool {
	return len(bytes.Trim(data, "\r\n")) == 0
}

// ParseMessage парсит SIP сообщение
func (p *DefaultParser) ParseMessage(data []byte) (types.Message, error) {
	// Допускаем ведущие CRLF перед стартовой строкой (RFC 3261 7.5)
	data = bytes.TrimLeft(data, "\r\n")

	head, body, found := cutHeaderSection(data)
	if !found {
		return nil, siperrors.NewMalformed("missing empty line after headers")
	}

	lines := splitLines(head)
	if len(lines) == 0 || lines[0] == "" {
		return nil, siperrors.NewMalformed("empty start line")
	}

	startLine := lines[0]
	isResponse := strings.HasPrefix(startLine, "SIP/")
	partial := &siperrors.MalformedMessage{IsRequest: !isResponse}

	headers, err := p.parseHeaders(lines[1:], partial)
	if err != nil {
		return nil, err
	}

	body, err = p.extractBody(headers, body, partial)
	if err != nil {
		return nil, err
	}

	if isResponse {
		resp, err := p.buildResponse(startLine, headers, body, partial)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	req, err := p.buildRequest(startLine, headers, body, partial)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// cutHeaderSection отделяет заголовки от тела. Допускается голый LF.
func cutHeaderSection(data []byte) ([]byte, []byte, bool) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return data[:idx], data[idx+4:], true
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return data[:idx], data[idx+2:], true
	}
	return nil, nil, false
}

func splitLines(head []byte) []string {
	raw := strings.Split(string(head), "\n")
	for i := range raw {
		raw[i] = strings.TrimRight(raw[i], "\r")
	}
	return raw
}

// parseHeaders разбирает заголовки с учетом переноса строк (folding)
func (p *DefaultParser) parseHeaders(lines []string, partial *siperrors.MalformedMessage) ([]types.Header, error) {
	var headers []types.Header
	bad := func(format string, args ...any) error {
		collectPartial(headers, partial)
		return p.fail(partial, format, args...)
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, bad("continuation line without header")
			}
			last := &headers[len(headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		if len(line) > p.maxHeaderLength {
			return nil, bad("header too long: %d bytes", len(line))
		}
		if len(headers) >= p.maxHeaders {
			return nil, bad("too many headers")
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, bad("invalid header line %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		if strings.ContainsAny(name, " \t") {
			return nil, bad("invalid header name %q", name)
		}
		headers = append(headers, types.Header{Name: name, Value: strings.TrimSpace(line[colon+1:])})
	}

	collectPartial(headers, partial)
	return headers, nil
}

// collectPartial запоминает ключевые заголовки для возможного ответа 400
func collectPartial(headers []types.Header, partial *siperrors.MalformedMessage) {
	partial.Vias = partial.Vias[:0]
	for _, h := range headers {
		switch types.CanonicalHeaderName(h.Name) {
		case types.HeaderVia:
			partial.Vias = append(partial.Vias, h.Value)
		case types.HeaderFrom:
			partial.From = h.Value
		case types.HeaderTo:
			partial.To = h.Value
		case types.HeaderCallID:
			partial.CallID = h.Value
		case types.HeaderCSeq:
			partial.CSeq = h.Value
		}
	}
}

// extractBody ограничивает тело значением Content-Length.
// Без Content-Length телом считается остаток датаграммы.
func (p *DefaultParser) extractBody(headers []types.Header, rest []byte, partial *siperrors.MalformedMessage) ([]byte, error) {
	value, ok := headerValue(headers, types.HeaderContentLength)
	if !ok {
		if len(rest) == 0 {
			return nil, nil
		}
		return rest, nil
	}
	length, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || length < 0 {
		return nil, p.fail(partial, "invalid Content-Length %q", value)
	}
	if length > len(rest) {
		return nil, p.fail(partial, "body truncated: Content-Length %d, got %d bytes", length, len(rest))
	}
	if length == 0 {
		return nil, nil
	}
	return rest[:length], nil
}

func headerValue(headers []types.Header, name string) (string, bool) {
	for _, h := range headers {
		if types.CanonicalHeaderName(h.Name) == name {
			return h.Value, true
		}
	}
	return "", false
}

func (p *DefaultParser) buildRequest(startLine string, headers []types.Header, body []byte, partial *siperrors.MalformedMessage) (*types.Request, error) {
	parts := strings.Split(startLine, " ")
	if len(parts) != 3 {
		return nil, p.fail(partial, "invalid request line %q", startLine)
	}
	method, uriStr, version := parts[0], parts[1], parts[2]
	if method == "" || strings.ToUpper(method) != method {
		return nil, p.fail(partial, "invalid method %q", method)
	}
	if version != types.SIPVersion {
		return nil, p.fail(partial, "unsupported SIP version %q", version)
	}
	uri, err := types.ParseURI(uriStr)
	if err != nil {
		return nil, p.fail(partial, "invalid Request-URI: %v", err)
	}

	req := types.NewRequest(method, uri)
	for _, h := range headers {
		req.AddHeader(h.Name, h.Value)
	}
	req.AttachBody(body)

	if err := p.validate(req, partial); err != nil {
		return nil, err
	}
	if p.strict && req.Header(types.HeaderMaxForwards) == "" {
		return nil, p.fail(partial, "missing required header: %s", types.HeaderMaxForwards)
	}
	cseq, _ := req.CSeq()
	if cseq.Method != req.Method {
		return nil, p.fail(partial, "CSeq method mismatch: %s != %s", cseq.Method, req.Method)
	}
	return req, nil
}

func (p *DefaultParser) buildResponse(startLine string, headers []types.Header, body []byte, partial *siperrors.MalformedMessage) (*types.Response, error) {
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return nil, p.fail(partial, "invalid status line %q", startLine)
	}
	if parts[0] != types.SIPVersion {
		return nil, p.fail(partial, "unsupported SIP version %q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, p.fail(partial, "invalid status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	resp := types.NewResponse(code, reason)
	for _, h := range headers {
		resp.AddHeader(h.Name, h.Value)
	}
	resp.AttachBody(body)

	if err := p.validate(resp, partial); err != nil {
		return nil, err
	}
	return resp, nil
}

// validate проверяет обязательные заголовки и их синтаксис
func (p *DefaultParser) validate(msg types.Message, partial *siperrors.MalformedMessage) error {
	required := []string{
		types.HeaderVia,
		types.HeaderFrom,
		types.HeaderTo,
		types.HeaderCallID,
		types.HeaderCSeq,
	}
	for _, name := range required {
		if strings.TrimSpace(msg.Header(name)) == "" {
			return p.fail(partial, "missing required header: %s", name)
		}
	}
	if _, err := msg.CSeq(); err != nil {
		return p.fail(partial, "%v", err)
	}
	if _, err := msg.TopVia(); err != nil {
		return p.fail(partial, "%v", err)
	}
	if _, err := msg.From(); err != nil {
		return p.fail(partial, "invalid From: %v", err)
	}
	if _, err := msg.To(); err != nil {
		return p.fail(partial, "invalid To: %v", err)
	}
	return nil
}

func (p *DefaultParser) fail(partial *siperrors.MalformedMessage, format string, args ...any) error {
	m := *partial
	m.Reason = siperrors.NewMalformed(format, args...).Reason
	return &m
}
