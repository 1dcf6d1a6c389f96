// Package errors определяет таксономию ошибок ядра АТС и их отображение
// в коды ответов SIP.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind класс ошибки
type Kind int

const (
	KindInternal Kind = iota
	KindMalformedMessage
	KindTransactionTimeout
	KindInvalidDialogState
	KindSequenceViolation
	KindUnsupportedMedia
	KindPortExhaustion
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformedMessage:
		return "MalformedMessage"
	case KindTransactionTimeout:
		return "TransactionTimeout"
	case KindInvalidDialogState:
		return "InvalidDialogState"
	case KindSequenceViolation:
		return "SequenceViolation"
	case KindUnsupportedMedia:
		return "UnsupportedMedia"
	case KindPortExhaustion:
		return "PortExhaustion"
	case KindTransport:
		return "Transport"
	default:
		return "Internal"
	}
}

// SIPError ошибка с привязкой к коду ответа SIP
type SIPError interface {
	error
	Kind() Kind
	Code() int       // SIP status code, которым отвечает сервер
	IsTimeout() bool // Таймаут операции
	Temporary() bool // Временная ошибка (можно повторить)
}

// sipError базовая реализация SIPError
type sipError struct {
	kind      Kind
	code      int
	message   string
	timeout   bool
	temporary bool
}

// Error возвращает описание ошибки
func (e *sipError) Error() string {
	return fmt.Sprintf("SIP %d: %s", e.code, e.message)
}

func (e *sipError) Kind() Kind { return e.kind }
func (e *sipError) Code() int { return e.code }
func (e *sipError) IsTimeout() bool { return e.timeout }
func (e *sipError) Temporary() bool { return e.temporary }

// Is сравнивает ошибки по классу, чтобы errors.Is работал с обернутыми значениями
func (e *sipError) Is(target error) bool {
	t, ok := target.(*sipError)
	return ok && t.kind == e.kind
}

// Предопределенные ошибки
var (
	ErrMalformedMessage   = &sipError{kind: KindMalformedMessage, code: 400, message: "Malformed message"}
	ErrTransactionTimeout = &sipError{kind: KindTransactionTimeout, code: 408, message: "Transaction timeout", timeout: true, temporary: true}
	ErrInvalidDialogState = &sipError{kind: KindInvalidDialogState, code: 481, message: "Invalid dialog state"}
	ErrSequenceViolation  = &sipError{kind: KindSequenceViolation, code: 500, message: "CSeq out of order"}
	ErrUnsupportedMedia   = &sipError{kind: KindUnsupportedMedia, code: 488, message: "Unsupported media"}
	ErrPortExhaustion     = &sipError{kind: KindPortExhaustion, code: 503, message: "RTP port range exhausted", temporary: true}
	ErrTransportFailure   = &sipError{kind: KindTransport, code: 503, message: "Transport failure", temporary: true}
	ErrInternal           = &sipError{kind: KindInternal, code: 500, message: "Internal error"}
)

// wrapped добавляет контекст к базовой ошибке, сохраняя ее класс
type wrapped struct {
	base  *sipError
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s: %v", w.base.message, w.msg, w.cause)
	}
	return fmt.Sprintf("%s: %s", w.base.message, w.msg)
}

func (w *wrapped) Kind() Kind { return w.base.kind }
func (w *wrapped) Code() int { return w.base.code }
func (w *wrapped) IsTimeout() bool { return w.base.timeout }
func (w *wrapped) Temporary() bool { return w.base.temporary }

// Unwrap возвращает базовую ошибку и причину
func (w *wrapped) Unwrap() []error {
	if w.cause != nil {
		return []error{w.base, w.cause}
	}
	return []error{w.base}
}

// Newf создает ошибку класса base с дополнительным описанием
func Newf(base SIPError, format string, args ...any) SIPError {
	return &wrapped{base: baseOf(base), msg: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает причину cause ошибкой класса base
func Wrap(base SIPError, cause error, msg string) SIPError {
	return &wrapped{base: baseOf(base), msg: msg, cause: cause}
}

func baseOf(e SIPError) *sipError {
	switch v := e.(type) {
	case *sipError:
		return v
	case *wrapped:
		return v.base
	}
	return &sipError{kind: e.Kind(), code: e.Code(), message: e.Error(), timeout: e.IsTimeout(), temporary: e.Temporary()}
}

// KindOf возвращает класс ошибки. Посторонние ошибки считаются внутренними.
func KindOf(err error) Kind {
	var sipErr SIPError
	if stderrors.As(err, &sipErr) {
		return sipErr.Kind()
	}
	return KindInternal
}

// StatusCode возвращает код ответа SIP для ошибки (500 по умолчанию)
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var sipErr SIPError
	if stderrors.As(err, &sipErr) {
		return sipErr.Code()
	}
	return 500
}

// IsTimeout проверяет, является ли ошибка таймаутом
func IsTimeout(err error) bool {
	var sipErr SIPError
	if stderrors.As(err, &sipErr) {
		return sipErr.IsTimeout()
	}
	type timeout interface{ Timeout() bool }
	var to timeout
	return stderrors.As(err, &to) && to.Timeout()
}

// MalformedMessage ошибка разбора сообщения.
// Хранит заголовки, которые удалось извлечь до ошибки: по ним
// можно сформировать 400 Bad Request без создания транзакции.
type MalformedMessage struct {
	Reason    string
	IsRequest bool
	Vias      []string
	From      string
	To        string
	CallID    string
	CSeq      string
}

// NewMalformed создает ошибку разбора
func NewMalformed(format string, args ...any) *MalformedMessage {
	return &MalformedMessage{Reason: fmt.Sprintf(format, args...)}
}

func (e *MalformedMessage) Error() string {
	return "malformed message: " + e.Reason
}

func (e *MalformedMessage) Kind() Kind { return KindMalformedMessage }
func (e *MalformedMessage) Code() int { return 400 }
func (e *MalformedMessage) IsTimeout() bool { return false }
func (e *MalformedMessage) Temporary() bool { return false }

// Unwrap позволяет errors.Is(err, ErrMalformedMessage)
func (e *MalformedMessage) Unwrap() error { return ErrMalformedMessage }

// CanRespond сообщает, можно ли ответить 400 без состояния:
// это был запрос и из него удалось извлечь Via, From, To и Call-ID.
func (e *MalformedMessage) CanRespond() bool {
	return e.IsRequest && len(e.Vias) > 0 &&
		strings.TrimSpace(e.From) != "" &&
		strings.TrimSpace(e.To) != "" &&
		strings.TrimSpace(e.CallID) != ""
}
