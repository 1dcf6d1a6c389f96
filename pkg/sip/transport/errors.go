package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransportClosed операция над закрытым транспортом
	ErrTransportClosed = errors.New("transport closed")

	// ErrBufferFull очередь отправки переполнена
	ErrBufferFull = errors.New("send buffer full")

	// ErrInvalidAddress пустой или неразрешимый адрес назначения
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge сообщение не помещается в UDP датаграмму
	ErrMessageTooLarge = errors.New("message too large")
)

// TransportError ошибка сетевой операции
type TransportError struct {
	Operation string
	Addr      string
	Err       error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("udp %s %s: %v", e.Operation, e.Addr, e.Err)
	}
	return fmt.Sprintf("udp %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary сообщает, что операцию можно повторить
func (e *TransportError) Temporary() bool {
	return errors.Is(e.Err, ErrBufferFull) || isTimeout(e.Err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
