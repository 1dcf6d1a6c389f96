// Package sockopt открывает UDP сокеты с QoS маркировкой для сигнализации
// и медиа. Ошибки установки опций не фатальны: в контейнерах часть опций
// недоступна, сокет при этом остается рабочим.
package sockopt

import (
	"context"
	"net"
	"syscall"
)

// DSCP классы (RFC 4594)
const (
	DSCPExpeditedForwarding = 46 // EF, голос
	DSCPClassSelector3      = 24 // CS3, сигнализация
)

// Options параметры сокета
type Options struct {
	DSCP          int // 0 - не устанавливать
	ReceiveBuffer int // байт, 0 - по умолчанию ОС
	SendBuffer    int
	// Priority приоритет SO_PRIORITY (только Linux), 0 - не устанавливать
	Priority int
}

// ListenUDP открывает UDP сокет и применяет опции до bind
func ListenUDP(ctx context.Context, network, address string, opts Options) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				apply(int(fd), opts)
			})
		},
	}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
